package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
)

func completionFixture() map[string]any {
	step := func(token string, logprob float64, alts ...map[string]any) map[string]any {
		return map[string]any{"token": token, "logprob": logprob, "top_logprobs": alts}
	}
	alt := func(token string, logprob float64) map[string]any {
		return map[string]any{"token": token, "logprob": logprob}
	}

	return map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": "A cat."},
			"finish_reason": "stop",
			"logprobs": map[string]any{
				"content": []map[string]any{
					step("A", -0.1, alt("A", -0.1), alt("The", -2.3)),
					step(" cat", -0.4, alt(" cat", -0.4), alt(" dog", -1.8)),
					step(".", -0.02, alt(".", -0.02)),
				},
			},
		}},
	}
}

func TestCompleteRequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer EMPTY", r.Header.Get("Authorization"))

		// Decode into a raw map too, to check top_k is truly absent.
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		require.NoError(t, dec.Decode(&raw))
		data, _ := json.Marshal(raw)
		require.NoError(t, json.Unmarshal(data, &got))

		_, hasTopK := raw["top_k"]
		assert.False(t, hasTopK, "top_k=-1 must be omitted so sampling stays unfiltered")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionFixture())
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	cfg := trace.NewConfig()
	completion, err := c.Complete(context.Background(), "What is a cat?", cfg)
	require.NoError(t, err)

	assert.True(t, got.LogProbs)
	assert.Equal(t, 5, got.TopLogProbs)
	assert.Equal(t, int64(42), got.Seed)
	assert.Equal(t, 64, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.InDelta(t, 0.9, got.TopP, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, trace.RoleUser, got.Messages[0].Role)

	assert.Equal(t, "test-model", completion.Model)
	assert.Equal(t, "A cat.", completion.Text)
	require.Len(t, completion.Steps, 3)
	assert.Equal(t, "A", completion.Steps[0].Token)
	require.Len(t, completion.Steps[0].Alternatives, 2)
	assert.Equal(t, "The", completion.Steps[0].Alternatives[1].Token)
	assert.InDelta(t, -2.3, completion.Steps[0].Alternatives[1].LogProb, 1e-9)
}

func TestCompleteTopKForwardedWhenSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, float64(40), raw["top_k"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionFixture())
	}))
	defer srv.Close()

	cfg := trace.NewConfig()
	cfg.TopK = 40
	_, err := New(srv.URL, "", "", nil).Complete(context.Background(), "p", cfg)
	require.NoError(t, err)
}

func TestCompleteRemembersServerModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(completionFixture())
		case "/tokenize":
			var body tokenizeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "test-model", body.Model)
			writeIDs(w, []int{1, 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	_, err := c.Complete(context.Background(), "p", trace.NewConfig())
	require.NoError(t, err)

	// The tokenize call now names the model the server reported.
	_, err = c.Tokenize(context.Background(), "x", trace.RoleUser)
	require.NoError(t, err)
}

func TestCompleteTransportFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", "", nil).Complete(context.Background(), "p", trace.NewConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCompleteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", "", nil).Complete(context.Background(), "p", trace.NewConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, trace.ErrMalformedResponse))
}
