package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
)

// tokenizeRecorder tracks every tokenize request body the test server saw.
type tokenizeRecorder struct {
	mu     sync.Mutex
	bodies []tokenizeRequest
	paths  []string
}

func (r *tokenizeRecorder) record(path string, body tokenizeRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	r.paths = append(r.paths, path)
}

func (r *tokenizeRecorder) messagesAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bodies {
		if len(b.Messages) > 0 {
			n++
		}
	}
	return n
}

func decodeTokenizeBody(t *testing.T, req *http.Request) tokenizeRequest {
	t.Helper()
	var body tokenizeRequest
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	return body
}

func writeIDs(w http.ResponseWriter, ids []int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tokens": ids, "count": len(ids)})
}

func TestTokenizeRoleAware(t *testing.T) {
	rec := &tokenizeRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokenize", r.URL.Path)
		body := decodeTokenizeBody(t, r)
		rec.record(r.URL.Path, body)

		require.Len(t, body.Messages, 1)
		assert.Equal(t, trace.RoleUser, body.Messages[0].Role)
		writeIDs(w, []int{1, 3923, 374})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	res, err := c.Tokenize(context.Background(), "What is", trace.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, trace.ModeRoleAware, res.Mode)
	assert.Equal(t, "messages(user)", res.ModeLabel())
	assert.Equal(t, []int{1, 3923, 374}, res.TokenIDs)
	assert.Equal(t, "/tokenize", res.Endpoint)
}

func TestTokenizeFallsBackToPromptForm(t *testing.T) {
	rec := &tokenizeRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeTokenizeBody(t, r)
		rec.record(r.URL.Path, body)

		// This server only understands the prompt form.
		if len(body.Messages) > 0 {
			http.Error(w, `{"error":"messages not supported"}`, http.StatusBadRequest)
			return
		}
		writeIDs(w, []int{1, 1065})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	res, err := c.Tokenize(context.Background(), "A", trace.RoleAssistant)
	require.NoError(t, err)

	assert.Equal(t, trace.ModePromptFallback, res.Mode)
	assert.Equal(t, "prompt(fallback)", res.ModeLabel())
	assert.Equal(t, []int{1, 1065}, res.TokenIDs)

	// The settled mode is cached: a second call for the same role must
	// not repeat the failed role-aware attempt.
	attempts := rec.messagesAttempts()
	_, err = c.Tokenize(context.Background(), "B", trace.RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, attempts, rec.messagesAttempts())
}

func TestTokenizeRawFallback(t *testing.T) {
	rec := &tokenizeRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeTokenizeBody(t, r)
		rec.record(r.URL.Path, body)

		// Only bare tokenization with special tokens off succeeds.
		if body.AddSpecialTokens == nil || *body.AddSpecialTokens {
			http.Error(w, `{"error":"unsupported"}`, http.StatusNotFound)
			return
		}
		writeIDs(w, []int{1065})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	res, err := c.Tokenize(context.Background(), "A", trace.RoleAssistant)
	require.NoError(t, err)

	assert.Equal(t, trace.ModeRawFallback, res.Mode)
	assert.Equal(t, []int{1065}, res.TokenIDs)

	// No role-aware attempt returned success before the raw one.
	rec.mu.Lock()
	for i, b := range rec.bodies[:len(rec.bodies)-1] {
		assert.NotEqual(t, trace.ModeRawFallback, classify(b), "attempt %d should precede raw", i)
	}
	rec.mu.Unlock()
}

// classify maps a recorded body back to the mode that produced it.
func classify(b tokenizeRequest) trace.TokenizationMode {
	switch {
	case len(b.Messages) > 0:
		return trace.ModeRoleAware
	case b.AddSpecialTokens != nil && !*b.AddSpecialTokens:
		return trace.ModeRawFallback
	default:
		return trace.ModePromptFallback
	}
}

func TestTokenizeEndpointFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tokenize" {
			http.NotFound(w, r)
			return
		}
		decodeTokenizeBody(t, r)
		writeIDs(w, []int{1, 5})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	res, err := c.Tokenize(context.Background(), "x", trace.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, trace.ModeRoleAware, res.Mode)
	assert.Equal(t, "/v1/tokenize", res.Endpoint)
}

func TestTokenizeExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tokenizer offline", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	_, err := c.Tokenize(context.Background(), "x", trace.RoleUser)

	require.Error(t, err)
	assert.True(t, errors.Is(err, trace.ErrTokenizeExhausted))
}

func TestTokenizeModelNameIncluded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeTokenizeBody(t, r)
		assert.Equal(t, "meta-llama/Llama-3-8B", body.Model)
		writeIDs(w, []int{1, 2})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "meta-llama/Llama-3-8B", nil)
	_, err := c.Tokenize(context.Background(), "x", trace.RoleUser)
	require.NoError(t, err)
}
