package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/gg/gptr"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
	"github.com/kiosk404/tokenlens/pkg/utils/json"
)

// Client talks to one vLLM server over its OpenAI-compatible REST API.
// It implements both trace gateways; the shared http.Client is reused
// across every call of an invocation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu sync.Mutex
	// model is the server-reported model name, learned from the first
	// completion and echoed into tokenize requests.
	model string
	// tokenizePath remembers which tokenize endpoint the server serves.
	tokenizePath string
	// settled caches the first tokenization mode that succeeded per
	// role, for the lifetime of this client only.
	settled map[string]trace.TokenizationMode
}

// New creates a client for the given base URL. The API key defaults to
// "EMPTY", which vLLM accepts when auth is disabled.
func New(baseURL, apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if apiKey == "" {
		apiKey = "EMPTY"
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		settled:    make(map[string]trace.TokenizationMode),
	}
}

// Complete samples one completion with per-step logprobs. There is
// exactly one sampling endpoint, so any failure here is fatal.
func (c *Client) Complete(ctx context.Context, prompt string, cfg *trace.Config) (*trace.Completion, error) {
	req := chatRequest{
		Model:       cfg.Model,
		Messages:    []ChatMessage{{Role: trace.RoleUser, Content: prompt}},
		MaxTokens:   cfg.MaxNewTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		LogProbs:    true,
		TopLogProbs: cfg.TopLogprobs,
		Seed:        cfg.Seed,
	}
	if cfg.TopK >= 0 {
		req.TopK = gptr.Of(cfg.TopK)
	}

	var resp chatResponse
	if err := c.postJSON(ctx, c.baseURL+"/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: no choices in completion", trace.ErrMalformedResponse)
	}

	choice := resp.Choices[0]
	completion := &trace.Completion{
		Model: resp.Model,
		Text:  choice.Message.Content,
	}
	if choice.Logprobs != nil {
		completion.Steps = make([]trace.RawStep, 0, len(choice.Logprobs.Content))
		for _, step := range choice.Logprobs.Content {
			raw := trace.RawStep{
				Token:        step.Token,
				LogProb:      step.Logprob,
				Alternatives: make([]trace.RawCandidate, 0, len(step.TopLogprobs)),
			}
			for _, alt := range step.TopLogprobs {
				raw.Alternatives = append(raw.Alternatives, trace.RawCandidate{
					Token:   alt.Token,
					LogProb: alt.Logprob,
				})
			}
			completion.Steps = append(completion.Steps, raw)
		}
	}

	// Remember the served model so tokenize calls name it too.
	if resp.Model != "" {
		c.mu.Lock()
		c.model = resp.Model
		c.mu.Unlock()
	}

	return completion, nil
}

// currentModel returns the model name to put in request bodies.
func (c *Client) currentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// postJSON posts a JSON body and decodes a JSON response into out.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &statusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// statusError carries a non-200 HTTP status with a body snippet.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, body)
}
