package client

import (
	"context"
	"fmt"

	"github.com/bytedance/gg/gptr"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
	"github.com/kiosk404/tokenlens/pkg/logger"
)

// tokenizePaths are tried in order per attempt; server builds differ on
// whether the tokenize endpoint sits under /v1.
var tokenizePaths = []string{"/tokenize", "/v1/tokenize"}

// modeChain is the ordered fallback: role framing, prompt form with
// special tokens, bare text.
var modeChain = []trace.TokenizationMode{
	trace.ModeRoleAware,
	trace.ModePromptFallback,
	trace.ModeRawFallback,
}

// Tokenize converts text to token IDs through the server tokenizer,
// trying role-aware framing first and degrading gracefully. A missing
// capability is a normal condition, never an error by itself; only
// exhausting every form fails. The first mode that succeeds for a role
// is cached so later calls skip the attempts already known to fail.
func (c *Client) Tokenize(ctx context.Context, text, role string) (*trace.TokenizationResult, error) {
	start := c.settledMode(role)
	var lastErr error

	for _, mode := range modeChain {
		if mode < start {
			continue
		}
		res, err := c.tryTokenize(ctx, text, role, mode)
		if err != nil {
			lastErr = err
			if mode != trace.ModeRawFallback {
				logger.Debugf("tokenize %s as %s failed, falling back: %v", role, mode.Label(role), err)
			}
			continue
		}
		c.settle(role, mode)
		return res, nil
	}

	return nil, fmt.Errorf("tokenize as %s: %w (last error: %v)", role, trace.ErrTokenizeExhausted, lastErr)
}

// tryTokenize performs one attempt of one mode across the candidate
// endpoint paths.
func (c *Client) tryTokenize(ctx context.Context, text, role string, mode trace.TokenizationMode) (*trace.TokenizationResult, error) {
	body := c.tokenizeBody(text, role, mode)

	var lastErr error
	for _, path := range c.pathOrder() {
		var resp tokenizeResponse
		if err := c.postJSON(ctx, c.baseURL+path, body, &resp); err != nil {
			lastErr = err
			continue
		}

		ids := resp.ids()
		if ids == nil || (len(ids) == 0 && text != "") {
			lastErr = fmt.Errorf("%w: no token ids in tokenize response", trace.ErrMalformedResponse)
			continue
		}

		c.rememberPath(path)
		return &trace.TokenizationResult{
			Text:     text,
			TokenIDs: ids,
			Mode:     mode,
			Role:     role,
			Endpoint: path,
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", trace.ErrCapabilityUnsupported, lastErr)
}

// tokenizeBody renders the request body for a tokenization mode. The
// model name is included when known, matching what the server expects
// for multi-model deployments.
func (c *Client) tokenizeBody(text, role string, mode trace.TokenizationMode) tokenizeRequest {
	req := tokenizeRequest{Model: c.currentModel()}
	switch mode {
	case trace.ModeRoleAware:
		req.Messages = []ChatMessage{{Role: role, Content: text}}
		// Completion text is a finished turn, not one awaiting a reply.
		if role == trace.RoleAssistant {
			req.AddGenerationPrompt = gptr.Of(false)
		}
	case trace.ModePromptFallback:
		req.Prompt = gptr.Of(text)
	default:
		req.Prompt = gptr.Of(text)
		req.AddSpecialTokens = gptr.Of(false)
	}
	return req
}

// settledMode returns the cached starting mode for a role.
func (c *Client) settledMode(role string) trace.TokenizationMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode, ok := c.settled[role]; ok {
		return mode
	}
	return trace.ModeRoleAware
}

// settle records the mode that won for a role. The cache lives only as
// long as this client; capability availability is session-wide, so a
// form that failed once will keep failing within an invocation.
func (c *Client) settle(role string, mode trace.TokenizationMode) {
	c.mu.Lock()
	_, seen := c.settled[role]
	c.settled[role] = mode
	c.mu.Unlock()

	if !seen && mode != trace.ModeRoleAware {
		logger.Warnf("tokenization for role %s settled on %s", role, mode.Label(role))
	}
}

// pathOrder lists the endpoint paths, preferring one already known to
// work.
func (c *Client) pathOrder() []string {
	c.mu.Lock()
	known := c.tokenizePath
	c.mu.Unlock()

	if known == "" {
		return tokenizePaths
	}
	order := []string{known}
	for _, p := range tokenizePaths {
		if p != known {
			order = append(order, p)
		}
	}
	return order
}

func (c *Client) rememberPath(path string) {
	c.mu.Lock()
	c.tokenizePath = path
	c.mu.Unlock()
}
