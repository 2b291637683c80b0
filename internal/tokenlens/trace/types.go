package trace

import (
	"context"
	"fmt"
)

// Conversational roles used when framing text for the server tokenizer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TokenizationMode records which tokenization strategy actually succeeded
// for a given text. The mode matters downstream: role framing typically
// injects a leading BOS token (and possibly role markers) that the
// reconciler has to account for.
type TokenizationMode int32

const (
	// ModeRoleAware framed the text as a single chat turn of a given role.
	ModeRoleAware TokenizationMode = 0

	// ModePromptFallback tokenized the text through the plain prompt form,
	// special tokens left on.
	ModePromptFallback TokenizationMode = 1

	// ModeRawFallback tokenized the bare text with no framing and no
	// special tokens.
	ModeRawFallback TokenizationMode = 2
)

func (m TokenizationMode) String() string {
	switch m {
	case ModeRoleAware:
		return "messages"
	case ModePromptFallback:
		return "prompt(fallback)"
	case ModeRawFallback:
		return "raw(fallback)"
	default:
		return fmt.Sprintf("TokenizationMode(%d)", m)
	}
}

// Label renders the mode the way reports show it, including the role for
// role-aware tokenization, e.g. "messages(assistant)".
func (m TokenizationMode) Label(role string) string {
	if m == ModeRoleAware {
		return fmt.Sprintf("messages(%s)", role)
	}
	return m.String()
}

// TokenizationResult is the outcome of one tokenizer gateway call.
// Consumed read-only.
type TokenizationResult struct {
	Text     string           `json:"text"`
	TokenIDs []int            `json:"token_ids"`
	Mode     TokenizationMode `json:"mode"`
	Role     string           `json:"role"`
	Endpoint string           `json:"endpoint,omitempty"`
}

// ModeLabel is the human-readable form of the result's mode.
func (r *TokenizationResult) ModeLabel() string {
	return r.Mode.Label(r.Role)
}

// Config holds the sampling parameters for one trace invocation.
// Immutable input, validated before any network call.
type Config struct {
	Model        string  `json:"model,omitempty" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	TopP         float64 `json:"top_p" mapstructure:"top-p"`
	TopK         int     `json:"top_k" mapstructure:"top-k"`
	Seed         int64   `json:"seed" mapstructure:"seed"`
	MaxNewTokens int     `json:"max_new_tokens" mapstructure:"max-new-tokens"`
	TopLogprobs  int     `json:"top_logprobs" mapstructure:"top-logprobs"`

	// BOSTokenID is the tokenizer's beginning-of-sequence sentinel.
	// A negative value means unknown; the reconciler then falls back to
	// comparing against the prompt tokenization's first ID.
	BOSTokenID int `json:"bos_token_id" mapstructure:"bos-id"`

	// Concurrency bounds the parallel re-tokenization calls.
	Concurrency int `json:"-" mapstructure:"concurrency"`
}

// NewConfig returns a Config with the tracer defaults. Top-k filtering is
// disabled by default so the sampling distribution stays unfiltered.
func NewConfig() *Config {
	return &Config{
		Temperature:  0.7,
		TopP:         0.9,
		TopK:         -1,
		Seed:         42,
		MaxNewTokens: 64,
		TopLogprobs:  5,
		BOSTokenID:   1,
		Concurrency:  defaultConcurrency,
	}
}

// Validate checks the sampling parameters.
func (c *Config) Validate() []error {
	var errs []error
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must be >= 0, got %v", c.Temperature))
	}
	if c.TopP <= 0 || c.TopP > 1 {
		errs = append(errs, fmt.Errorf("top-p must be in (0,1], got %v", c.TopP))
	}
	if c.TopK < -1 {
		errs = append(errs, fmt.Errorf("top-k must be >= -1, got %d", c.TopK))
	}
	if c.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("max-new-tokens must be > 0, got %d", c.MaxNewTokens))
	}
	if c.TopLogprobs < 1 {
		errs = append(errs, fmt.Errorf("top-logprobs must be >= 1, got %d", c.TopLogprobs))
	}
	return errs
}

// RawCandidate is one server-reported alternative token at a step.
type RawCandidate struct {
	Token   string
	LogProb float64
}

// RawStep is the unprocessed per-position sampling record the completion
// gateway returns: the chosen token plus the reported alternatives, in
// server order.
type RawStep struct {
	Token        string
	LogProb      float64
	Alternatives []RawCandidate
}

// Completion is the sampling gateway's result.
type Completion struct {
	Model string
	Text  string
	Steps []RawStep
}

// CandidateToken is a ranked candidate at one generation step.
type CandidateToken struct {
	TokenIDs    []int   `json:"token_ids,omitempty"`
	Text        string  `json:"text"`
	LogProb     float64 `json:"logprob"`
	Probability float64 `json:"probability"`
	Chosen      bool    `json:"chosen,omitempty"`
}

// StepRecord is the reconciled view of one generation step.
type StepRecord struct {
	StepIndex int            `json:"step_index"`
	Chosen    CandidateToken `json:"chosen"`

	// Candidates are sorted by non-increasing probability, ties keeping
	// server order. The chosen token always appears exactly once.
	Candidates []CandidateToken `json:"candidates"`

	// IndividualTokenIDs is the chosen token's text re-tokenized alone.
	IndividualTokenIDs []int `json:"individual_token_ids"`

	// BatchTokenID is the ID at this step's offset in the full-completion
	// tokenization, nil when the offset is out of range.
	BatchTokenID *int `json:"batch_token_id,omitempty"`

	// Matched is true iff IndividualTokenIDs resolves to exactly one ID
	// equal to BatchTokenID.
	Matched bool `json:"matched"`

	// ChosenInjected reports the anomaly of a chosen token the server
	// left out of its own alternatives list.
	ChosenInjected bool `json:"chosen_injected,omitempty"`

	// TokenizeErr records a per-step re-tokenization failure that was
	// degraded to an unmatched step instead of aborting the analysis.
	TokenizeErr string `json:"tokenize_err,omitempty"`
}

// ReconciliationSummary compares step granularity with token granularity.
type ReconciliationSummary struct {
	TotalSteps                       int  `json:"total_steps"`
	CompletionTokenCountExcludingBOS int  `json:"completion_token_count_excluding_bos"`
	CountMismatch                    bool `json:"count_mismatch"`
}

// Analysis is the full result of one trace invocation, pure data with no
// formatting.
type Analysis struct {
	Model                  string                `json:"model,omitempty"`
	Prompt                 string                `json:"prompt"`
	CompletionText         string                `json:"completion_text"`
	PromptTokenization     *TokenizationResult   `json:"prompt_tokenization"`
	CompletionTokenization *TokenizationResult   `json:"completion_tokenization"`
	Steps                  []StepRecord          `json:"steps"`
	Summary                ReconciliationSummary `json:"summary"`
}

// TokenizationGateway tokenizes text through the remote server's
// tokenizer, framing it for the given role when the server supports it.
type TokenizationGateway interface {
	Tokenize(ctx context.Context, text, role string) (*TokenizationResult, error)
}

// CompletionGateway samples one completion with per-step logprobs.
type CompletionGateway interface {
	Complete(ctx context.Context, prompt string, cfg *Config) (*Completion, error)
}
