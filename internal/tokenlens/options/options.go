// Package options holds the flag-backed configuration for the tokenlens
// binaries.
package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
)

// Output formats for the trace report.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// TraceOptions configures one `tokenlens trace` run.
type TraceOptions struct {
	BaseURL string        `json:"base-url" mapstructure:"base-url"`
	APIKey  string        `json:"api-key" mapstructure:"api-key"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Prompt comes from the positional argument, falling back to the
	// stock question.
	Prompt string `json:"prompt" mapstructure:"prompt"`

	// MaxPrintTokens caps printed token-ID lists; 0 prints everything.
	// Presentation only, it never affects the analysis.
	MaxPrintTokens int `json:"max-print-tokens" mapstructure:"max-print-tokens"`

	Output string `json:"output" mapstructure:"output"`

	Sampling *trace.Config `json:"sampling" mapstructure:"sampling"`
}

// NewTraceOptions returns options with the tracer defaults.
func NewTraceOptions() *TraceOptions {
	return &TraceOptions{
		BaseURL:  "http://localhost:8000",
		APIKey:   "EMPTY",
		Timeout:  120 * time.Second,
		Prompt:   "In a single sentence, what is a cat?",
		Output:   OutputText,
		Sampling: trace.NewConfig(),
	}
}

// AddFlags registers every trace flag on the given flag set.
func (o *TraceOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.BaseURL, "base-url", o.BaseURL, "Base URL of the vLLM server, without trailing /v1.")
	fs.StringVar(&o.APIKey, "api-key", o.APIKey, "Bearer token for the server; vLLM accepts EMPTY when auth is off.")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "HTTP request timeout.")
	fs.IntVar(&o.MaxPrintTokens, "max-print-tokens", o.MaxPrintTokens, "Limit token IDs printed per list (0 = all).")
	fs.StringVar(&o.Output, "output", o.Output, "Report format: text or json.")

	fs.StringVar(&o.Sampling.Model, "model", o.Sampling.Model, "Model name; empty lets the server pick.")
	fs.Float64Var(&o.Sampling.Temperature, "temperature", o.Sampling.Temperature, "Sampling temperature.")
	fs.Float64Var(&o.Sampling.TopP, "top-p", o.Sampling.TopP, "Top-p nucleus sampling.")
	fs.IntVar(&o.Sampling.TopK, "top-k", o.Sampling.TopK, "Top-k cutoff; -1 disables.")
	fs.Int64Var(&o.Sampling.Seed, "seed", o.Sampling.Seed, "Random seed for reproducibility.")
	fs.IntVar(&o.Sampling.MaxNewTokens, "max-new-tokens", o.Sampling.MaxNewTokens, "Max new tokens to generate.")
	fs.IntVar(&o.Sampling.TopLogprobs, "top-logprobs", o.Sampling.TopLogprobs, "Candidate tokens requested per step.")
	fs.IntVar(&o.Sampling.BOSTokenID, "bos-id", o.Sampling.BOSTokenID, "BOS sentinel token ID; negative infers it from the prompt tokenization.")
	fs.IntVar(&o.Sampling.Concurrency, "concurrency", o.Sampling.Concurrency, "Parallel re-tokenization requests.")
}

// Complete fills derived fields from positional args.
func (o *TraceOptions) Complete(args []string) error {
	if len(args) > 0 {
		o.Prompt = strings.Join(args, " ")
	}
	if !strings.HasPrefix(o.BaseURL, "http://") && !strings.HasPrefix(o.BaseURL, "https://") {
		o.BaseURL = "http://" + o.BaseURL
	}
	return nil
}

// Validate checks the whole option set before any network call.
func (o *TraceOptions) Validate() []error {
	errs := o.Sampling.Validate()
	if o.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base-url is required"))
	}
	if o.Output != OutputText && o.Output != OutputJSON {
		errs = append(errs, fmt.Errorf("invalid output %q, must be %q or %q", o.Output, OutputText, OutputJSON))
	}
	if o.MaxPrintTokens < 0 {
		errs = append(errs, fmt.Errorf("max-print-tokens must be >= 0, got %d", o.MaxPrintTokens))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", o.Timeout))
	}
	return errs
}
