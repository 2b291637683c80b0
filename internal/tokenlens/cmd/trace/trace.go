package trace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiosk404/tokenlens/internal/tokenlens/client"
	"github.com/kiosk404/tokenlens/internal/tokenlens/options"
	"github.com/kiosk404/tokenlens/internal/tokenlens/report"
	tracecore "github.com/kiosk404/tokenlens/internal/tokenlens/trace"
)

var traceExample = heredoc.Doc(`
		# Trace the stock prompt against a local vLLM server
		tokenlens trace

		# Trace a custom prompt
		tokenlens trace "In a single sentence, what is a cat?"

		# Disable sampling randomness and print the analysis as JSON
		tokenlens trace --temperature=0 --output=json "What is a cat?"

		# Point at a remote server and cap the printed token lists
		tokenlens trace --base-url=http://gpu-box:8000 --max-print-tokens=32
`)

// NewCmdTrace creates the `trace` subcommand.
func NewCmdTrace(out, errOut io.Writer) *cobra.Command {
	o := options.NewTraceOptions()

	cmd := &cobra.Command{
		Use:                   "trace [prompt]",
		DisableFlagsInUseLine: true,
		Short:                 "Trace per-step sampling of one completion",
		Long: heredoc.Doc(`
			Request a completion with per-step log-probabilities, tokenize prompt
			and completion independently through the server tokenizer, reconcile
			the two token views and print a ranked per-step candidate breakdown.
		`),
		Example: traceExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(args); err != nil {
				return err
			}
			if errs := o.Validate(); len(errs) > 0 {
				for _, err := range errs {
					fmt.Fprintf(errOut, "error: %v\n", err)
				}
				return fmt.Errorf("invalid options")
			}
			return Run(cmd.Context(), o, out)
		},
	}

	o.AddFlags(cmd.Flags())
	_ = viper.BindPFlags(cmd.Flags())

	return cmd
}

// Run executes one trace invocation and renders the report.
func Run(ctx context.Context, o *options.TraceOptions, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: o.Timeout}
	c := client.New(o.BaseURL, o.APIKey, o.Sampling.Model, httpClient)

	analyzer := tracecore.NewAnalyzer(c, c)
	analysis, err := analyzer.Analyze(ctx, o.Prompt, o.Sampling)
	if err != nil {
		return err
	}

	w := &report.Writer{Out: out, MaxPrintTokens: o.MaxPrintTokens}
	if o.Output == options.OutputJSON {
		return w.WriteJSON(analysis)
	}
	return w.WriteText(analysis, o.Sampling)
}
