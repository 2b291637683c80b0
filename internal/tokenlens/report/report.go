// Package report renders an Analysis as human-readable text or JSON.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/kiosk404/tokenlens/internal/tokenlens/trace"
	"github.com/kiosk404/tokenlens/pkg/utils/json"
)

const separatorWidth = 100

var (
	matchMark    = color.GreenString("✓")
	mismatchMark = color.RedString("✗")
)

// Writer renders analyses to an output stream.
type Writer struct {
	Out io.Writer

	// MaxPrintTokens caps how many token IDs a list prints; 0 means all.
	MaxPrintTokens int
}

// WriteJSON emits the analysis as indented JSON.
func (w *Writer) WriteJSON(a *trace.Analysis) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = fmt.Fprintln(w.Out, string(data))
	return err
}

// WriteText emits the full text report: configuration, prompt and
// completion tokenizations, then the per-step candidate breakdown.
func (w *Writer) WriteText(a *trace.Analysis, cfg *trace.Config) error {
	w.separator()
	w.configBlock(a, cfg)

	w.separator()
	fmt.Fprintln(w.Out, "PROMPT:")
	fmt.Fprintln(w.Out, a.Prompt)
	w.separator()
	w.tokenList(a.PromptTokenization.TokenIDs, "PROMPT TOKEN IDs")

	fmt.Fprintln(w.Out, "COMPLETION:")
	fmt.Fprintln(w.Out, a.CompletionText)
	w.separator()
	w.tokenList(a.CompletionTokenization.TokenIDs, "COMPLETION TOKEN IDs")

	fmt.Fprintf(w.Out, "Logprob steps: %d, Completion tokens (without BOS): %d\n",
		a.Summary.TotalSteps, a.Summary.CompletionTokenCountExcludingBOS)
	if a.Summary.CountMismatch {
		fmt.Fprintf(w.Out, "Note: Step count (%d) differs from token count (%d)\n",
			a.Summary.TotalSteps, a.Summary.CompletionTokenCountExcludingBOS)
	}
	w.separator()
	fmt.Fprintln(w.Out, "Per-token candidate breakdown:")
	w.separator()

	for _, step := range a.Steps {
		w.stepBlock(step)
		w.separator()
	}
	return nil
}

func (w *Writer) configBlock(a *trace.Analysis, cfg *trace.Config) {
	fmt.Fprintln(w.Out, "Configuration:")

	topK := "(disabled)"
	if cfg.TopK >= 0 {
		topK = fmt.Sprintf("%d", cfg.TopK)
	}
	model := a.Model
	if model == "" {
		model = "(not returned)"
	}

	table := uitable.New()
	table.AddRow("  Seed:", cfg.Seed)
	table.AddRow("  Temperature:", cfg.Temperature)
	table.AddRow("  Top-p:", cfg.TopP)
	table.AddRow("  Top-k:", topK)
	table.AddRow("  Max new tokens:", cfg.MaxNewTokens)
	table.AddRow("  Server model:", model)
	table.AddRow("  Tokenizer modes:", fmt.Sprintf("prompt=%s, completion=%s",
		a.PromptTokenization.ModeLabel(), a.CompletionTokenization.ModeLabel()))
	fmt.Fprintln(w.Out, table.String())

	if a.CompletionTokenization.Mode != trace.ModeRoleAware {
		fmt.Fprintln(w.Out, "  Note: completion tokenization fell back to the prompt form")
	}
}

// tokenList prints a token-ID list, honoring the print cap.
func (w *Writer) tokenList(ids []int, description string) {
	n := len(ids)
	show := n
	if w.MaxPrintTokens > 0 && w.MaxPrintTokens < n {
		show = w.MaxPrintTokens
	}

	fmt.Fprintf(w.Out, "%s:\n", description)
	fmt.Fprintln(w.Out, formatIDs(ids[:show]))
	if show < n {
		fmt.Fprintf(w.Out, "... (%d more tokens not shown)\n", n-show)
	}
	w.separator()
}

func (w *Writer) stepBlock(step trace.StepRecord) {
	marker := " "
	if step.BatchTokenID != nil {
		marker = mismatchMark
		if step.Matched {
			marker = matchMark
		}
	}
	actual := "N/A"
	if step.BatchTokenID != nil {
		actual = fmt.Sprintf("%d", *step.BatchTokenID)
	}

	fmt.Fprintf(w.Out, "Step %3d | chosen: %-20q ids=%s %s (actual: %s)  (%s)\n",
		step.StepIndex, step.Chosen.Text, formatIDs(step.IndividualTokenIDs),
		marker, actual, formatProb(step.Chosen.LogProb, step.Chosen.Probability))
	if step.ChosenInjected {
		fmt.Fprintln(w.Out, "  Note: chosen token was missing from server alternatives")
	}
	if step.TokenizeErr != "" {
		fmt.Fprintf(w.Out, "  Note: re-tokenization failed: %s\n", step.TokenizeErr)
	}

	fmt.Fprintln(w.Out, "  candidates:")
	for rank, cand := range step.Candidates {
		chosenMark := " "
		if cand.Chosen {
			chosenMark = "*"
		}
		fmt.Fprintf(w.Out, "    %2d. %s %-20q ids=%s  %s\n",
			rank+1, chosenMark, cand.Text, formatIDs(cand.TokenIDs),
			formatProb(cand.LogProb, cand.Probability))
	}
}

func (w *Writer) separator() {
	fmt.Fprintln(w.Out, strings.Repeat("-", separatorWidth))
}

// formatProb renders a log-probability with its percent form, e.g.
// "logp=-0.1054 p= 90.00%".
func formatProb(logProb, probability float64) string {
	return fmt.Sprintf("logp=% .4f p=%6.2f%%", logProb, probability*100)
}

// formatIDs renders an ID list compactly, [] for an empty one.
func formatIDs(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	s := "["
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", id)
	}
	return s + "]"
}
