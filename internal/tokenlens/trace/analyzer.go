package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kiosk404/tokenlens/pkg/logger"
)

const defaultConcurrency = 3

// Analyzer drives one trace invocation: sample a completion, tokenize
// both sides independently, reconcile and rank. It holds no state across
// invocations.
type Analyzer struct {
	tokenizer TokenizationGateway
	completer CompletionGateway
}

// NewAnalyzer wires the two gateways into an analyzer.
func NewAnalyzer(tokenizer TokenizationGateway, completer CompletionGateway) *Analyzer {
	return &Analyzer{
		tokenizer: tokenizer,
		completer: completer,
	}
}

// Analyze runs the full pipeline for one prompt and returns the pure
// data result. Fatal failures identify the call site that produced
// them; per-step re-tokenization failures degrade to unmatched steps
// instead of aborting.
func (a *Analyzer) Analyze(ctx context.Context, prompt string, cfg *Config) (*Analysis, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid sampling config: %w", errors.Join(errs...))
	}

	traceID := uuid.NewString()
	log := logger.WithField("trace_id", traceID)

	completion, err := a.completer.Complete(ctx, prompt, cfg)
	if err != nil {
		return nil, fmt.Errorf("sample completion: %w", err)
	}
	log.Debugf("completion: %d steps, %d bytes of text", len(completion.Steps), len(completion.Text))

	promptTok, err := a.tokenizer.Tokenize(ctx, prompt, RoleUser)
	if err != nil {
		return nil, fmt.Errorf("tokenize prompt: %w", err)
	}
	completionTok, err := a.tokenizer.Tokenize(ctx, completion.Text, RoleAssistant)
	if err != nil {
		return nil, fmt.Errorf("tokenize completion: %w", err)
	}
	log.Debugf("tokenizer modes: prompt=%s completion=%s",
		promptTok.ModeLabel(), completionTok.ModeLabel())

	rec := newReconciler(cfg, promptTok)
	batchIDs := rec.stripBOS(completionTok.TokenIDs, completionTok.Mode)

	steps := make([]StepRecord, len(completion.Steps))
	for i, raw := range completion.Steps {
		chosen, candidates, injected := rankStep(raw, cfg.TopLogprobs)
		steps[i] = StepRecord{
			StepIndex:      i + 1,
			Chosen:         chosen,
			Candidates:     candidates,
			ChosenInjected: injected,
		}
		if injected {
			log.Warnf("step %d: chosen token %q missing from server alternatives", i+1, raw.Token)
		}
	}

	ids := a.tokenizeCandidates(ctx, steps, cfg.Concurrency, log)

	for i := range steps {
		step := &steps[i]
		lookup := ids[step.Chosen.Text]
		if lookup.err != nil {
			step.TokenizeErr = lookup.err.Error()
		}
		step.IndividualTokenIDs = rec.stripIndividual(lookup.ids)
		step.BatchTokenID, step.Matched = align(step.IndividualTokenIDs, batchIDs, i)

		for j := range step.Candidates {
			cand := &step.Candidates[j]
			if l := ids[cand.Text]; l.err == nil {
				cand.TokenIDs = rec.stripIndividual(l.ids)
			}
			if cand.Chosen {
				step.Chosen = *cand
			}
		}
	}

	summary := summarize(len(steps), len(batchIDs))
	if summary.CountMismatch {
		log.Warnf("step count (%d) differs from completion token count (%d)",
			summary.TotalSteps, summary.CompletionTokenCountExcludingBOS)
	}

	return &Analysis{
		Model:                  completion.Model,
		Prompt:                 prompt,
		CompletionText:         completion.Text,
		PromptTokenization:     promptTok,
		CompletionTokenization: completionTok,
		Steps:                  steps,
		Summary:                summary,
	}, nil
}

// idLookup is one re-tokenization outcome, keyed by candidate text.
type idLookup struct {
	ids []int
	err error
}

// tokenizeCandidates re-tokenizes every distinct candidate text once,
// fanning out through a bounded semaphore and collecting results by
// index so the outcome is deterministic regardless of scheduling. A
// failed lookup is recorded, not propagated: one bad candidate must not
// sink its siblings.
func (a *Analyzer) tokenizeCandidates(ctx context.Context, steps []StepRecord, concurrency int, log *logrus.Entry) map[string]idLookup {
	seen := make(map[string]struct{})
	texts := make([]string, 0, len(steps)*2)
	add := func(text string) {
		if _, ok := seen[text]; ok {
			return
		}
		seen[text] = struct{}{}
		texts = append(texts, text)
	}
	for i := range steps {
		add(steps[i].Chosen.Text)
		for _, c := range steps[i].Candidates {
			add(c.Text)
		}
	}

	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make([]idLookup, len(texts))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, text := range texts {
		if text == "" {
			// The empty string has no tokens; skip the network round trip.
			continue
		}
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := a.tokenizer.Tokenize(ctx, t, RoleAssistant)
			if err != nil {
				results[idx] = idLookup{err: err}
				return
			}
			results[idx] = idLookup{ids: res.TokenIDs}
		}(i, text)
	}
	wg.Wait()

	out := make(map[string]idLookup, len(texts))
	for i, text := range texts {
		out[text] = results[i]
		if results[i].err != nil {
			log.Debugf("re-tokenize %q failed: %v", text, results[i].err)
		}
	}
	return out
}
