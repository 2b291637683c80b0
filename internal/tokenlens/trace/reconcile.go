package trace

import "github.com/bytedance/gg/gptr"

// reconciler aligns the full-completion tokenization against per-step
// sampling records. It never corrects a disagreement, only classifies it.
type reconciler struct {
	// bosID is the sentinel to strip, resolved once per invocation:
	// the configured ID when known, otherwise detected from the prompt
	// tokenization under role-aware or prompt-fallback framing.
	bosID int
	known bool

	// heuristic is set when the sentinel was inferred rather than
	// configured; inferred stripping is only trusted for modes that
	// inject special tokens.
	heuristic bool
}

// newReconciler resolves the BOS sentinel for one invocation. When the
// configured ID is negative the first prompt token stands in for it, but
// only under a mode that actually injects special tokens; raw
// tokenization gets no stripping at all.
func newReconciler(cfg *Config, promptTok *TokenizationResult) *reconciler {
	r := &reconciler{}
	if cfg.BOSTokenID >= 0 {
		r.bosID = cfg.BOSTokenID
		r.known = true
		return r
	}
	if promptTok != nil && len(promptTok.TokenIDs) > 0 &&
		(promptTok.Mode == ModeRoleAware || promptTok.Mode == ModePromptFallback) {
		r.bosID = promptTok.TokenIDs[0]
		r.known = true
		r.heuristic = true
	}
	return r
}

// stripBOS removes at most one leading BOS sentinel. The sentinel never
// appears as a content token, so applying the strip twice yields the
// same sequence as once. An inferred sentinel is only stripped from
// sequences produced under framing that injects special tokens.
func (r *reconciler) stripBOS(ids []int, mode TokenizationMode) []int {
	if r.heuristic && mode == ModeRawFallback {
		return ids
	}
	if r.known && len(ids) > 0 && ids[0] == r.bosID {
		return ids[1:]
	}
	return ids
}

// stripIndividual normalizes a single token's re-tokenization: a leading
// BOS is dropped only when other IDs remain, so a token that genuinely
// tokenizes to the sentinel alone survives.
func (r *reconciler) stripIndividual(ids []int) []int {
	if r.known && len(ids) > 1 && ids[0] == r.bosID {
		return ids[1:]
	}
	return ids
}

// align classifies one step against the batch IDs. batchID is nil when
// the step index runs past the batch sequence. A step is matched only
// when its individual re-tokenization resolves to exactly one ID equal
// to the batch ID at its offset; multi-ID results are unconditional
// mismatches, the ambiguity is surfaced rather than collapsed.
func align(individual []int, batchIDs []int, offset int) (batchID *int, matched bool) {
	if offset < 0 || offset >= len(batchIDs) {
		return nil, false
	}
	id := batchIDs[offset]
	return gptr.Of(id), len(individual) == 1 && individual[0] == id
}

// summarize compares step granularity with token granularity. A count
// mismatch means some step emitted zero or multiple tokens; it is
// surfaced, never hidden.
func summarize(totalSteps, completionTokens int) ReconciliationSummary {
	return ReconciliationSummary{
		TotalSteps:                       totalSteps,
		CompletionTokenCountExcludingBOS: completionTokens,
		CountMismatch:                    totalSteps != completionTokens,
	}
}
