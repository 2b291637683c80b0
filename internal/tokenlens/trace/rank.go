package trace

import (
	"math"
	"sort"
)

// rankStep converts a raw step into ranked candidates. Candidates are
// sorted by descending log-probability with a stable sort, so equal
// probabilities keep the server-reported order. The chosen token is
// flagged where it sits, never reordered to the front: rank order
// reflects probability, the chosen flag reflects what the sampler
// actually emitted.
//
// The list is then truncated to limit entries, except that the chosen
// token is never dropped: when it ranks below the cutoff it is kept as
// an extra trailing entry. If the server omitted the chosen token from
// its alternatives the candidate is injected at its sorted position and
// the anomaly reported via the second return value.
func rankStep(raw RawStep, limit int) (chosen CandidateToken, candidates []CandidateToken, injected bool) {
	candidates = make([]CandidateToken, 0, len(raw.Alternatives)+1)
	for _, alt := range raw.Alternatives {
		candidates = append(candidates, CandidateToken{
			Text:        alt.Token,
			LogProb:     alt.LogProb,
			Probability: safeExp(alt.LogProb),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LogProb > candidates[j].LogProb
	})

	chosenIdx := -1
	for i := range candidates {
		if candidates[i].Text == raw.Token {
			chosenIdx = i
			break
		}
	}
	if chosenIdx < 0 {
		injected = true
		c := CandidateToken{
			Text:        raw.Token,
			LogProb:     raw.LogProb,
			Probability: safeExp(raw.LogProb),
		}
		pos := sort.Search(len(candidates), func(i int) bool {
			return candidates[i].LogProb < c.LogProb
		})
		candidates = append(candidates, CandidateToken{})
		copy(candidates[pos+1:], candidates[pos:])
		candidates[pos] = c
		chosenIdx = pos
	}
	candidates[chosenIdx].Chosen = true

	if limit > 0 && len(candidates) > limit {
		if chosenIdx < limit {
			candidates = candidates[:limit]
		} else {
			kept := append(candidates[:limit:limit], candidates[chosenIdx])
			candidates = kept
			chosenIdx = limit
		}
	}

	return candidates[chosenIdx], candidates, injected
}

// safeExp maps a log-probability to a probability, clamping underflow
// to zero the way the report expects.
func safeExp(logProb float64) float64 {
	p := math.Exp(logProb)
	if math.IsInf(p, 0) || math.IsNaN(p) {
		return 0
	}
	return p
}
