package compaction

import (
	"ctxbudget/internal/tokens"
	"ctxbudget/internal/window"
)

// TokenCounter estimates token counts for text and entries.
type TokenCounter struct {
	estimator tokens.Estimator
	overhead  int
}

// NewTokenCounter creates a TokenCounter. A nil estimator uses the default
// ratio estimator.
func NewTokenCounter(est tokens.Estimator, overhead int) *TokenCounter {
	if est == nil {
		est = tokens.Default()
	}
	return &TokenCounter{estimator: est, overhead: overhead}
}

// EstimateText estimates the token count for a given text.
func (tc *TokenCounter) EstimateText(text string) int {
	return tc.estimator.Estimate(text)
}

// EstimateEntries estimates the total token count for entries as they will
// appear in a prompt: role label, content and per-entry overhead.
func (tc *TokenCounter) EstimateEntries(entries []window.Entry) int {
	total := 0
	for _, e := range entries {
		total += tc.EstimateText(e.Role) + tc.EstimateText(e.Text) + tc.overhead
	}
	return total
}
