package engine

import (
	"ctxbudget/internal/content"
	"ctxbudget/internal/relevance"
)

// Recommendation is the cheapest reduction that fits a pool into the
// selection budget.
type Recommendation string

// Recommendations, cheapest first.
const (
	RecommendFits     Recommendation = "fits"
	RecommendCondense Recommendation = "condense"
	RecommendSelect   Recommendation = "select"
)

// CategoryStats counts the units and tokens of one relevance category.
type CategoryStats struct {
	Units  int `json:"units"`
	Tokens int `json:"tokens"`
}

// Report is the read-only analysis of a candidate pool.
type Report struct {
	Units           int                                `json:"units"`
	OriginalTokens  int                                `json:"original_tokens"`
	CondensedTokens int                                `json:"condensed_tokens"`
	EstimatedCost   float64                            `json:"estimated_cost"`
	BudgetTokens    int                                `json:"budget_tokens"`
	Categories      map[content.Category]CategoryStats `json:"categories"`
	Kinds           map[content.Kind]CategoryStats     `json:"kinds"`
	Degraded        int                                `json:"degraded"`
	Recommendation  Recommendation                     `json:"recommendation"`
	Approximate     bool                               `json:"approximate"`
	// Quality is the preservation score of the selection Select would
	// make from the pool.
	Quality float64 `json:"quality"`
}

// Analyze reports what a pool costs and how far it must be reduced to fit
// the selection budget. It changes no session state beyond the condense
// cache.
func (s *Session) Analyze(units []content.Unit, q relevance.Query) Report {
	scored := s.Score(units, q)
	r := Report{
		Units:        len(scored),
		BudgetTokens: s.config.Selector.MaxTokens,
		Categories:   make(map[content.Category]CategoryStats),
		Kinds:        make(map[content.Kind]CategoryStats),
		Approximate:  s.estimator.Approximate(),
	}
	for _, su := range scored {
		r.OriginalTokens += su.EstimatedTokens
		r.EstimatedCost += su.EstimatedCost

		res := s.condenser.Condense(su.Unit)
		r.CondensedTokens += res.CondensedTokens
		if res.Degraded {
			r.Degraded++
		}

		c := r.Categories[su.Category]
		c.Units++
		c.Tokens += su.EstimatedTokens
		r.Categories[su.Category] = c

		k := r.Kinds[su.Kind]
		k.Units++
		k.Tokens += su.EstimatedTokens
		r.Kinds[su.Kind] = k
	}

	r.Quality = s.selector.Select(scored).Quality

	switch {
	case r.OriginalTokens <= r.BudgetTokens && r.Units <= s.config.Selector.MaxUnits:
		r.Recommendation = RecommendFits
	case r.CondensedTokens <= r.BudgetTokens && r.Units <= s.config.Selector.MaxUnits:
		r.Recommendation = RecommendCondense
	default:
		r.Recommendation = RecommendSelect
	}
	return r
}
