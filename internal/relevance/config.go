// Package relevance ranks content units for the current task.
//
// A score is a weighted sum of bounded sub-scores (recency, kind, size fit,
// connectivity, query match) clipped to [0,1]. Scoring is pure: the
// reference time is part of the Query, so identical inputs always give
// identical scores.
package relevance

import (
	"errors"
	"fmt"
	"math"
	"time"

	"ctxbudget/internal/content"
)

// Weights holds the sub-score weights. The defaults have no empirical basis;
// they are configuration, not derived constants.
type Weights struct {
	Recency      float64 `json:"recency"`
	Kind         float64 `json:"kind"`
	SizeFit      float64 `json:"size_fit"`
	Connectivity float64 `json:"connectivity"`
	Query        float64 `json:"query"`
}

// DefaultWeights returns 0.3/0.2/0.1/0.2/0.2.
func DefaultWeights() Weights {
	return Weights{
		Recency:      0.3,
		Kind:         0.2,
		SizeFit:      0.1,
		Connectivity: 0.2,
		Query:        0.2,
	}
}

func (w Weights) total() float64 {
	return w.Recency + w.Kind + w.SizeFit + w.Connectivity + w.Query
}

// withoutQuery spreads the query weight over the other weights in
// proportion to their size.
func (w Weights) withoutQuery() Weights {
	rest := w.total() - w.Query
	if rest <= 0 {
		return Weights{}
	}
	scale := w.total() / rest
	return Weights{
		Recency:      w.Recency * scale,
		Kind:         w.Kind * scale,
		SizeFit:      w.SizeFit * scale,
		Connectivity: w.Connectivity * scale,
	}
}

// Config holds the scorer configuration.
type Config struct {
	Weights Weights `json:"weights"`

	// RecencyWindow is the age at which the recency sub-score reaches 0.
	// Default: 30 days
	RecencyWindow time.Duration `json:"recency_window"`

	// SweetSpotTokens is the size at which the size-fit sub-score peaks.
	// Default: 1500
	SweetSpotTokens float64 `json:"sweet_spot_tokens"`

	// SizeSigma is the width of the size-fit curve in log space.
	// Default: 1.0
	SizeSigma float64 `json:"size_sigma"`

	// ConnectivityCap is the peer count at which connectivity saturates.
	// Default: 5
	ConnectivityCap int `json:"connectivity_cap"`

	// KindWeights maps a content kind to its base weight.
	KindWeights map[content.Kind]float64 `json:"kind_weights"`

	// LanguageFactors scale the kind weight for specific languages.
	LanguageFactors map[string]float64 `json:"language_factors"`

	// PairBoost multiplies the scores of a user message and the assistant
	// message right after it in the pool. 1 disables it.
	// Default: 1.2
	PairBoost float64 `json:"pair_boost"`

	// BackReferenceBoost multiplies the score of a message that refers to
	// earlier turns. 1 disables it.
	// Default: 1.15
	BackReferenceBoost float64 `json:"back_reference_boost"`

	// BackReferencePhrases mark a message as referring to earlier turns.
	BackReferencePhrases []string `json:"back_reference_phrases"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		RecencyWindow:   30 * 24 * time.Hour,
		SweetSpotTokens: 1500,
		SizeSigma:       1.0,
		ConnectivityCap: 5,
		KindWeights: map[content.Kind]float64{
			content.KindSource:     1.0,
			content.KindMessage:    0.8,
			content.KindConfig:     0.7,
			content.KindStructured: 0.6,
			content.KindProse:      0.5,
			content.KindUnknown:    0.3,
		},
		LanguageFactors: map[string]float64{
			"markdown": 0.8,
			"md":       0.8,
			"text":     0.8,
			"txt":      0.8,
			"lock":     0.2,
		},
		PairBoost:          1.2,
		BackReferenceBoost: 1.15,
		BackReferencePhrases: []string{
			"as mentioned", "like before", "from earlier", "previously",
			"above code", "this function", "that method",
		},
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	for name, w := range map[string]float64{
		"recency": c.Weights.Recency, "kind": c.Weights.Kind, "size_fit": c.Weights.SizeFit,
		"connectivity": c.Weights.Connectivity, "query": c.Weights.Query,
	} {
		if w < 0 || math.IsNaN(w) {
			errs = append(errs, fmt.Errorf("weight %s must be >= 0, got %v", name, w))
		}
	}
	if c.Weights.total() <= 0 {
		errs = append(errs, errors.New("weights must not all be zero"))
	}
	for name, b := range map[string]float64{"pair_boost": c.PairBoost, "back_reference_boost": c.BackReferenceBoost} {
		if b < 1 || math.IsNaN(b) || math.IsInf(b, 0) {
			errs = append(errs, fmt.Errorf("%s must be >= 1, got %v", name, b))
		}
	}
	if c.RecencyWindow <= 0 {
		errs = append(errs, fmt.Errorf("recency_window must be positive, got %s", c.RecencyWindow))
	}
	if c.SweetSpotTokens <= 0 {
		errs = append(errs, fmt.Errorf("sweet_spot_tokens must be positive, got %v", c.SweetSpotTokens))
	}
	if c.SizeSigma <= 0 {
		errs = append(errs, fmt.Errorf("size_sigma must be positive, got %v", c.SizeSigma))
	}
	if c.ConnectivityCap < 1 {
		errs = append(errs, fmt.Errorf("connectivity_cap must be >= 1, got %d", c.ConnectivityCap))
	}
	for kind, w := range c.KindWeights {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Errorf("kind weight %s must be in [0,1], got %v", kind, w))
		}
	}
	for lang, f := range c.LanguageFactors {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("language factor %s must be in [0,1], got %v", lang, f))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: relevance: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}
