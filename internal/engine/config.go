package engine

import (
	"errors"
	"fmt"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/condense"
	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/selector"
	"ctxbudget/internal/tokens"
	"ctxbudget/internal/window"
)

// Estimator modes.
const (
	EstimatorRatio    = "ratio"
	EstimatorTiktoken = "tiktoken"
)

// EstimatorConfig selects the token estimator.
type EstimatorConfig struct {
	// Mode is "ratio" or "tiktoken".
	// Default: "ratio"
	Mode string `json:"mode"`

	// CharsPerToken fixes the ratio. Zero picks the ratio of the model
	// family from Families.
	CharsPerToken float64 `json:"chars_per_token"`

	// Encoding is the tiktoken encoding name.
	// Default: "cl100k_base"
	Encoding string `json:"encoding"`

	Families tokens.Families `json:"families"`
}

// Config is the full engine configuration for one session.
type Config struct {
	// ModelID is the model the session prices selections against.
	ModelID string `json:"model_id"`

	Estimator  EstimatorConfig   `json:"estimator"`
	Condense   condense.Config   `json:"condense"`
	CacheSize  int               `json:"cache_size"`
	Scorer     relevance.Config  `json:"scorer"`
	Selector   selector.Config   `json:"selector"`
	Window     window.Config     `json:"window"`
	Compaction compaction.Config `json:"compaction"`
	Cost       cost.Config       `json:"cost"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ModelID: "claude-3-5-sonnet",
		Estimator: EstimatorConfig{
			Mode:     EstimatorRatio,
			Encoding: "cl100k_base",
			Families: tokens.DefaultFamilies(),
		},
		Condense:   condense.DefaultConfig(),
		CacheSize:  condense.DefaultCacheSize,
		Scorer:     relevance.DefaultConfig(),
		Selector:   selector.DefaultConfig(),
		Window:     window.DefaultConfig(),
		Compaction: compaction.DefaultConfig(),
		Cost:       cost.DefaultConfig(),
	}
}

// Validate checks every component configuration and reports all problems.
func (c Config) Validate() error {
	var errs []error
	if c.ModelID == "" {
		errs = append(errs, fmt.Errorf("%w: engine: model_id is required", content.ErrConfigInvalid))
	} else if _, ok := c.Cost.Pricing.Lookup(c.ModelID); !ok {
		errs = append(errs, fmt.Errorf("%w: engine: no pricing for model %q", content.ErrConfigInvalid, c.ModelID))
	}
	switch c.Estimator.Mode {
	case EstimatorRatio, EstimatorTiktoken:
	default:
		errs = append(errs, fmt.Errorf("%w: engine: unknown estimator mode %q", content.ErrConfigInvalid, c.Estimator.Mode))
	}
	if c.Estimator.CharsPerToken < 0 {
		errs = append(errs, fmt.Errorf("%w: engine: chars_per_token must be >= 0", content.ErrConfigInvalid))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("%w: engine: cache_size must be >= 0", content.ErrConfigInvalid))
	}
	for _, v := range []interface{ Validate() error }{
		c.Estimator.Families, c.Condense, c.Scorer, c.Selector, c.Window, c.Compaction, c.Cost,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newEstimator builds the configured estimator. A tiktoken load failure is
// returned alongside the ratio fallback so the caller can log it.
func (c Config) newEstimator() (tokens.Estimator, error) {
	var ratio tokens.Estimator
	if c.Estimator.CharsPerToken > 0 {
		r, err := tokens.NewRatio(c.Estimator.CharsPerToken)
		if err != nil {
			return nil, err
		}
		ratio = r
	} else {
		families := c.Estimator.Families
		if len(families) == 0 {
			families = tokens.DefaultFamilies()
		}
		ratio = families.ForModel(c.ModelID)
	}
	if c.Estimator.Mode != EstimatorTiktoken {
		return ratio, nil
	}
	encoding := c.Estimator.Encoding
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return tokens.NewTiktoken(encoding, ratio)
}
