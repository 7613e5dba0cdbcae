package cost

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ctxbudget/internal/content"
)

// Rate is the price of one model in currency units per thousand tokens.
type Rate struct {
	InputPerKTokens       float64 `json:"input_per_k_tokens" mapstructure:"input_per_k_tokens" yaml:"input_per_k_tokens"`
	OutputPerKTokens      float64 `json:"output_per_k_tokens" mapstructure:"output_per_k_tokens" yaml:"output_per_k_tokens"`
	CachedInputPerKTokens float64 `json:"cached_input_per_k_tokens" mapstructure:"cached_input_per_k_tokens" yaml:"cached_input_per_k_tokens"`
}

// Pricing maps a model ID, or a model ID prefix, to its rate.
type Pricing map[string]Rate

// DefaultPricing returns a small built-in table. Operators are expected to
// supply their own.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-3-5-sonnet": {InputPerKTokens: 0.003, OutputPerKTokens: 0.015, CachedInputPerKTokens: 0.0003},
		"claude-3-5-haiku":  {InputPerKTokens: 0.0008, OutputPerKTokens: 0.004, CachedInputPerKTokens: 0.00008},
		"gpt-4o":            {InputPerKTokens: 0.0025, OutputPerKTokens: 0.01, CachedInputPerKTokens: 0.00125},
		"gpt-4o-mini":       {InputPerKTokens: 0.00015, OutputPerKTokens: 0.0006, CachedInputPerKTokens: 0.000075},
	}
}

// Validate rejects empty tables and negative rates.
func (p Pricing) Validate() error {
	var errs []error
	if len(p) == 0 {
		errs = append(errs, errors.New("pricing table is empty"))
	}
	for model, r := range p {
		if strings.TrimSpace(model) == "" {
			errs = append(errs, errors.New("pricing entry with empty model id"))
		}
		if r.InputPerKTokens < 0 || r.OutputPerKTokens < 0 || r.CachedInputPerKTokens < 0 {
			errs = append(errs, fmt.Errorf("model %q has a negative rate", model))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: pricing: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Lookup returns the rate for a model: an exact entry, or else the longest
// entry that is a prefix of the model ID (so dated model versions share the
// base entry).
func (p Pricing) Lookup(modelID string) (Rate, bool) {
	if r, ok := p[modelID]; ok {
		return r, true
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if strings.HasPrefix(modelID, k) {
			return p[k], true
		}
	}
	return Rate{}, false
}

// CachePolicy decides how cached prompt tokens are billed.
type CachePolicy string

// Cache policies.
const (
	// CacheBillable bills cached tokens at the input rate.
	CacheBillable CachePolicy = "billable"
	// CacheDiscounted bills cached tokens at the cached-input rate.
	CacheDiscounted CachePolicy = "discounted"
	// CacheExcluded does not bill cached tokens.
	CacheExcluded CachePolicy = "excluded"
)

// ParseCachePolicy converts a configuration string.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch p := CachePolicy(s); p {
	case CacheBillable, CacheDiscounted, CacheExcluded:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown cache policy %q", content.ErrConfigInvalid, s)
}

// Price computes the cost of one call. Cached tokens are a subset of the
// prompt tokens.
func (r Rate) Price(policy CachePolicy, prompt, completion, cached int) float64 {
	cached = min(max(cached, 0), prompt)
	fresh := prompt - cached

	cost := float64(fresh)*r.InputPerKTokens/1000 + float64(completion)*r.OutputPerKTokens/1000
	switch policy {
	case CacheBillable:
		cost += float64(cached) * r.InputPerKTokens / 1000
	case CacheDiscounted:
		cost += float64(cached) * r.CachedInputPerKTokens / 1000
	}
	return cost
}
