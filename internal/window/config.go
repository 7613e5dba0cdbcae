// Package window maintains the running context window of a session: an
// ordered, append-only list of entries held under a token ceiling, with
// eviction policies applied when an append would overflow it.
package window

import (
	"errors"
	"fmt"

	"ctxbudget/internal/content"
)

// Policy selects how an over-full window is shrunk.
type Policy string

// Eviction policies.
const (
	// PolicyTruncate drops the oldest unprotected entries.
	PolicyTruncate Policy = "truncate"
	// PolicySummarize replaces the oldest unprotected block with a summary.
	PolicySummarize Policy = "summarize"
	// PolicySelective keeps protected, recent and keyword entries, plus the
	// answers to kept questions.
	PolicySelective Policy = "selective"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyTruncate, PolicySummarize, PolicySelective:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown eviction policy %q", content.ErrConfigInvalid, s)
}

// State is the fill state of a window.
type State string

// Window states.
const (
	StateNominal      State = "nominal"
	StateNearCapacity State = "near-capacity"
	StateOverflowing  State = "overflowing"
)

// SummaryRole is the role of synthetic summary entries.
const SummaryRole = "summary"

// Config holds the window configuration.
type Config struct {
	// MaxTokens is the window ceiling.
	MaxTokens int `json:"max_tokens"`

	// Policy is the eviction policy.
	// Default: truncate
	Policy Policy `json:"policy"`

	// NearCapacityRatio is the fill ratio at which the window reports
	// StateNearCapacity.
	// Default: 0.9
	NearCapacityRatio float64 `json:"near_capacity_ratio"`

	// TruncateTarget is the fill ratio eviction shrinks the window to.
	// Default: 0.5
	TruncateTarget float64 `json:"truncate_target"`

	// KeepRecent is the number of most recent entries the selective policy
	// keeps.
	// Default: 6
	KeepRecent int `json:"keep_recent"`

	// ImportanceKeywords mark entries the selective policy keeps.
	ImportanceKeywords []string `json:"importance_keywords"`

	// KeepAnswers makes the selective policy keep the assistant entry that
	// directly follows a kept user entry.
	// Default: true
	KeepAnswers bool `json:"keep_answers"`

	// AnswerMaxTokens caps an answer kept only for its question. 0 keeps
	// it whole.
	// Default: 128
	AnswerMaxTokens int `json:"answer_max_tokens"`

	// MessageOverhead is added to the estimate of every entry to account
	// for per-message framing.
	MessageOverhead int `json:"message_overhead"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxTokens:          128000,
		Policy:             PolicyTruncate,
		NearCapacityRatio:  0.9,
		TruncateTarget:     0.5,
		KeepRecent:         6,
		ImportanceKeywords: []string{"important", "remember", "decision", "error", "todo"},
		KeepAnswers:        true,
		AnswerMaxTokens:    128,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		errs = append(errs, fmt.Errorf("policy %q is not one of truncate, summarize, selective", c.Policy))
	}
	if c.NearCapacityRatio <= 0 || c.NearCapacityRatio > 1 {
		errs = append(errs, fmt.Errorf("near_capacity_ratio must be in (0,1], got %v", c.NearCapacityRatio))
	}
	if c.TruncateTarget <= 0 || c.TruncateTarget > 1 {
		errs = append(errs, fmt.Errorf("truncate_target must be in (0,1], got %v", c.TruncateTarget))
	}
	if c.KeepRecent < 0 {
		errs = append(errs, fmt.Errorf("keep_recent must be >= 0, got %d", c.KeepRecent))
	}
	if c.AnswerMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("answer_max_tokens must be >= 0, got %d", c.AnswerMaxTokens))
	}
	if c.MessageOverhead < 0 {
		errs = append(errs, fmt.Errorf("message_overhead must be >= 0, got %d", c.MessageOverhead))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: window: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}
