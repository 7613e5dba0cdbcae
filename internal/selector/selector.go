// Package selector admits scored units under token, count, threshold and
// kind constraints.
package selector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"ctxbudget/internal/condense"
	"ctxbudget/internal/content"
)

// Reason explains why a unit was not admitted. Exactly one is recorded per
// rejected unit.
type Reason string

// Rejection reasons, in the order they are checked.
const (
	ReasonOverBudget     Reason = "over-budget"
	ReasonOverCount      Reason = "over-count"
	ReasonBelowThreshold Reason = "below-threshold"
	ReasonFilteredKind   Reason = "filtered-kind"
)

// Config holds the admission constraints.
type Config struct {
	// MaxTokens is the hard token ceiling for a selection.
	MaxTokens int `json:"max_tokens"`

	// MaxUnits caps the number of admitted units.
	MaxUnits int `json:"max_units"`

	// RelevanceThreshold is the minimum score for admission.
	// Default: 0.3
	RelevanceThreshold float64 `json:"relevance_threshold"`

	// ExcludedKinds are never admitted.
	ExcludedKinds []content.Kind `json:"excluded_kinds"`

	// TargetUtilization is the utilization the confidence score rewards.
	// Default: 0.7
	TargetUtilization float64 `json:"target_utilization"`

	// CondenseOversized retries units that fail only on budget in condensed
	// form. Requires a condenser.
	CondenseOversized bool `json:"condense_oversized"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxTokens:          100000,
		MaxUnits:           50,
		RelevanceThreshold: 0.3,
		TargetUtilization:  0.7,
	}
}

// Validate checks the constraints are usable.
func (c Config) Validate() error {
	var errs []error
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if c.MaxUnits <= 0 {
		errs = append(errs, fmt.Errorf("max_units must be positive, got %d", c.MaxUnits))
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 || math.IsNaN(c.RelevanceThreshold) {
		errs = append(errs, fmt.Errorf("relevance_threshold must be in [0,1], got %v", c.RelevanceThreshold))
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization > 1 {
		errs = append(errs, fmt.Errorf("target_utilization must be in (0,1], got %v", c.TargetUtilization))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: selector: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Condenser produces condensed forms of oversized units. Both
// *condense.Condenser and *condense.Cached satisfy it.
type Condenser interface {
	Condense(u content.Unit) condense.Result
}

// Admitted is a unit in a selection. When Condensed is set, Text and
// EstimatedTokens describe the condensed form. Position is the unit's index
// in the slice given to Select.
type Admitted struct {
	content.ScoredUnit
	Position       int    `json:"position"`
	Condensed      bool   `json:"condensed,omitempty"`
	Method         string `json:"method,omitempty"`
	OriginalTokens int    `json:"original_tokens"`
}

// Rejected is a unit that was not admitted, with the first failing reason.
type Rejected struct {
	content.ScoredUnit
	Reason Reason `json:"reason"`
}

// Selection is the outcome of one Select call.
type Selection struct {
	Selected         []Admitted `json:"selected"`
	Rejected         []Rejected `json:"rejected"`
	TotalTokens      int        `json:"total_tokens"`
	TotalCost        float64    `json:"total_cost"`
	ConfidenceScore  float64    `json:"confidence_score"`
	TokenUtilization float64    `json:"token_utilization"`
	UnitUtilization  float64    `json:"unit_utilization"`
	// Quality estimates in [0,1] how much of the pool's value survived:
	// the admitted share weighted 0.3, code units kept 0.4, and
	// question and answer pairs kept whole 0.3.
	Quality float64 `json:"quality"`
}

// InSourceOrder returns the admitted units in the order they were given to
// Select. For a conversation that is chronological order.
func (sel Selection) InSourceOrder() []Admitted {
	out := make([]Admitted, len(sel.Selected))
	copy(out, sel.Selected)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Selector runs greedy admission.
type Selector struct {
	config    Config
	excluded  map[content.Kind]bool
	condenser Condenser
	logger    zerolog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithCondenser sets the condenser used when CondenseOversized is enabled.
func WithCondenser(c Condenser) Option {
	return func(s *Selector) {
		s.condenser = c
	}
}

// WithLogger sets the selector logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Selector) {
		s.logger = l
	}
}

// New creates a Selector.
func New(config Config, opts ...Option) (*Selector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{
		config:   config,
		excluded: make(map[content.Kind]bool, len(config.ExcludedKinds)),
		logger:   zerolog.Nop(),
	}
	for _, k := range config.ExcludedKinds {
		s.excluded[k] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the selector configuration.
func (s *Selector) Config() Config {
	return s.config
}

// Sort orders units for admission: relevance descending, then most recently
// modified, then fewest tokens, then ID. The input is not modified.
func Sort(units []content.ScoredUnit) []content.ScoredUnit {
	sorted := make([]content.ScoredUnit, 0, len(units))
	for _, i := range admissionOrder(units) {
		sorted = append(sorted, units[i])
	}
	return sorted
}

// admissionOrder returns the indexes of units in admission order.
func admissionOrder(units []content.ScoredUnit) []int {
	order := make([]int, len(units))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := units[order[i]], units[order[j]]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.After(b.LastModified)
		}
		if a.EstimatedTokens != b.EstimatedTokens {
			return a.EstimatedTokens < b.EstimatedTokens
		}
		return a.ID < b.ID
	})
	return order
}

// Select walks the units in admission order and admits each unit that fits
// the remaining budget, the unit cap, the threshold and the kind filter.
// The result never exceeds MaxTokens and is deterministic for identical
// inputs.
func (s *Selector) Select(units []content.ScoredUnit) Selection {
	sel := Selection{
		Selected: make([]Admitted, 0, min(len(units), s.config.MaxUnits)),
	}

	for _, pos := range admissionOrder(units) {
		u := units[pos]
		reason, ok := s.check(u, sel.TotalTokens, len(sel.Selected))
		if ok {
			sel.admit(Admitted{ScoredUnit: u, Position: pos, OriginalTokens: u.EstimatedTokens})
			continue
		}
		if reason == ReasonOverBudget && s.config.CondenseOversized && s.condenser != nil {
			if a, fits := s.condensed(u, sel.TotalTokens, len(sel.Selected)); fits {
				a.Position = pos
				sel.admit(a)
				continue
			}
		}
		sel.Rejected = append(sel.Rejected, Rejected{ScoredUnit: u, Reason: reason})
	}

	sel.TokenUtilization = float64(sel.TotalTokens) / float64(s.config.MaxTokens)
	sel.UnitUtilization = float64(len(sel.Selected)) / float64(s.config.MaxUnits)
	sel.ConfidenceScore = s.confidence(sel)
	sel.Quality = quality(units, sel)

	s.logger.Debug().
		Int("candidates", len(units)).
		Int("selected", len(sel.Selected)).
		Int("tokens", sel.TotalTokens).
		Float64("confidence", sel.ConfidenceScore).
		Float64("quality", sel.Quality).
		Msg("selector: selection complete")
	return sel
}

// check returns the first failing admission condition.
func (s *Selector) check(u content.ScoredUnit, used, count int) (Reason, bool) {
	switch {
	case used+u.EstimatedTokens > s.config.MaxTokens:
		return ReasonOverBudget, false
	case count >= s.config.MaxUnits:
		return ReasonOverCount, false
	case u.RelevanceScore < s.config.RelevanceThreshold:
		return ReasonBelowThreshold, false
	case s.excluded[u.Kind]:
		return ReasonFilteredKind, false
	}
	return "", true
}

// condensed retries a unit that failed only on budget in condensed form.
func (s *Selector) condensed(u content.ScoredUnit, used, count int) (Admitted, bool) {
	if count >= s.config.MaxUnits || u.RelevanceScore < s.config.RelevanceThreshold || s.excluded[u.Kind] {
		return Admitted{}, false
	}
	res := s.condenser.Condense(u.Unit)
	if res.Method == condense.MethodNone || used+res.CondensedTokens > s.config.MaxTokens {
		return Admitted{}, false
	}

	a := Admitted{
		ScoredUnit:     u,
		Condensed:      true,
		Method:         res.Method,
		OriginalTokens: u.EstimatedTokens,
	}
	a.Text = res.Text
	a.EstimatedTokens = res.CondensedTokens
	if u.EstimatedTokens > 0 {
		a.EstimatedCost = u.EstimatedCost * float64(res.CondensedTokens) / float64(u.EstimatedTokens)
	}
	return a, true
}

func (sel *Selection) admit(a Admitted) {
	sel.Selected = append(sel.Selected, a)
	sel.TotalTokens += a.EstimatedTokens
	sel.TotalCost += a.EstimatedCost
}

// confidence blends mean relevance with a penalty for token and unit
// utilization deviating from the target.
func (s *Selector) confidence(sel Selection) float64 {
	if len(sel.Selected) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range sel.Selected {
		sum += a.RelevanceScore
	}
	mean := sum / float64(len(sel.Selected))

	t := s.config.TargetUtilization
	dev := (math.Abs(sel.TokenUtilization-t) + math.Abs(sel.UnitUtilization-t)) / 2
	dev /= math.Max(t, 1-t)
	dev = math.Min(math.Max(dev, 0), 1)

	return math.Min(math.Max(mean*(1-0.5*dev), 0), 1)
}

// quality blends the admitted share of the pool, the share of code units
// kept and the share of question and answer pairs kept whole. A component
// with nothing to preserve counts as fully preserved.
func quality(units []content.ScoredUnit, sel Selection) float64 {
	if len(units) == 0 {
		return 1
	}
	admitted := make([]bool, len(units))
	for _, a := range sel.Selected {
		admitted[a.Position] = true
	}

	code, codeKept, pairs, pairsKept := 0, 0, 0, 0
	for i, u := range units {
		if hasCode(u.Unit) {
			code++
			if admitted[i] {
				codeKept++
			}
		}
		if i+1 < len(units) && isPair(u.Unit, units[i+1].Unit) {
			pairs++
			if admitted[i] && admitted[i+1] {
				pairsKept++
			}
		}
	}

	q := 0.3*float64(len(sel.Selected))/float64(len(units)) +
		0.4*ratio(codeKept, code) +
		0.3*ratio(pairsKept, pairs)
	return math.Min(q, 1)
}

func ratio(kept, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(kept) / float64(total)
}

func hasCode(u content.Unit) bool {
	return u.Kind == content.KindSource || strings.Contains(u.Text, "```")
}

// isPair reports whether a is a user message answered by b.
func isPair(a, b content.Unit) bool {
	return a.Kind == content.KindMessage && b.Kind == content.KindMessage &&
		a.Role == content.RoleUser && b.Role == content.RoleAssistant
}
