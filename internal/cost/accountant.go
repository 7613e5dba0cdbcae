package cost

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ctxbudget/internal/content"
)

// UsageRecord is one observed model call. Records are append-only.
type UsageRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ModelID          string    `json:"model_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CachedTokens     int       `json:"cached_tokens,omitempty"`
	Cost             float64   `json:"cost"`
	SessionID        string    `json:"session_id"`
}

// Severity grades a budget warning.
type Severity string

// Warning severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Tier is a fraction of the daily budget at which a warning fires.
type Tier struct {
	Fraction float64  `json:"fraction" mapstructure:"fraction" yaml:"fraction"`
	Severity Severity `json:"severity" mapstructure:"severity" yaml:"severity"`
}

// DefaultTiers returns 75% info, 90% warning, 100% critical.
func DefaultTiers() []Tier {
	return []Tier{
		{Fraction: 0.75, Severity: SeverityInfo},
		{Fraction: 0.9, Severity: SeverityWarning},
		{Fraction: 1.0, Severity: SeverityCritical},
	}
}

// Warning is raised once each time daily cost crosses a tier.
type Warning struct {
	Tier      float64   `json:"tier"`
	Severity  Severity  `json:"severity"`
	DailyCost float64   `json:"daily_cost"`
	Budget    float64   `json:"budget"`
	At        time.Time `json:"at"`
	Message   string    `json:"message"`
}

// Totals is the state after a RecordUsage call.
type Totals struct {
	Records          int       `json:"records"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CachedTokens     int64     `json:"cached_tokens"`
	TotalCost        float64   `json:"total_cost"`
	DailyCost        float64   `json:"daily_cost"`
	Warnings         []Warning `json:"warnings,omitempty"`
}

// Notifier receives warnings. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, w Warning)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, w Warning)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, w Warning) { f(ctx, w) }

// HistoryStore durably appends usage records. Failures are logged and
// otherwise ignored.
type HistoryStore interface {
	AppendUsage(ctx context.Context, rec UsageRecord) error
}

// Config holds the accountant configuration.
type Config struct {
	Pricing     Pricing     `json:"pricing"`
	CachePolicy CachePolicy `json:"cache_policy"`

	// DailyBudget is the spend per local day the tiers refer to. Zero
	// disables warnings.
	DailyBudget float64 `json:"daily_budget"`

	// Tiers are the warning boundaries as fractions of DailyBudget.
	Tiers []Tier `json:"tiers"`

	// MaxHistory bounds the in-memory history.
	// Default: 1000
	MaxHistory int `json:"max_history"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Pricing:     DefaultPricing(),
		CachePolicy: CacheDiscounted,
		DailyBudget: 10,
		Tiers:       DefaultTiers(),
		MaxHistory:  1000,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseCachePolicy(string(c.CachePolicy)); err != nil {
		errs = append(errs, err)
	}
	if c.DailyBudget < 0 {
		errs = append(errs, fmt.Errorf("daily_budget must be >= 0, got %v", c.DailyBudget))
	}
	for _, t := range c.Tiers {
		if t.Fraction <= 0 || t.Fraction > 2 {
			errs = append(errs, fmt.Errorf("tier %v must be in (0,2]", t.Fraction))
		}
		switch t.Severity {
		case SeverityInfo, SeverityWarning, SeverityCritical:
		default:
			errs = append(errs, fmt.Errorf("tier %v has unknown severity %q", t.Fraction, t.Severity))
		}
	}
	if c.MaxHistory <= 0 {
		errs = append(errs, fmt.Errorf("max_history must be positive, got %d", c.MaxHistory))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: cost: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Accountant records usage for one session.
type Accountant struct {
	mu       sync.Mutex
	config   Config
	tiers    []Tier
	notifier Notifier
	store    HistoryStore
	logger   zerolog.Logger
	now      func() time.Time

	history []UsageRecord
	totals  Totals
	day     time.Time
	fired   []bool
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithNotifier sets the warning notifier.
func WithNotifier(n Notifier) Option {
	return func(a *Accountant) {
		a.notifier = n
	}
}

// WithStore sets the durable history store.
func WithStore(s HistoryStore) Option {
	return func(a *Accountant) {
		a.store = s
	}
}

// WithLogger sets the accountant logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Accountant) {
		a.logger = l
	}
}

// WithClock sets the clock. Its location defines local midnight.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) {
		a.now = now
	}
}

// New creates an Accountant.
func New(config Config, opts ...Option) (*Accountant, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tiers := append([]Tier(nil), config.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Fraction < tiers[j].Fraction })

	a := &Accountant{
		config: config,
		tiers:  tiers,
		fired:  make([]bool, len(tiers)),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.day = midnight(a.now())
	return a, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Price returns the cost of a call without recording it.
func (a *Accountant) Price(modelID string, prompt, completion, cached int) (float64, error) {
	rate, ok := a.config.Pricing.Lookup(modelID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return rate.Price(a.config.CachePolicy, prompt, completion, cached), nil
}

// InputCost prices tokens sent as prompt input. Unknown models cost 0.
func (a *Accountant) InputCost(modelID string, tokens int) float64 {
	c, err := a.Price(modelID, tokens, 0, 0)
	if err != nil {
		return 0
	}
	return c
}

// RecordUsage prices and records one call, then evaluates the warning
// tiers. A zero Cost is computed from the pricing table; a zero Timestamp
// is set to now. Warnings never fail the call.
func (a *Accountant) RecordUsage(ctx context.Context, rec UsageRecord) (Totals, error) {
	if rec.PromptTokens < 0 || rec.CompletionTokens < 0 || rec.CachedTokens < 0 || rec.CachedTokens > rec.PromptTokens {
		return Totals{}, fmt.Errorf("%w: prompt=%d completion=%d cached=%d",
			ErrInvalidUsage, rec.PromptTokens, rec.CompletionTokens, rec.CachedTokens)
	}
	if rec.Cost < 0 || math.IsNaN(rec.Cost) || math.IsInf(rec.Cost, 0) {
		return Totals{}, fmt.Errorf("%w: cost=%v", ErrInvalidUsage, rec.Cost)
	}
	price, err := a.Price(rec.ModelID, rec.PromptTokens, rec.CompletionTokens, rec.CachedTokens)
	if err != nil {
		return Totals{}, err
	}

	a.mu.Lock()
	now := a.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	if rec.Cost == 0 {
		rec.Cost = price
	}

	a.rollLocked(now)
	a.history = append(a.history, rec)
	if over := len(a.history) - a.config.MaxHistory; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}

	a.totals.Records++
	a.totals.PromptTokens += int64(rec.PromptTokens)
	a.totals.CompletionTokens += int64(rec.CompletionTokens)
	a.totals.CachedTokens += int64(rec.CachedTokens)
	a.totals.TotalCost += rec.Cost
	if !rec.Timestamp.Before(a.day) {
		a.totals.DailyCost += rec.Cost
	}

	warnings := a.evaluateLocked(now)
	totals := a.totals
	totals.Warnings = warnings
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AppendUsage(ctx, rec); err != nil {
			a.logger.Warn().Err(err).Str("record", rec.ID).Msg("cost: failed to persist usage record")
		}
	}
	for _, w := range warnings {
		a.log(w)
		if a.notifier != nil {
			a.notifier.Notify(ctx, w)
		}
	}
	return totals, nil
}

// rollLocked resets the daily total and re-arms every tier when the local
// day has changed.
func (a *Accountant) rollLocked(now time.Time) {
	today := midnight(now)
	if today.Equal(a.day) {
		return
	}
	a.day = today
	a.totals.DailyCost = 0
	for _, rec := range a.history {
		if !rec.Timestamp.Before(today) {
			a.totals.DailyCost += rec.Cost
		}
	}
	for i := range a.fired {
		a.fired[i] = false
	}
}

// evaluateLocked fires every tier crossed since the last evaluation. A tier
// that is still exceeded stays silent; one that is no longer exceeded is
// re-armed.
func (a *Accountant) evaluateLocked(now time.Time) []Warning {
	if a.config.DailyBudget <= 0 {
		return nil
	}
	ratio := a.totals.DailyCost / a.config.DailyBudget
	var out []Warning
	for i, t := range a.tiers {
		if ratio < t.Fraction {
			a.fired[i] = false
			continue
		}
		if a.fired[i] {
			continue
		}
		a.fired[i] = true
		out = append(out, Warning{
			Tier:      t.Fraction,
			Severity:  t.Severity,
			DailyCost: a.totals.DailyCost,
			Budget:    a.config.DailyBudget,
			At:        now,
			Message: fmt.Sprintf("daily cost %.4f reached %.0f%% of budget %.2f",
				a.totals.DailyCost, t.Fraction*100, a.config.DailyBudget),
		})
	}
	return out
}

func (a *Accountant) log(w Warning) {
	var ev *zerolog.Event
	switch w.Severity {
	case SeverityCritical:
		ev = a.logger.Error()
	case SeverityWarning:
		ev = a.logger.Warn()
	default:
		ev = a.logger.Info()
	}
	ev.Float64("tier", w.Tier).
		Float64("daily_cost", w.DailyCost).
		Float64("budget", w.Budget).
		Msg("cost: " + w.Message)
}

// Seed loads previously persisted records, for example at session start.
// Tiers already exceeded by the seeded daily cost are marked as fired so a
// restart does not repeat warnings.
func (a *Accountant) Seed(records []UsageRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.rollLocked(now)
	for _, rec := range records {
		a.history = append(a.history, rec)
		a.totals.Records++
		a.totals.PromptTokens += int64(rec.PromptTokens)
		a.totals.CompletionTokens += int64(rec.CompletionTokens)
		a.totals.CachedTokens += int64(rec.CachedTokens)
		a.totals.TotalCost += rec.Cost
		if !rec.Timestamp.Before(a.day) {
			a.totals.DailyCost += rec.Cost
		}
	}
	sort.SliceStable(a.history, func(i, j int) bool {
		return a.history[i].Timestamp.Before(a.history[j].Timestamp)
	})
	if over := len(a.history) - a.config.MaxHistory; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	a.evaluateLocked(now)
}

// DailyCost returns the cost recorded since local midnight.
func (a *Accountant) DailyCost() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked(a.now())
	return a.totals.DailyCost
}

// Totals returns the cumulative totals without warnings.
func (a *Accountant) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked(a.now())
	t := a.totals
	t.Warnings = nil
	return t
}

// History returns a copy of the retained records, oldest first.
func (a *Accountant) History() []UsageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UsageRecord, len(a.history))
	copy(out, a.history)
	return out
}

// ModelSummary aggregates retained records for one model.
type ModelSummary struct {
	ModelID          string  `json:"model_id"`
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// ByModel aggregates the retained records since the given time, most
// expensive model first.
func (a *Accountant) ByModel(since time.Time) []ModelSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := make(map[string]int)
	var out []ModelSummary
	for _, rec := range a.history {
		if rec.Timestamp.Before(since) {
			continue
		}
		i, ok := idx[rec.ModelID]
		if !ok {
			i = len(out)
			idx[rec.ModelID] = i
			out = append(out, ModelSummary{ModelID: rec.ModelID})
		}
		out[i].Calls++
		out[i].PromptTokens += int64(rec.PromptTokens)
		out[i].CompletionTokens += int64(rec.CompletionTokens)
		out[i].Cost += rec.Cost
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out
}

// Reset clears history, totals and tier state.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.totals = Totals{}
	a.day = midnight(a.now())
	for i := range a.fired {
		a.fired[i] = false
	}
}
