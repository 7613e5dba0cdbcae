// Package engine wires the budget components into one session-scoped
// service object. A Session is created at session start, passed to whoever
// needs it and closed at session end; there is no process-wide instance.
//
// The engine starts no goroutines. Mutating calls (Append, Reset,
// RecordUsage, Subscribe) follow single-writer discipline on the caller's
// side; read-only calls return copies and are safe at any time.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/condense"
	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/selector"
	"ctxbudget/internal/source"
	"ctxbudget/internal/tokens"
	"ctxbudget/internal/window"
)

// Store persists session state. Every call is best-effort: failures are
// logged and the session keeps its in-memory state.
type Store interface {
	cost.HistoryStore
	ListUsage(ctx context.Context, since time.Time, limit int) ([]cost.UsageRecord, error)
	SaveWindow(ctx context.Context, sessionID string, snap window.Snapshot) error
	LoadWindow(ctx context.Context, sessionID string) ([]window.Entry, error)
}

// Options are the collaborators of a session.
type Options struct {
	Config Config

	// SessionID resumes a persisted session when a Store is set. Empty
	// generates a new ID.
	SessionID string

	Logger zerolog.Logger

	// Clock overrides time.Now.
	Clock func() time.Time

	// Store persists usage history and window snapshots.
	Store Store

	// Completer enables the model-backed summarizer for the summarize
	// policy. Without it summaries are extractive.
	Completer compaction.Completer

	// Notifier receives cost warnings.
	Notifier cost.Notifier
}

// Session is one engine instance.
type Session struct {
	id     string
	config Config
	logger zerolog.Logger
	now    func() time.Time
	store  Store

	estimator  tokens.Estimator
	degraded   bool
	condenser  *condense.Cached
	scorer     *relevance.Scorer
	selector   *selector.Selector
	window     *window.Manager
	accountant *cost.Accountant

	poolMu sync.RWMutex
	pool   map[string]content.Unit

	closeOnce sync.Once
}

// NewSession validates the configuration and builds every component.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger.With().Str("session", id).Logger()

	est, err := cfg.newEstimator()
	degraded := false
	if err != nil {
		if !errors.Is(err, content.ErrEstimationDegraded) {
			return nil, err
		}
		degraded = true
		logger.Warn().Err(err).Str("estimator", est.Name()).Msg("engine: using approximate token estimation")
	}

	inner, err := condense.New(cfg.Condense, est, condense.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	cached, err := condense.NewCached(inner, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	scorer, err := relevance.New(cfg.Scorer, est, logger)
	if err != nil {
		return nil, err
	}
	sel, err := selector.New(cfg.Selector, selector.WithCondenser(cached), selector.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	costOpts := []cost.Option{cost.WithLogger(logger), cost.WithClock(now)}
	if opts.Notifier != nil {
		costOpts = append(costOpts, cost.WithNotifier(opts.Notifier))
	}
	if opts.Store != nil {
		costOpts = append(costOpts, cost.WithStore(opts.Store))
	}
	acct, err := cost.New(cfg.Cost, costOpts...)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         id,
		config:     cfg,
		logger:     logger,
		now:        now,
		store:      opts.Store,
		estimator:  est,
		degraded:   degraded,
		condenser:  cached,
		scorer:     scorer,
		selector:   sel,
		accountant: acct,
		pool:       make(map[string]content.Unit),
	}

	summarizer, err := s.newSummarizer(inner, opts.Completer)
	if err != nil {
		return nil, err
	}
	win, err := window.New(cfg.Window, est,
		window.WithSummarizer(summarizer),
		window.WithLogger(logger),
		window.WithClock(now),
	)
	if err != nil {
		return nil, err
	}
	s.window = win

	s.restore(ctx, opts.SessionID != "")

	logger.Info().
		Str("model", cfg.ModelID).
		Str("estimator", est.Name()).
		Str("policy", string(cfg.Window.Policy)).
		Int("window_tokens", cfg.Window.MaxTokens).
		Msg("engine: session started")
	return s, nil
}

func (s *Session) newSummarizer(inner *condense.Condenser, completer compaction.Completer) (window.Summarizer, error) {
	if completer == nil {
		return window.NewExtractiveSummarizer(inner, 0)
	}
	return compaction.New(s.config.Compaction, completer, s.estimator,
		compaction.WithLogger(s.logger),
		compaction.WithUsage(s.recordCompletion),
	)
}

// recordCompletion charges summarization calls to the session.
func (s *Session) recordCompletion(ctx context.Context, c compaction.Completion) {
	model := c.Model
	if model == "" {
		model = s.config.ModelID
	}
	_, err := s.accountant.RecordUsage(ctx, cost.UsageRecord{
		ModelID:          model,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		SessionID:        s.id,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("model", model).Msg("engine: failed to record summarization usage")
	}
}

// restore seeds today's usage and, when resuming, the persisted window.
func (s *Session) restore(ctx context.Context, resume bool) {
	if s.store == nil {
		return
	}
	t := s.now()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	records, err := s.store.ListUsage(ctx, midnight, s.config.Cost.MaxHistory)
	if err != nil {
		s.logger.Warn().Err(err).Msg("engine: failed to load usage history")
	} else if len(records) > 0 {
		s.accountant.Seed(records)
	}

	if !resume {
		return
	}
	entries, err := s.store.LoadWindow(ctx, s.id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("engine: failed to load window snapshot")
		return
	}
	if err := s.window.Restore(entries); err != nil {
		s.logger.Warn().Err(err).Msg("engine: discarded window snapshot")
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.config
}

// Estimator returns the session estimator.
func (s *Session) Estimator() tokens.Estimator {
	return s.estimator
}

// Degraded reports whether precise estimation was requested but is
// unavailable.
func (s *Session) Degraded() bool {
	return s.degraded
}

func (s *Session) query(q relevance.Query) relevance.Query {
	if q.Now.IsZero() {
		q.Now = s.now()
	}
	return q
}

func (s *Session) inputCost(tokens int) float64 {
	return s.accountant.InputCost(s.config.ModelID, tokens)
}

// Score annotates units with relevance, token and cost estimates.
func (s *Session) Score(units []content.Unit, q relevance.Query) []content.ScoredUnit {
	return s.scorer.ScoreAll(units, s.query(q), s.inputCost)
}

// Select scores units and picks the subset that fits the budget.
func (s *Session) Select(units []content.Unit, q relevance.Query) selector.Selection {
	sel := s.selector.Select(s.Score(units, q))
	s.logger.Info().
		Int("candidates", len(units)).
		Int("selected", len(sel.Selected)).
		Int("tokens", sel.TotalTokens).
		Float64("confidence", sel.ConfidenceScore).
		Msg("engine: selection complete")
	return sel
}

// Condense condenses one unit, memoized by content fingerprint.
func (s *Session) Condense(u content.Unit) condense.Result {
	return s.condenser.Condense(u)
}

// Append adds an entry to the context window, evicting per policy.
func (s *Session) Append(ctx context.Context, in window.Input) (window.AppendResult, error) {
	return s.window.Append(ctx, in)
}

// Compact runs the eviction policy now.
func (s *Session) Compact(ctx context.Context) window.Eviction {
	return s.window.Compact(ctx)
}

// ContextWindow returns a copy of the window.
func (s *Session) ContextWindow() window.Snapshot {
	return s.window.Snapshot()
}

// RecordUsage records one model call against this session.
func (s *Session) RecordUsage(ctx context.Context, rec cost.UsageRecord) (cost.Totals, error) {
	if rec.SessionID == "" {
		rec.SessionID = s.id
	}
	if rec.ModelID == "" {
		rec.ModelID = s.config.ModelID
	}
	return s.accountant.RecordUsage(ctx, rec)
}

// DailyCost returns today's spend.
func (s *Session) DailyCost() float64 {
	return s.accountant.DailyCost()
}

// Totals returns cumulative usage totals.
func (s *Session) Totals() cost.Totals {
	return s.accountant.Totals()
}

// History returns the retained usage records.
func (s *Session) History() []cost.UsageRecord {
	return s.accountant.History()
}

// ByModel aggregates retained usage per model since the given time.
func (s *Session) ByModel(since time.Time) []cost.ModelSummary {
	return s.accountant.ByModel(since)
}

// Reset clears the context window. Usage history is kept.
func (s *Session) Reset() {
	s.window.Reset()
	s.logger.Info().Msg("engine: window reset")
}

// Save persists the current window snapshot.
func (s *Session) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveWindow(ctx, s.id, s.window.Snapshot())
}

// Close persists the window and releases cached state. It is safe to call
// more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Save(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("engine: failed to save window snapshot")
		}
		s.condenser.Purge()
		s.poolMu.Lock()
		s.pool = make(map[string]content.Unit)
		s.poolMu.Unlock()
		s.logger.Info().Msg("engine: session closed")
	})
	return err
}

// Subscribe consumes content-changed events in the caller's goroutine until
// ctx is done or events is closed, keeping the candidate pool current.
// It returns ctx.Err() on cancellation and nil when the channel closes.
func (s *Session) Subscribe(ctx context.Context, events <-chan source.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev source.Event) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if ev.Removed {
		delete(s.pool, ev.Unit.ID)
		s.logger.Debug().Str("unit", ev.Unit.ID).Msg("engine: unit removed")
		return
	}
	s.pool[ev.Unit.ID] = ev.Unit
	s.logger.Debug().Str("unit", ev.Unit.ID).Msg("engine: unit updated")
}

// SetPool replaces the candidate pool, typically with a fresh scan.
func (s *Session) SetPool(units []content.Unit) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	s.pool = make(map[string]content.Unit, len(units))
	for _, u := range units {
		s.pool[u.ID] = u
	}
}

// Pool returns the candidate pool sorted by ID.
func (s *Session) Pool() []content.Unit {
	s.poolMu.RLock()
	out := make([]content.Unit, 0, len(s.pool))
	for _, u := range s.pool {
		out = append(out, u)
	}
	s.poolMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectPool selects from the candidate pool.
func (s *Session) SelectPool(q relevance.Query) selector.Selection {
	return s.Select(s.Pool(), q)
}
