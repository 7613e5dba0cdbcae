package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/source"
	"ctxbudget/internal/window"
)

// The engine must not leave goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	usage   []cost.UsageRecord
	windows map[string]window.Snapshot
}

func newMemStore() *memStore {
	return &memStore{windows: make(map[string]window.Snapshot)}
}

func (m *memStore) AppendUsage(_ context.Context, rec cost.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *memStore) ListUsage(_ context.Context, since time.Time, limit int) ([]cost.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cost.UsageRecord
	for _, r := range m.usage {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) SaveWindow(_ context.Context, id string, snap window.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[id] = snap
	return nil
}

func (m *memStore) LoadWindow(_ context.Context, id string) ([]window.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[id].Entries, nil
}

func newSession(t *testing.T, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Config: DefaultConfig(),
		Logger: zerolog.Nop(),
		Clock:  func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func goFile(id, body string, age time.Duration) content.Unit {
	return content.NewUnit(id, body, content.KindSource, "go", testNow.Add(-age))
}

func TestNewSession_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelID = "unknown-model"
	cfg.Selector.MaxTokens = 0
	cfg.Estimator.Mode = "magic"

	_, err := NewSession(context.Background(), Options{Config: cfg})
	require.ErrorIs(t, err, content.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "unknown-model")
	assert.Contains(t, err.Error(), "magic")
	assert.Contains(t, err.Error(), "selector")
}

func TestNewSession_IDAndEstimator(t *testing.T) {
	s := newSession(t, nil)
	_, err := uuid.Parse(s.ID())
	assert.NoError(t, err)
	assert.Equal(t, "ratio/3.50", s.Estimator().Name())
	assert.False(t, s.Degraded())

	other := newSession(t, nil)
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestSession_Select(t *testing.T) {
	s := newSession(t, func(o *Options) {
		o.Config.Selector.RelevanceThreshold = 0
	})
	units := []content.Unit{
		goFile("internal/auth/token.go", "package auth\n\nfunc Refresh() {}\n", time.Hour),
		goFile("internal/auth/token_test.go", "package auth\n\nimport \"testing\"\n", 48*time.Hour),
		content.NewUnit("README.md", "# Project\n", content.KindProse, "markdown", time.Time{}),
	}

	sel := s.Select(units, relevance.Query{Text: "refresh token"})
	require.Len(t, sel.Selected, 3)
	assert.Equal(t, "internal/auth/token.go", sel.Selected[0].ID)
	assert.Greater(t, sel.TotalCost, 0.0)
	assert.LessOrEqual(t, sel.TotalTokens, s.Config().Selector.MaxTokens)
	for _, a := range sel.Selected {
		assert.True(t, a.Approximate)
	}
}

func TestSession_Analyze(t *testing.T) {
	s := newSession(t, func(o *Options) {
		o.Config.Selector.MaxTokens = 200
	})

	var body strings.Builder
	body.WriteString("package big\n\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&body, "func F%d() int {\n", i)
		for j := 0; j < 10; j++ {
			fmt.Fprintf(&body, "\tx := %d * %d\n", i, j)
		}
		body.WriteString("\treturn 0\n}\n\n")
	}
	units := []content.Unit{goFile("big.go", body.String(), time.Hour)}

	r := s.Analyze(units, relevance.Query{})
	assert.Equal(t, 1, r.Units)
	assert.Equal(t, 200, r.BudgetTokens)
	assert.Greater(t, r.OriginalTokens, r.CondensedTokens)
	assert.Equal(t, 1, r.Kinds[content.KindSource].Units)
	assert.True(t, r.Approximate)
	if r.CondensedTokens <= 200 {
		assert.Equal(t, RecommendCondense, r.Recommendation)
	} else {
		assert.Equal(t, RecommendSelect, r.Recommendation)
	}

	assert.GreaterOrEqual(t, r.Quality, 0.0)
	assert.LessOrEqual(t, r.Quality, 1.0)

	small := s.Analyze([]content.Unit{goFile("a.go", "package a\n", 0)}, relevance.Query{})
	assert.Equal(t, RecommendFits, small.Recommendation)
	assert.Equal(t, 1.0, small.Quality, "every unit of a fitting pool is selected")
}

func TestSession_WindowAndReset(t *testing.T) {
	s := newSession(t, func(o *Options) {
		o.Config.Window.MaxTokens = 1000
	})
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := s.Append(ctx, window.Input{Role: "user", Text: fmt.Sprintf("turn %d", i), Tokens: 50})
		require.NoError(t, err)
	}
	res, err := s.Append(ctx, window.Input{Role: "assistant", Text: "answer", Tokens: 100})
	require.NoError(t, err)
	require.NotNil(t, res.Eviction)
	assert.Equal(t, 600, s.ContextWindow().UsedTokens)

	snap := s.ContextWindow()
	snap.Entries[0].Text = "mutated"
	assert.NotEqual(t, "mutated", s.ContextWindow().Entries[0].Text)

	_, err = s.RecordUsage(ctx, cost.UsageRecord{PromptTokens: 1000, CompletionTokens: 100})
	require.NoError(t, err)

	s.Reset()
	assert.Empty(t, s.ContextWindow().Entries)
	assert.Equal(t, 0, s.ContextWindow().UsedTokens)
	assert.Len(t, s.History(), 1, "reset keeps usage history")
}

func TestSession_RecordUsage(t *testing.T) {
	var warnings []cost.Warning
	s := newSession(t, func(o *Options) {
		o.Config.Cost.DailyBudget = 0.0095
		o.Notifier = cost.NotifierFunc(func(_ context.Context, w cost.Warning) {
			warnings = append(warnings, w)
		})
	})

	totals, err := s.RecordUsage(context.Background(), cost.UsageRecord{PromptTokens: 2000, CompletionTokens: 200})
	require.NoError(t, err)
	assert.InDelta(t, 0.009, totals.TotalCost, 1e-9)
	assert.InDelta(t, 0.009, s.DailyCost(), 1e-9)
	require.Len(t, warnings, 2)
	assert.Equal(t, cost.SeverityInfo, warnings[0].Severity)
	assert.Equal(t, cost.SeverityWarning, warnings[1].Severity)

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, s.ID(), hist[0].SessionID)
	assert.Equal(t, "claude-3-5-sonnet", hist[0].ModelID)

	_, err = s.RecordUsage(context.Background(), cost.UsageRecord{ModelID: "mystery", PromptTokens: 1})
	assert.ErrorIs(t, err, cost.ErrUnknownModel)

	byModel := s.ByModel(time.Time{})
	require.Len(t, byModel, 1)
	assert.Equal(t, 1, byModel[0].Calls)
}

func TestSession_SubscribeMaintainsPool(t *testing.T) {
	s := newSession(t, func(o *Options) {
		o.Config.Selector.RelevanceThreshold = 0
	})
	s.SetPool([]content.Unit{goFile("old.go", "package old\n", time.Hour)})

	events := make(chan source.Event, 4)
	events <- source.Event{Unit: goFile("a.go", "package a\n", 0)}
	events <- source.Event{Unit: goFile("b.go", "package b\n", 0)}
	events <- source.Event{Unit: goFile("a.go", "package a\n\nfunc A() {}\n", 0)}
	events <- source.Event{Unit: content.Unit{ID: "old.go"}, Removed: true}
	close(events)

	require.NoError(t, s.Subscribe(context.Background(), events))

	pool := s.Pool()
	require.Len(t, pool, 2)
	assert.Equal(t, "a.go", pool[0].ID)
	assert.Contains(t, pool[0].Text, "func A")
	assert.Equal(t, "b.go", pool[1].ID)

	sel := s.SelectPool(relevance.Query{})
	assert.Len(t, sel.Selected, 2)
}

func TestSession_SubscribeStopsOnCancel(t *testing.T) {
	s := newSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Subscribe(ctx, make(chan source.Event))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_PersistsAndResumes(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first, err := NewSession(ctx, Options{
		Config: DefaultConfig(),
		Store:  store,
		Logger: zerolog.Nop(),
		Clock:  func() time.Time { return testNow },
	})
	require.NoError(t, err)
	_, err = first.Append(ctx, window.Input{Role: "user", Text: "hello", Tokens: 10})
	require.NoError(t, err)
	_, err = first.RecordUsage(ctx, cost.UsageRecord{PromptTokens: 1000})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx))

	require.Len(t, store.usage, 1)
	require.Contains(t, store.windows, first.ID())

	resumed, err := NewSession(ctx, Options{
		Config:    DefaultConfig(),
		Store:     store,
		SessionID: first.ID(),
		Logger:    zerolog.Nop(),
		Clock:     func() time.Time { return testNow.Add(time.Hour) },
	})
	require.NoError(t, err)
	defer resumed.Close(ctx)

	assert.Equal(t, first.ID(), resumed.ID())
	snap := resumed.ContextWindow()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "hello", snap.Entries[0].Text)
	assert.Equal(t, 10, snap.UsedTokens)
	assert.InDelta(t, 0.003, resumed.DailyCost(), 1e-9)
}

func TestSession_ModelSummarizerChargesUsage(t *testing.T) {
	var calls int
	completer := compaction.CompleterFunc(func(_ context.Context, prompt string, maxTokens int) (compaction.Completion, error) {
		calls++
		return compaction.Completion{
			Text:             "user asked about turns",
			Model:            "claude-3-5-haiku",
			PromptTokens:     400,
			CompletionTokens: 20,
		}, nil
	})
	s := newSession(t, func(o *Options) {
		o.Config.Window.MaxTokens = 1000
		o.Config.Window.Policy = window.PolicySummarize
		o.Completer = completer
	})
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := s.Append(ctx, window.Input{Role: "user", Text: fmt.Sprintf("turn %d", i), Tokens: 50})
		require.NoError(t, err)
	}
	res, err := s.Append(ctx, window.Input{Role: "assistant", Text: "answer", Tokens: 100})
	require.NoError(t, err)
	require.NotNil(t, res.Eviction)
	assert.True(t, res.Eviction.Summarized)
	assert.Equal(t, 1, calls)

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "claude-3-5-haiku", hist[0].ModelID)
	assert.Equal(t, s.ID(), hist[0].SessionID)

	var summaries int
	for _, e := range s.ContextWindow().Entries {
		if e.Role == window.SummaryRole {
			summaries++
			assert.Contains(t, e.Text, "user asked about turns")
		}
	}
	assert.Equal(t, 1, summaries)
}

func TestSession_CondenseIsMemoized(t *testing.T) {
	s := newSession(t, nil)
	u := content.NewUnit("cfg.toml", "# comment\nkey = 1\n\n# other\nname = \"x\"\n", content.KindConfig, "toml", testNow)
	first := s.Condense(u)
	second := s.Condense(u)
	assert.Equal(t, first, second)
	assert.Equal(t, "config_strip", first.Method)
}
