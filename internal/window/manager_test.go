package window

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

type stubSummarizer struct {
	text  string
	err   error
	calls [][]Entry
}

func (s *stubSummarizer) Summarize(_ context.Context, entries []Entry) (string, error) {
	s.calls = append(s.calls, entries)
	return s.text, s.err
}

func newManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, tokens.Default(), opts...)
	require.NoError(t, err)
	return m
}

func mustAppend(t *testing.T, m *Manager, in Input) AppendResult {
	t.Helper()
	res, err := m.Append(context.Background(), in)
	require.NoError(t, err)
	return res
}

func roles(s Snapshot) []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Role
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxTokens = 0
	cfg.Policy = "lru"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "max_tokens")
	assert.Contains(t, err.Error(), "lru")

	_, err = ParsePolicy("selective")
	assert.NoError(t, err)
	_, err = ParsePolicy("fifo")
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
}

func TestManager_OverflowTruncatesToTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	m := newManager(t, cfg)

	for i := 0; i < 19; i++ {
		res := mustAppend(t, m, Input{Role: "user", Text: fmt.Sprintf("turn %d", i), Tokens: 50})
		assert.NotEqual(t, StateOverflowing, res.After)
	}
	assert.Equal(t, 950, m.Snapshot().UsedTokens)
	assert.Equal(t, StateOverflowing, m.StateFor(100))

	res := mustAppend(t, m, Input{Role: "assistant", Text: "answer", Tokens: 100})
	assert.Equal(t, StateOverflowing, res.Before)
	require.NotNil(t, res.Eviction)
	assert.Equal(t, PolicyTruncate, res.Eviction.Policy)
	assert.Equal(t, 9, res.Eviction.Removed)
	assert.Equal(t, 450, res.Eviction.RemovedTokens)

	snap := m.Snapshot()
	assert.LessOrEqual(t, snap.UsedTokens, 600)
	assert.Equal(t, 600, snap.UsedTokens)
	assert.Equal(t, "turn 9", snap.Entries[0].Text)
	assert.Equal(t, StateNominal, res.After)
	assert.NoError(t, m.Verify())
}

func TestManager_States(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 100
	m := newManager(t, cfg)

	assert.Equal(t, StateNominal, m.State())
	mustAppend(t, m, Input{Role: "user", Tokens: 89})
	assert.Equal(t, StateNominal, m.State())
	res := mustAppend(t, m, Input{Role: "user", Tokens: 1})
	assert.Equal(t, StateNearCapacity, res.After)
	assert.Equal(t, StateOverflowing, m.StateFor(11))
	assert.Equal(t, StateNearCapacity, m.StateFor(10))
}

func TestManager_TruncateKeepsProtected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	m := newManager(t, cfg)

	mustAppend(t, m, Input{Role: "system", Tokens: 300, Protected: true})
	for i := 0; i < 6; i++ {
		mustAppend(t, m, Input{Role: fmt.Sprintf("turn-%d", i), Tokens: 100})
	}
	mustAppend(t, m, Input{Role: "new", Tokens: 200})

	snap := m.Snapshot()
	assert.Equal(t, []string{"system", "turn-4", "turn-5", "new"}, roles(snap))
	assert.Equal(t, 700, snap.UsedTokens)
}

func TestManager_Selective(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySelective
	cfg.KeepRecent = 2
	cfg.ImportanceKeywords = []string{"important"}
	m := newManager(t, cfg)

	mustAppend(t, m, Input{Role: "system", Text: "rules", Tokens: 100, Protected: true})
	for _, r := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		text := "chatter"
		if r == "b" {
			text = "IMPORTANT: the schema is frozen"
		}
		mustAppend(t, m, Input{Role: r, Text: text, Tokens: 100})
	}

	res := mustAppend(t, m, Input{Role: "new", Tokens: 200})
	require.NotNil(t, res.Eviction)
	assert.Equal(t, PolicySelective, res.Eviction.Policy)
	assert.Equal(t, 5, res.Eviction.Removed)
	assert.False(t, res.Eviction.FellBack)

	snap := m.Snapshot()
	assert.Equal(t, []string{"system", "b", "g", "h", "new"}, roles(snap))
	assert.Equal(t, 600, snap.UsedTokens)
}

func TestManager_SelectiveKeepsAnswersToKeptQuestions(t *testing.T) {
	tests := []struct {
		name        string
		keepAnswers bool
		wantRoles   []string
		wantRemoved int
	}{
		{"answer kept and trimmed", true, []string{"user", "assistant", "user", "user"}, 6},
		{"pairing disabled", false, []string{"user", "user", "user"}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxTokens = 1000
			cfg.Policy = PolicySelective
			cfg.KeepRecent = 1
			cfg.ImportanceKeywords = []string{"important"}
			cfg.KeepAnswers = tt.keepAnswers
			cfg.AnswerMaxTokens = 30
			m := newManager(t, cfg)

			mustAppend(t, m, Input{Role: "user", Text: "IMPORTANT: which schema do we ship?", Tokens: 100})
			mustAppend(t, m, Input{Role: "assistant", Text: strings.Repeat("schema details ", 40), Tokens: 100})
			for i := 0; i < 3; i++ {
				mustAppend(t, m, Input{Role: "user", Text: "chatter", Tokens: 100})
				mustAppend(t, m, Input{Role: "assistant", Text: "chatter reply", Tokens: 100})
			}
			mustAppend(t, m, Input{Role: "user", Text: "latest", Tokens: 100})

			res := mustAppend(t, m, Input{Role: "user", Text: "next", Tokens: 200})
			require.NotNil(t, res.Eviction)
			assert.Equal(t, tt.wantRemoved, res.Eviction.Removed)
			assert.False(t, res.Eviction.FellBack)

			snap := m.Snapshot()
			assert.Equal(t, tt.wantRoles, roles(snap))
			if tt.keepAnswers {
				answer := snap.Entries[1]
				assert.True(t, answer.Truncated)
				assert.Positive(t, answer.Tokens)
				assert.LessOrEqual(t, answer.Tokens, 30)
				assert.True(t, strings.HasPrefix(answer.Text, "schema details"))
			}
			assert.NoError(t, m.Verify())
		})
	}
}

func TestManager_SelectiveIgnoresAnswersToDroppedQuestions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySelective
	cfg.KeepRecent = 1
	cfg.ImportanceKeywords = []string{"important"}
	m := newManager(t, cfg)

	mustAppend(t, m, Input{Role: "user", Text: "small talk", Tokens: 100})
	mustAppend(t, m, Input{Role: "assistant", Text: "an important reply", Tokens: 100})
	for i := 0; i < 7; i++ {
		mustAppend(t, m, Input{Role: "tool", Text: "output", Tokens: 100})
	}
	res := mustAppend(t, m, Input{Role: "user", Text: "next", Tokens: 200})
	require.NotNil(t, res.Eviction)
	assert.Equal(t, []string{"assistant", "tool", "user"}, roles(m.Snapshot()))
	assert.False(t, m.Snapshot().Entries[0].Truncated)
}

func TestManager_SelectiveFallsBackToTruncate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySelective
	cfg.KeepRecent = 8
	cfg.ImportanceKeywords = nil
	m := newManager(t, cfg)

	for i := 0; i < 9; i++ {
		mustAppend(t, m, Input{Role: fmt.Sprint(i), Tokens: 100})
	}
	res := mustAppend(t, m, Input{Role: "new", Tokens: 200})
	require.NotNil(t, res.Eviction)
	assert.True(t, res.Eviction.FellBack)
	assert.LessOrEqual(t, m.Snapshot().UsedTokens, 700)
	assert.NoError(t, m.Verify())
}

func TestManager_Summarize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySummarize
	sum := &stubSummarizer{text: "short summary"}
	m := newManager(t, cfg, WithSummarizer(sum))

	mustAppend(t, m, Input{Role: "system", Tokens: 100, Protected: true})
	for i := 0; i < 8; i++ {
		mustAppend(t, m, Input{Role: fmt.Sprintf("t%d", i), Text: "turn", Tokens: 100})
	}

	res := mustAppend(t, m, Input{Role: "new", Tokens: 200})
	require.NotNil(t, res.Eviction)
	assert.True(t, res.Eviction.Summarized)
	assert.False(t, res.Eviction.FellBack)
	require.Len(t, sum.calls, 1)
	assert.Len(t, sum.calls[0], 4)

	snap := m.Snapshot()
	assert.Equal(t, []string{"system", SummaryRole, "t4", "t5", "t6", "t7", "new"}, roles(snap))
	assert.Equal(t, "short summary", snap.Entries[1].Text)
	assert.False(t, snap.Entries[1].Protected)
	assert.Equal(t, 100+4+400+200, snap.UsedTokens)
	assert.NoError(t, m.Verify())
}

type blockingSummarizer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSummarizer) Summarize(_ context.Context, _ []Entry) (string, error) {
	close(b.started)
	<-b.release
	return "summary", nil
}

func TestManager_ReadsProceedWhileSummarizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySummarize
	sum := &blockingSummarizer{started: make(chan struct{}), release: make(chan struct{})}
	m := newManager(t, cfg, WithSummarizer(sum))
	for i := 0; i < 9; i++ {
		mustAppend(t, m, Input{Role: fmt.Sprint(i), Text: "turn", Tokens: 100})
	}

	done := make(chan AppendResult, 1)
	go func() {
		res, _ := m.Append(context.Background(), Input{Role: "new", Tokens: 200})
		done <- res
	}()
	<-sum.started

	read := make(chan Snapshot, 1)
	go func() { read <- m.Snapshot() }()
	select {
	case snap := <-read:
		assert.Len(t, snap.Entries, 9)
		assert.Equal(t, 900, snap.UsedTokens)
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot blocked while the summarizer was running")
	}
	assert.Equal(t, StateNearCapacity, m.State())

	close(sum.release)
	res := <-done
	require.NotNil(t, res.Eviction)
	assert.True(t, res.Eviction.Summarized)
	assert.Equal(t, SummaryRole, m.Snapshot().Entries[0].Role)
	assert.NoError(t, m.Verify())
}

func TestManager_SummarizeFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 1000
	cfg.Policy = PolicySummarize

	for name, opts := range map[string][]Option{
		"no summarizer":     nil,
		"summarizer errors": {WithSummarizer(&stubSummarizer{err: errors.New("model offline")})},
	} {
		t.Run(name, func(t *testing.T) {
			m := newManager(t, cfg, opts...)
			for i := 0; i < 9; i++ {
				mustAppend(t, m, Input{Role: fmt.Sprint(i), Tokens: 100})
			}
			res := mustAppend(t, m, Input{Role: "new", Tokens: 200})
			require.NotNil(t, res.Eviction)
			assert.Equal(t, PolicyTruncate, res.Eviction.Policy)
			assert.True(t, res.Eviction.FellBack)
			assert.Equal(t, 700, m.Snapshot().UsedTokens)
		})
	}
}

func TestManager_OversizedEntryIsTruncatedAndSignaled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 100
	m := newManager(t, cfg)

	res, err := m.Append(context.Background(), Input{Role: "tool", Text: strings.Repeat("x", 1000)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, content.ErrBudgetExceeded))

	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 250, be.Requested)
	assert.Equal(t, 100, be.Admitted)

	assert.True(t, res.Entry.Truncated)
	assert.Equal(t, 400, len(res.Entry.Text))
	assert.Equal(t, 100, m.Snapshot().UsedTokens)
	assert.Len(t, m.Snapshot().Entries, 1)
}

func TestManager_RandomSequencesNeverDrift(t *testing.T) {
	for _, policy := range []Policy{PolicyTruncate, PolicySummarize, PolicySelective} {
		t.Run(string(policy), func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			cfg := DefaultConfig()
			cfg.MaxTokens = 2000
			cfg.Policy = policy
			cfg.KeepRecent = 3
			es, err := NewExtractiveSummarizer(nil, 1)
			require.NoError(t, err)
			m := newManager(t, cfg, WithSummarizer(es))

			for i := 0; i < 400; i++ {
				switch op := rng.Intn(20); {
				case op == 0:
					m.Compact(context.Background())
				case op == 1 && rng.Intn(5) == 0:
					m.Reset()
				default:
					text := strings.Repeat("word ", 1+rng.Intn(400))
					if rng.Intn(10) == 0 {
						text += " important"
					}
					_, err := m.Append(context.Background(), Input{
						Role:      "user",
						Text:      text,
						Protected: rng.Intn(15) == 0,
					})
					if err != nil {
						require.True(t, errors.Is(err, content.ErrBudgetExceeded))
					}
				}
				require.NoError(t, m.Verify(), "step %d", i)

				snap := m.Snapshot()
				sum := 0
				for _, e := range snap.Entries {
					sum += e.Tokens
				}
				require.Equal(t, sum, snap.UsedTokens)
				require.LessOrEqual(t, snap.UsedTokens, cfg.MaxTokens)
			}
		})
	}
}

func TestManager_SnapshotIsCopy(t *testing.T) {
	m := newManager(t, DefaultConfig())
	mustAppend(t, m, Input{Role: "user", Text: "hello"})

	snap := m.Snapshot()
	snap.Entries[0].Text = "mutated"
	assert.Equal(t, "hello", m.Snapshot().Entries[0].Text)
}

func TestManager_RestoreAndReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 100
	m := newManager(t, cfg)

	require.NoError(t, m.Restore([]Entry{{Role: "a", Tokens: 40}, {Role: "b", Tokens: 50}}))
	assert.Equal(t, 90, m.Snapshot().UsedTokens)
	assert.Equal(t, StateNearCapacity, m.State())

	assert.Error(t, m.Restore([]Entry{{Role: "a", Tokens: 400}}))
	assert.Equal(t, 90, m.Snapshot().UsedTokens)

	m.Reset()
	assert.Equal(t, 0, m.Snapshot().UsedTokens)
	assert.Empty(t, m.Snapshot().Entries)
}

func TestManager_MessageOverheadAndClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageOverhead = 3
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m := newManager(t, cfg, WithClock(func() time.Time { return fixed }))

	res := mustAppend(t, m, Input{Role: "user", Text: "abcdefgh"})
	assert.Equal(t, 5, res.Entry.Tokens)
	assert.Equal(t, fixed, res.Entry.AddedAt)
}

func TestExtractiveSummarizer(t *testing.T) {
	s, err := NewExtractiveSummarizer(nil, 1)
	require.NoError(t, err)

	text, err := s.Summarize(context.Background(), []Entry{
		{Role: "user", Text: "\n\nPlease refactor the parser.\nIt is slow."},
		{Role: "assistant", Text: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summary of 2 earlier entries:\n- user: Please refactor the parser.\n- assistant: (empty)", text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Summarize(ctx, []Entry{{Role: "user", Text: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}
