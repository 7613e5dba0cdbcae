package window

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

// Entry is one admitted item of the window.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	Protected bool      `json:"protected,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

// Input is a candidate entry.
type Input struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Protected bool   `json:"protected,omitempty"`
	// Tokens overrides the estimate when positive, for callers that know
	// the real count.
	Tokens int `json:"tokens,omitempty"`
}

// Snapshot is a read-only copy of the window.
type Snapshot struct {
	MaxTokens  int     `json:"max_tokens"`
	UsedTokens int     `json:"used_tokens"`
	State      State   `json:"state"`
	Policy     Policy  `json:"policy"`
	Entries    []Entry `json:"entries"`
}

// Eviction reports what one eviction pass removed.
type Eviction struct {
	Policy        Policy `json:"policy"`
	Removed       int    `json:"removed"`
	RemovedTokens int    `json:"removed_tokens"`
	Summarized    bool   `json:"summarized,omitempty"`
	// FellBack is set when the configured policy could not reach its target
	// and the truncate policy finished the job.
	FellBack bool `json:"fell_back,omitempty"`
}

// AppendResult describes one Append.
type AppendResult struct {
	Entry    Entry     `json:"entry"`
	Before   State     `json:"before"`
	After    State     `json:"after"`
	Eviction *Eviction `json:"eviction,omitempty"`
}

// Summarizer condenses a block of entries into one summary text.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// Manager owns one window. Mutating calls are serialized internally; reads
// return copies and are never blocked by a running summarizer.
type Manager struct {
	// writeMu serializes mutations. mu guards entries and used; a mutation
	// holds it only while reading or committing, not while summarizing.
	writeMu    sync.Mutex
	mu         sync.RWMutex
	config     Config
	estimator  tokens.Estimator
	summarizer Summarizer
	logger     zerolog.Logger
	now        func() time.Time

	entries []Entry
	used    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer sets the summarizer for the summarize policy.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) {
		m.summarizer = s
	}
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock sets the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates an empty window.
func New(config Config, est tokens.Estimator, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		est = tokens.Default()
	}
	m := &Manager{
		config:    config,
		estimator: est,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the window configuration.
func (m *Manager) Config() Config {
	return m.config
}

// State returns the current fill state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(0)
}

// StateFor returns the state the window would be in if an entry of the
// given size were appended now.
func (m *Manager) StateFor(incoming int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(incoming)
}

func (m *Manager) stateLocked(incoming int) State {
	if incoming > 0 && m.used+incoming > m.config.MaxTokens {
		return StateOverflowing
	}
	if float64(m.used)/float64(m.config.MaxTokens) >= m.config.NearCapacityRatio {
		return StateNearCapacity
	}
	return StateNominal
}

// Snapshot returns a copy of the window.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	return Snapshot{
		MaxTokens:  m.config.MaxTokens,
		UsedTokens: m.used,
		State:      m.stateLocked(0),
		Policy:     m.config.Policy,
		Entries:    entries,
	}
}

// Estimate returns the token cost an entry with text would have.
func (m *Manager) Estimate(text string) int {
	return m.estimator.Estimate(text) + m.config.MessageOverhead
}

// Append admits an entry, evicting first if it would overflow the window.
// If the entry alone exceeds what maximal eviction can free, its text is
// truncated to fit and a *BudgetExceededError is returned along with the
// admitted entry. The entry is never dropped.
func (m *Manager) Append(ctx context.Context, in Input) (AppendResult, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	entry := Entry{
		Role:      in.Role,
		Text:      in.Text,
		Tokens:    in.Tokens,
		Protected: in.Protected,
		AddedAt:   m.now(),
	}
	if entry.Tokens <= 0 {
		entry.Tokens = m.Estimate(in.Text)
	}

	res := AppendResult{Before: m.StateFor(entry.Tokens)}
	var ev Eviction
	if res.Before == StateOverflowing {
		ev = m.evict(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if res.Before == StateOverflowing {
		if m.used+entry.Tokens > m.config.MaxTokens {
			n, t := m.dropOldestLocked(func(used int) bool { return used+entry.Tokens <= m.config.MaxTokens })
			ev.Removed += n
			ev.RemovedTokens += t
			if n > 0 {
				ev.FellBack = ev.FellBack || ev.Policy != PolicyTruncate
			}
		}
		res.Eviction = &ev
		m.logger.Info().
			Str("policy", string(ev.Policy)).
			Int("removed", ev.Removed).
			Int("removed_tokens", ev.RemovedTokens).
			Bool("summarized", ev.Summarized).
			Int("used", m.used).
			Int("max", m.config.MaxTokens).
			Msg("window: evicted entries")
	}

	var exceeded *BudgetExceededError
	if available := m.config.MaxTokens - m.used; entry.Tokens > available {
		exceeded = &BudgetExceededError{Requested: entry.Tokens, MaxTokens: m.config.MaxTokens}
		entry.Text, entry.Tokens = m.fit(entry.Text, available)
		entry.Truncated = true
		exceeded.Admitted = entry.Tokens
		m.logger.Warn().
			Int("requested", exceeded.Requested).
			Int("admitted", exceeded.Admitted).
			Msg("window: entry truncated to fit")
	}

	m.entries = append(m.entries, entry)
	m.used += entry.Tokens
	m.mustRecountLocked()

	res.Entry = entry
	res.After = m.stateLocked(0)
	if res.Before != res.After {
		m.logger.Info().
			Str("from", string(res.Before)).
			Str("to", string(res.After)).
			Int("used", m.used).
			Msg("window: state changed")
	}
	if exceeded != nil {
		return res, exceeded
	}
	return res, nil
}

// fit truncates text so that its entry cost is at most available tokens.
func (m *Manager) fit(text string, available int) (string, int) {
	budget := available - m.config.MessageOverhead
	if budget <= 0 {
		return "", min(m.config.MessageOverhead, max(available, 0))
	}
	cut := tokens.TruncateToTokens(m.estimator, text, budget)
	return cut, m.estimator.Estimate(cut) + m.config.MessageOverhead
}

// Compact runs the configured eviction policy immediately.
func (m *Manager) Compact(ctx context.Context) Eviction {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ev := m.evict(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustRecountLocked()
	return ev
}

// Reset clears the window.
func (m *Manager) Reset() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.used = 0
}

// Restore replaces the window contents, for example from a persisted
// snapshot. Entries that together exceed the ceiling are rejected.
func (m *Manager) Restore(entries []Entry) error {
	total := 0
	for _, e := range entries {
		if e.Tokens < 0 {
			return fmt.Errorf("window: restore: negative token count for %q entry", e.Role)
		}
		total += e.Tokens
	}
	if total > m.config.MaxTokens {
		return fmt.Errorf("window: restore: %d tokens exceed ceiling %d", total, m.config.MaxTokens)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]Entry, len(entries))
	copy(m.entries, entries)
	m.used = total
	return nil
}

// Verify recomputes the used token count from the entries and checks it
// matches and fits the ceiling.
func (m *Manager) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifyLocked()
}

func (m *Manager) verifyLocked() error {
	sum := 0
	for _, e := range m.entries {
		sum += e.Tokens
	}
	if sum != m.used {
		return fmt.Errorf("%w: stored %d, recomputed %d", ErrDrift, m.used, sum)
	}
	if m.used > m.config.MaxTokens {
		return fmt.Errorf("window: used %d exceeds ceiling %d", m.used, m.config.MaxTokens)
	}
	return nil
}

// mustRecountLocked panics on drift. Every mutation keeps the count exact,
// so a mismatch is a programming error.
func (m *Manager) mustRecountLocked() {
	if err := m.verifyLocked(); err != nil {
		panic(err)
	}
}

func (m *Manager) targetTokens() int {
	return int(float64(m.config.MaxTokens) * m.config.TruncateTarget)
}

// evict runs the configured policy. The caller holds writeMu but not mu.
func (m *Manager) evict(ctx context.Context) Eviction {
	if m.config.Policy == PolicySummarize {
		return m.summarize(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.Policy == PolicySelective {
		return m.selectiveLocked()
	}
	return m.truncateLocked()
}

func (m *Manager) truncateLocked() Eviction {
	target := m.targetTokens()
	n, t := m.dropOldestLocked(func(used int) bool { return used <= target })
	return Eviction{Policy: PolicyTruncate, Removed: n, RemovedTokens: t}
}

// dropOldestLocked removes the oldest unprotected entries until done
// reports true or none are left.
func (m *Manager) dropOldestLocked(done func(used int) bool) (removed, removedTokens int) {
	kept := m.entries[:0]
	for i, e := range m.entries {
		if !done(m.used) && !e.Protected {
			m.used -= e.Tokens
			removed++
			removedTokens += e.Tokens
			continue
		}
		kept = append(kept, m.entries[i])
	}
	m.entries = kept
	return removed, removedTokens
}

func (m *Manager) selectiveLocked() Eviction {
	keepFrom := len(m.entries) - m.config.KeepRecent
	keep := make([]bool, len(m.entries))
	for i, e := range m.entries {
		keep[i] = e.Protected || i >= keepFrom || m.important(e.Text)
	}
	paired := make([]bool, len(m.entries))
	if m.config.KeepAnswers {
		for i := range m.entries {
			paired[i] = !keep[i] && answers(m.entries, keep, i)
		}
	}

	kept := m.entries[:0]
	ev := Eviction{Policy: PolicySelective}
	for i, e := range m.entries {
		switch {
		case keep[i]:
		case paired[i]:
			before := e.Tokens
			e = m.trimAnswer(e)
			m.used -= before - e.Tokens
			ev.RemovedTokens += before - e.Tokens
		default:
			m.used -= e.Tokens
			ev.Removed++
			ev.RemovedTokens += e.Tokens
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept

	if target := m.targetTokens(); m.used > target {
		n, t := m.dropOldestLocked(func(used int) bool { return used <= target })
		ev.Removed += n
		ev.RemovedTokens += t
		ev.FellBack = n > 0
	}
	return ev
}

// answers reports whether entry i is the assistant reply to a kept user
// entry directly before it.
func answers(entries []Entry, keep []bool, i int) bool {
	return i > 0 && keep[i-1] &&
		entries[i-1].Role == content.RoleUser && entries[i].Role == content.RoleAssistant
}

// trimAnswer shortens an answer kept only for its question to
// AnswerMaxTokens.
func (m *Manager) trimAnswer(e Entry) Entry {
	if m.config.AnswerMaxTokens == 0 || e.Tokens <= m.config.AnswerMaxTokens {
		return e
	}
	text, n := m.fit(e.Text, m.config.AnswerMaxTokens)
	if n >= e.Tokens {
		return e
	}
	e.Text, e.Tokens, e.Truncated = text, n, true
	return e
}

func (m *Manager) important(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range m.config.ImportanceKeywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// summarize replaces the oldest contiguous block of unprotected entries
// with one summary entry. The block grows until removing it would reach the
// truncate target. Without a summarizer, or when it fails, the truncate
// policy runs instead. The summarizer runs without mu held; writeMu keeps
// the block stable until the commit.
func (m *Manager) summarize(ctx context.Context) Eviction {
	fallback := func(reason string, err error) Eviction {
		m.logger.Debug().Err(err).Str("reason", reason).Msg("window: summarize fell back to truncate")
		m.mu.Lock()
		defer m.mu.Unlock()
		ev := m.truncateLocked()
		ev.FellBack = true
		return ev
	}
	if m.summarizer == nil {
		return fallback("no summarizer", nil)
	}

	m.mu.RLock()
	start, end, freed := m.summaryBlockLocked()
	block := append([]Entry(nil), m.entries[start:end]...)
	m.mu.RUnlock()
	if len(block) == 0 {
		return Eviction{Policy: PolicySummarize}
	}

	text, err := m.summarizer.Summarize(ctx, block)
	if err != nil {
		return fallback("summarizer failed", err)
	}

	// The summary may never cost more than half of what it replaces.
	summary := Entry{Role: SummaryRole, AddedAt: m.now()}
	summary.Text, summary.Tokens = m.fit(text, freed/2)
	if summary.Text == "" {
		return fallback("empty summary", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, 0, len(m.entries)-len(block)+1)
	entries = append(entries, m.entries[:start]...)
	entries = append(entries, summary)
	entries = append(entries, m.entries[end:]...)
	m.entries = entries
	m.used = m.used - freed + summary.Tokens

	return Eviction{
		Policy:        PolicySummarize,
		Removed:       len(block),
		RemovedTokens: freed - summary.Tokens,
		Summarized:    true,
	}
}

// summaryBlockLocked finds the block summarize replaces. An empty block
// means every entry is protected.
func (m *Manager) summaryBlockLocked() (start, end, freed int) {
	start = len(m.entries)
	for i, e := range m.entries {
		if !e.Protected {
			start = i
			break
		}
	}
	target := m.targetTokens()
	end = start
	for end < len(m.entries) && !m.entries[end].Protected {
		freed += m.entries[end].Tokens
		end++
		if m.used-freed <= target {
			break
		}
	}
	return start, end, freed
}
