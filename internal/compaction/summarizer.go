package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"ctxbudget/internal/tokens"
	"ctxbudget/internal/window"
)

// Completion is one model response.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Completer is the model collaborator. Implementations own the provider
// wire format, retries and authentication.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string, maxTokens int) (Completion, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	return f(ctx, prompt, maxTokens)
}

// UsageFunc observes the token usage of every completion, typically to
// record it with a cost accountant.
type UsageFunc func(ctx context.Context, c Completion)

// Summarizer summarizes blocks of window entries with a model. It
// implements window.Summarizer.
type Summarizer struct {
	config    Config
	completer Completer
	counter   *TokenCounter
	onUsage   UsageFunc
	logger    zerolog.Logger
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithUsage sets the usage observer.
func WithUsage(fn UsageFunc) Option {
	return func(s *Summarizer) {
		s.onUsage = fn
	}
}

// WithLogger sets the summarizer logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Summarizer) {
		s.logger = l
	}
}

// New creates a Summarizer.
func New(config Config, completer Completer, est tokens.Estimator, opts ...Option) (*Summarizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Summarizer{
		config:    config,
		completer: completer,
		counter:   NewTokenCounter(est, config.EntryOverhead),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ window.Summarizer = (*Summarizer)(nil)

// Summarize implements window.Summarizer. Entries are split into chunks of
// at most ChunkMaxTokens, each chunk is summarized, and multiple summaries
// are merged when together they exceed SummaryMaxTokens.
func (s *Summarizer) Summarize(ctx context.Context, entries []window.Entry) (string, error) {
	if s.completer == nil {
		return "", ErrNoCompleter
	}
	if len(entries) == 0 {
		return "", ErrNothingToSummarize
	}

	chunks := s.chunkEntries(entries)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := s.complete(ctx, fmt.Sprintf(s.config.Prompt, formatEntries(chunk)))
		if err != nil {
			return "", fmt.Errorf("%w: chunk %d/%d: %w", ErrSummaryFailed, i+1, len(chunks), err)
		}
		summaries = append(summaries, summary)
	}

	joined := strings.Join(summaries, "\n\n")
	if len(summaries) > 1 && s.config.MergePrompt != "" && s.counter.EstimateText(joined) > s.config.SummaryMaxTokens {
		merged, err := s.complete(ctx, fmt.Sprintf(s.config.MergePrompt, joined))
		if err != nil {
			s.logger.Debug().Err(err).Msg("compaction: merge failed, keeping chunk summaries")
		} else {
			joined = merged
		}
	}

	s.logger.Debug().
		Int("entries", len(entries)).
		Int("chunks", len(chunks)).
		Int("summary_tokens", s.counter.EstimateText(joined)).
		Msg("compaction: summarized entries")
	return "[Previous conversation summary]\n" + joined, nil
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	c, err := s.completer.Complete(ctx, prompt, s.config.SummaryMaxTokens)
	if err != nil {
		return "", err
	}
	if s.onUsage != nil {
		s.onUsage(ctx, c)
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// chunkEntries splits entries into chunks based on the token limit. An
// entry larger than the limit forms a chunk of its own.
func (s *Summarizer) chunkEntries(entries []window.Entry) [][]window.Entry {
	var chunks [][]window.Entry
	var current []window.Entry
	currentTokens := 0

	for _, e := range entries {
		n := s.counter.EstimateEntries([]window.Entry{e})
		if currentTokens+n > s.config.ChunkMaxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, e)
		currentTokens += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func formatEntries(entries []window.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Role, e.Text)
	}
	return sb.String()
}
