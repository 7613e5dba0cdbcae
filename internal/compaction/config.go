package compaction

import (
	"errors"
	"fmt"

	"ctxbudget/internal/content"
)

// Default prompts.
const (
	defaultSummaryPrompt = `Summarize the following conversation history concisely, preserving key information, decisions, and context that would be important for continuing the conversation. Focus on:
1. Main topics discussed
2. Key decisions or conclusions reached
3. Important facts or data mentioned
4. Any pending tasks or questions

Conversation to summarize:
%s

Provide a concise summary:`

	defaultMergePrompt = `The following are summaries of consecutive parts of one conversation. Merge them into a single concise summary, keeping every decision, fact and open task.

Summaries:
%s

Merged summary:`
)

// Config holds configuration for model-backed summarization.
type Config struct {
	// SummaryMaxTokens is the maximum tokens requested for each summary.
	// Default: 500
	SummaryMaxTokens int `json:"summary_max_tokens"`

	// ChunkMaxTokens is the maximum tokens per chunk sent to the model.
	// Default: 4000
	ChunkMaxTokens int `json:"chunk_max_tokens"`

	// EntryOverhead is the per-entry framing cost counted when chunking.
	// Default: 4
	EntryOverhead int `json:"entry_overhead"`

	// Prompt is the chunk summary prompt. It must contain one %s verb.
	Prompt string `json:"prompt"`

	// MergePrompt combines chunk summaries when there is more than one and
	// together they exceed SummaryMaxTokens. It must contain one %s verb.
	MergePrompt string `json:"merge_prompt"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SummaryMaxTokens: 500,
		ChunkMaxTokens:   4000,
		EntryOverhead:    4,
		Prompt:           defaultSummaryPrompt,
		MergePrompt:      defaultMergePrompt,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SummaryMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("summary_max_tokens must be positive, got %d", c.SummaryMaxTokens))
	}
	if c.ChunkMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunk_max_tokens must be positive, got %d", c.ChunkMaxTokens))
	}
	if c.EntryOverhead < 0 {
		errs = append(errs, fmt.Errorf("entry_overhead must be >= 0, got %d", c.EntryOverhead))
	}
	if c.Prompt == "" {
		errs = append(errs, errors.New("prompt must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: compaction: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}
