// Package compaction summarizes blocks of window entries with a language
// model, for the summarize eviction policy.
package compaction

import "errors"

// Compaction errors.
var (
	// ErrSummaryFailed indicates that summary generation failed.
	ErrSummaryFailed = errors.New("compaction: summary generation failed")

	// ErrNoCompleter indicates that no completer is configured for summarization.
	ErrNoCompleter = errors.New("compaction: completer not configured")

	// ErrNothingToSummarize indicates an empty block of entries.
	ErrNothingToSummarize = errors.New("compaction: nothing to summarize")
)
