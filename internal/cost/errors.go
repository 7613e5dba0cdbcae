// Package cost converts token usage into money, keeps a bounded usage
// history and raises edge-triggered warnings against a daily budget.
package cost

import "errors"

// Cost errors.
var (
	// ErrUnknownModel indicates usage for a model with no pricing entry.
	// Such usage is not recorded.
	ErrUnknownModel = errors.New("cost: no pricing for model")

	// ErrInvalidUsage indicates negative or inconsistent token counts, or a
	// cost that is negative or not finite.
	ErrInvalidUsage = errors.New("cost: invalid usage record")
)
