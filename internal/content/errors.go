// Package content defines the units the budget engine reasons about and the
// error taxonomy shared by every engine component.
package content

import "errors"

// Engine errors.
var (
	// ErrConfigInvalid indicates a budget, pricing or component configuration
	// that cannot be used. It is only returned from constructors.
	ErrConfigInvalid = errors.New("ctxbudget: invalid configuration")

	// ErrParseFailure indicates structured content that could not be parsed.
	// Condensation recovers from it by falling back to generic truncation.
	ErrParseFailure = errors.New("ctxbudget: content could not be parsed")

	// ErrBudgetExceeded indicates a single entry larger than the window
	// ceiling. The entry is admitted in truncated form.
	ErrBudgetExceeded = errors.New("ctxbudget: entry exceeds window budget")

	// ErrEstimationDegraded indicates that no precise tokenizer was available
	// and an approximate estimate is in use.
	ErrEstimationDegraded = errors.New("ctxbudget: token estimation degraded to approximation")
)
