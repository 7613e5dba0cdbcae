package window

import (
	"errors"
	"fmt"

	"ctxbudget/internal/content"
)

// ErrDrift indicates the stored token count disagrees with the entries.
var ErrDrift = errors.New("window: used tokens drifted from entries")

// BudgetExceededError signals that an incoming entry did not fit even after
// maximal eviction and was admitted in truncated form.
type BudgetExceededError struct {
	Requested int
	Admitted  int
	MaxTokens int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("window: entry of %d tokens truncated to %d to fit %d-token window",
		e.Requested, e.Admitted, e.MaxTokens)
}

// Unwrap lets errors.Is match content.ErrBudgetExceeded.
func (e *BudgetExceededError) Unwrap() error {
	return content.ErrBudgetExceeded
}
