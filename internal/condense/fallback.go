package condense

import (
	"fmt"
	"strings"
)

// FallbackStrategy keeps a head window, a sample from the middle and a tail
// window. Text at or under the small-line threshold passes through.
type FallbackStrategy struct {
	small  int
	head   int
	middle int
	tail   int
}

// NewFallbackStrategy creates a FallbackStrategy from the generic limits in
// config.
func NewFallbackStrategy(config Config) *FallbackStrategy {
	return &FallbackStrategy{
		small:  config.SmallLineThreshold,
		head:   config.HeadLines,
		middle: config.MiddleLines,
		tail:   config.TailLines,
	}
}

// Method implements Strategy.
func (s *FallbackStrategy) Method() string { return MethodFallback }

// Condense implements Strategy. It never fails.
func (s *FallbackStrategy) Condense(text, _ string) (string, error) {
	lines := strings.Split(text, "\n")
	if len(lines) <= s.small || len(lines) <= s.head+s.middle+s.tail {
		return text, nil
	}

	head := lines[:s.head]
	tail := lines[len(lines)-s.tail:]
	rest := lines[s.head : len(lines)-s.tail]

	midStart := (len(rest) - s.middle) / 2
	middle := rest[midStart : midStart+s.middle]
	before := midStart
	after := len(rest) - midStart - s.middle

	out := make([]string, 0, s.head+s.middle+s.tail+2)
	out = append(out, head...)
	if s.middle == 0 {
		out = append(out, omitted(len(rest)))
	} else {
		out = append(out, omitted(before))
		out = append(out, middle...)
		out = append(out, omitted(after))
	}
	out = append(out, tail...)
	return strings.Join(out, "\n"), nil
}

func omitted(n int) string {
	return fmt.Sprintf("... [%d lines omitted] ...", n)
}
