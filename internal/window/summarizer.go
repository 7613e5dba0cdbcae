package window

import (
	"context"
	"fmt"
	"strings"

	"ctxbudget/internal/condense"
	"ctxbudget/internal/content"
)

// ExtractiveSummarizer builds summaries without a model: each entry is
// condensed as a message and its first lines are kept.
type ExtractiveSummarizer struct {
	condenser *condense.Condenser
	maxLines  int
	maxRunes  int
}

// NewExtractiveSummarizer creates an ExtractiveSummarizer keeping at most
// maxLines lines per entry. A nil condenser uses the default configuration.
func NewExtractiveSummarizer(c *condense.Condenser, maxLines int) (*ExtractiveSummarizer, error) {
	if c == nil {
		var err error
		c, err = condense.New(condense.DefaultConfig(), nil)
		if err != nil {
			return nil, err
		}
	}
	if maxLines <= 0 {
		maxLines = 2
	}
	return &ExtractiveSummarizer{condenser: c, maxLines: maxLines, maxRunes: 160}, nil
}

// Summarize implements Summarizer.
func (s *ExtractiveSummarizer) Summarize(ctx context.Context, entries []Entry) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier entries:\n", len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		u := content.NewUnit(fmt.Sprintf("entry-%d", i), e.Text, content.KindMessage, "", e.AddedAt)
		res := s.condenser.Condense(u)

		kept := 0
		for _, line := range strings.Split(res.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "```") {
				continue
			}
			if r := []rune(line); len(r) > s.maxRunes {
				line = string(r[:s.maxRunes]) + "..."
			}
			if kept == 0 {
				fmt.Fprintf(&sb, "- %s: %s\n", e.Role, line)
			} else {
				fmt.Fprintf(&sb, "  %s\n", line)
			}
			kept++
			if kept >= s.maxLines {
				break
			}
		}
		if kept == 0 {
			fmt.Fprintf(&sb, "- %s: (empty)\n", e.Role)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
