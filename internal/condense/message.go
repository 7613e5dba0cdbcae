package condense

import (
	"strings"
)

// MessageStrategy keeps conversational prose and condenses the fenced code
// blocks inside a message with the source strategy.
type MessageStrategy struct {
	source *SourceStrategy
}

// NewMessageStrategy creates a MessageStrategy.
func NewMessageStrategy(source *SourceStrategy) *MessageStrategy {
	return &MessageStrategy{source: source}
}

// Method implements Strategy.
func (s *MessageStrategy) Method() string { return MethodMessage }

// Condense implements Strategy. Messages without fenced code are returned to
// the dispatcher as unstructured.
func (s *MessageStrategy) Condense(text, _ string) (string, error) {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	fences := 0

	for i := 0; i < len(lines); i++ {
		marker := fenceMarker(strings.TrimSpace(lines[i]))
		if marker == "" {
			out = append(out, lines[i])
			continue
		}

		lang := strings.TrimSpace(strings.TrimSpace(lines[i])[len(marker):])
		if f := strings.Fields(lang); len(f) > 0 {
			lang = f[0]
		}
		end := i + 1
		for end < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[end]), marker) {
			end++
		}
		if end >= len(lines) {
			// Unclosed fence: keep the remainder as is.
			out = append(out, lines[i:]...)
			break
		}
		fences++

		out = append(out, lines[i])
		code := strings.Join(lines[i+1:end], "\n")
		if condensed, err := s.source.Condense(code, lang); err == nil {
			out = append(out, condensed)
		} else if code != "" {
			out = append(out, code)
		}
		out = append(out, lines[end])
		i = end
	}

	if fences == 0 {
		return "", errNoStructure
	}
	return strings.Join(out, "\n"), nil
}
