package condense

import (
	"strings"
)

var commentPrefixes = []string{"#", ";", "//", "--", "!"}

// ConfigStrategy strips comments and blank lines from configuration text.
// Comments mentioning an importance keyword survive.
type ConfigStrategy struct {
	keywords []string
}

// NewConfigStrategy creates a ConfigStrategy. Keyword matching is case
// insensitive.
func NewConfigStrategy(keywords []string) *ConfigStrategy {
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	return &ConfigStrategy{keywords: lower}
}

// Method implements Strategy.
func (s *ConfigStrategy) Method() string { return MethodConfig }

// Condense implements Strategy.
func (s *ConfigStrategy) Condense(text, _ string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errNoStructure
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isComment(trimmed) && !s.important(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}

func isComment(trimmed string) bool {
	for _, p := range commentPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

func (s *ConfigStrategy) important(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
