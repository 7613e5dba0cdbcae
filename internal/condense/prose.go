package condense

import (
	"strings"
)

// ProseStrategy reduces markdown-like prose to its outline: every heading,
// the first prose line under it, and fenced blocks verbatim.
type ProseStrategy struct{}

// NewProseStrategy creates a ProseStrategy.
func NewProseStrategy() *ProseStrategy {
	return &ProseStrategy{}
}

// Method implements Strategy.
func (s *ProseStrategy) Method() string { return MethodProse }

type proseSection struct {
	heading string
	body    []string
}

// Condense implements Strategy. Text without headings has no outline and is
// left to the generic strategy.
func (s *ProseStrategy) Condense(text, _ string) (string, error) {
	sections, headings := splitSections(text)
	if headings == 0 {
		return "", errNoStructure
	}

	var out []string
	for _, sec := range sections {
		if sec.heading != "" {
			if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
				out = append(out, "")
			}
			out = append(out, sec.heading)
		}
		out = append(out, outlineBody(sec.body)...)
	}
	return strings.TrimRight(strings.Join(collapseBlankRuns(out), "\n"), "\n"), nil
}

// splitSections groups lines under ATX headings. Text before the first
// heading is an untitled section. Heading-like lines inside fences are body.
func splitSections(text string) ([]proseSection, int) {
	var sections []proseSection
	current := proseSection{}
	headings := 0
	fence := ""

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			current.body = append(current.body, line)
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if marker := fenceMarker(trimmed); marker != "" {
			fence = marker
			current.body = append(current.body, line)
			continue
		}
		if isHeading(trimmed) {
			if current.heading != "" || len(current.body) > 0 {
				sections = append(sections, current)
			}
			current = proseSection{heading: line}
			headings++
			continue
		}
		current.body = append(current.body, line)
	}
	if current.heading != "" || len(current.body) > 0 {
		sections = append(sections, current)
	}
	return sections, headings
}

func isHeading(trimmed string) bool {
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return false
	}
	return level == len(trimmed) || trimmed[level] == ' ' || trimmed[level] == '\t'
}

// fenceMarker returns the run of backticks or tildes opening a fence.
func fenceMarker(trimmed string) string {
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(trimmed) && trimmed[n] == ch {
			n++
		}
		if n >= 3 {
			return trimmed[:n]
		}
	}
	return ""
}

// outlineBody keeps the first non-empty prose line and every fenced block of
// a section. Fences never count as the lead line, so a section that opens
// with a code block still keeps the first line of prose after it.
func outlineBody(body []string) []string {
	var out []string
	fence := ""
	kept := false

	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			out = append(out, line)
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if marker := fenceMarker(trimmed); marker != "" {
			fence = marker
			if len(out) > 0 {
				out = append(out, "")
			}
			out = append(out, line)
			continue
		}
		if trimmed == "" || kept {
			continue
		}
		kept = true
		out = append(out, line)
	}
	return out
}
