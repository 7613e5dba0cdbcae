package condense

import (
	"fmt"
	"strings"
)

// maxSignatureLines bounds how far a declaration may span before its body
// opens. Anything longer is treated as a declaration without a body.
const maxSignatureLines = 8

// syntax describes the few structural facts the source strategy needs about a
// language. It is deliberately small: prefixes and a block style, no grammar.
type syntax struct {
	imports []string
	funcs   []string
	braces  bool
	comment string
}

var containerWords = map[string]bool{
	"class": true, "interface": true, "struct": true, "enum": true, "trait": true,
	"impl": true, "namespace": true, "record": true, "object": true, "union": true,
	"module": true,
}

var controlWords = []string{
	"if", "else", "for", "while", "switch", "select", "catch", "try", "do",
	"finally", "return", "case", "default", "match", "loop", "defer", "go",
}

var syntaxes = map[string]syntax{
	"go": {
		imports: []string{"package ", "import "},
		funcs:   []string{"func "},
		braces:  true,
		comment: "//",
	},
	"typescript": {
		imports: []string{"import ", "export * ", "export {", "export type {"},
		funcs: []string{
			"function ", "async function ", "export function ", "export async function ",
			"export default function ", "export default async function ",
		},
		braces:  true,
		comment: "//",
	},
	"python": {
		imports: []string{"import ", "from ", "__all__"},
		funcs:   []string{"def ", "async def "},
		braces:  false,
		comment: "#",
	},
	"rust": {
		imports: []string{"use ", "pub use ", "mod ", "pub mod ", "extern crate "},
		funcs: []string{
			"fn ", "pub fn ", "pub(crate) fn ", "async fn ", "pub async fn ",
			"unsafe fn ", "pub unsafe fn ", "const fn ", "pub const fn ",
		},
		braces:  true,
		comment: "//",
	},
	"java": {
		imports: []string{"import ", "package ", "using "},
		braces:  true,
		comment: "//",
	},
	"c": {
		imports: []string{"#include", "#import", "#pragma", "using namespace", "import "},
		braces:  true,
		comment: "//",
	},
}

var languageAliases = map[string]string{
	"go": "go", "golang": "go",
	"ts": "typescript", "tsx": "typescript", "typescript": "typescript",
	"js": "typescript", "jsx": "typescript", "javascript": "typescript", "mjs": "typescript", "cjs": "typescript",
	"py": "python", "python": "python",
	"rs": "rust", "rust": "rust",
	"java": "java", "kotlin": "java", "kt": "java", "csharp": "java", "cs": "java", "c#": "java", "scala": "java", "swift": "java",
	"c": "c", "h": "c", "cpp": "c", "c++": "c", "cc": "c", "hpp": "c", "objc": "c",
}

// genericSyntax merges every table so unknown languages still keep their
// imports. Block style is decided per text.
func genericSyntax(text string) syntax {
	s := syntax{comment: "//"}
	seen := map[string]bool{}
	for _, name := range []string{"go", "typescript", "python", "rust", "java", "c"} {
		for _, p := range syntaxes[name].imports {
			if !seen[p] {
				seen[p] = true
				s.imports = append(s.imports, p)
			}
		}
	}
	s.braces = strings.Contains(text, "{")
	if s.braces {
		s.funcs = []string{"func ", "function ", "fn "}
	} else {
		s.funcs = []string{"def ", "async def ", "function ", "fn ", "func "}
		s.comment = "#"
	}
	return s
}

func syntaxFor(language, text string) syntax {
	if name, ok := languageAliases[strings.ToLower(strings.TrimSpace(language))]; ok {
		return syntaxes[name]
	}
	return genericSyntax(text)
}

// SourceStrategy keeps imports, exports and declaration signatures, and
// replaces long function bodies with a placeholder.
type SourceStrategy struct {
	bodyThreshold int
}

// NewSourceStrategy creates a SourceStrategy.
func NewSourceStrategy(bodyThreshold int) *SourceStrategy {
	return &SourceStrategy{bodyThreshold: bodyThreshold}
}

// Method implements Strategy.
func (s *SourceStrategy) Method() string { return MethodSource }

// Condense implements Strategy.
func (s *SourceStrategy) Condense(text, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errNoStructure
	}
	syn := syntaxFor(language, text)
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			out = append(out, line)
			continue
		}

		if isImport(syn, trimmed) {
			out = append(out, line)
			// Parenthesized import groups run until the closing paren.
			if strings.HasSuffix(trimmed, "(") {
				for i+1 < len(lines) {
					i++
					out = append(out, lines[i])
					if strings.HasPrefix(strings.TrimSpace(lines[i]), ")") {
						break
					}
				}
			}
			continue
		}

		if !isFunction(syn, trimmed) {
			out = append(out, line)
			continue
		}

		var sigEnd, bodyEnd, closeLine int
		var ok bool
		if syn.braces {
			sigEnd, closeLine, ok = braceBody(lines, i)
			bodyEnd = closeLine - 1
		} else {
			sigEnd, bodyEnd, ok = indentBody(lines, i)
			closeLine = -1
		}
		if !ok {
			out = append(out, line)
			continue
		}

		bodyLines := bodyEnd - sigEnd
		if bodyLines <= s.bodyThreshold {
			last := min(max(bodyEnd, closeLine), len(lines)-1)
			out = append(out, lines[i:last+1]...)
			i = last
			continue
		}

		out = append(out, lines[i:sigEnd+1]...)
		indent := bodyIndent(lines, sigEnd+1, bodyEnd, leadingSpace(line))
		if syn.braces {
			out = append(out, fmt.Sprintf("%s%s ... %d lines omitted", indent, syn.comment, bodyLines))
			if closeLine >= 0 && closeLine < len(lines) && closeLine != sigEnd {
				out = append(out, lines[closeLine])
			}
			i = max(closeLine, bodyEnd)
		} else {
			out = append(out, fmt.Sprintf("%s...  # %d lines omitted", indent, bodyLines))
			i = bodyEnd
		}
	}

	return strings.Join(collapseBlankRuns(out), "\n"), nil
}

func isImport(syn syntax, trimmed string) bool {
	for _, p := range syn.imports {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	if strings.Contains(trimmed, "require(") && (strings.HasPrefix(trimmed, "const ") || strings.HasPrefix(trimmed, "var ") || strings.HasPrefix(trimmed, "let ")) {
		return true
	}
	return false
}

// isFunction reports whether a line starts a function-like declaration whose
// body may be collapsed. Containers (classes, structs, impls) are not
// function-like: their members are scanned individually.
func isFunction(syn syntax, trimmed string) bool {
	if isContainer(trimmed) {
		return false
	}
	for _, p := range syn.funcs {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	if !syn.braces {
		return false
	}
	if !strings.HasSuffix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
		return false
	}
	first := firstWord(trimmed)
	for _, w := range controlWords {
		if first == w {
			return false
		}
	}
	if strings.Contains(trimmed, "=>") {
		return true
	}
	open := strings.Index(trimmed, "(")
	if open <= 0 {
		return false
	}
	// "x = foo(...) {" style assignments are not declarations.
	if eq := strings.Index(trimmed, "="); eq >= 0 && eq < open {
		return false
	}
	return true
}

func isContainer(trimmed string) bool {
	head := trimmed
	if idx := strings.IndexAny(head, "({="); idx >= 0 {
		head = head[:idx]
	}
	for _, w := range strings.Fields(head) {
		if containerWords[w] {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

// braceBody locates a brace-delimited body starting at line start. It returns
// the line that opens the body, the line that closes it, and whether a body
// was found at all.
func braceBody(lines []string, start int) (sigEnd, closeLine int, ok bool) {
	var sc braceScanner
	depth := 0
	opened := false
	for j := start; j < len(lines); j++ {
		o, c := sc.count(lines[j])
		if !opened {
			if o == 0 {
				t := strings.TrimSpace(lines[j])
				if strings.HasSuffix(t, ";") || j-start >= maxSignatureLines {
					return 0, 0, false
				}
				continue
			}
			opened = true
			sigEnd = j
		}
		depth += o - c
		if depth <= 0 {
			return sigEnd, j, true
		}
	}
	if !opened {
		return 0, 0, false
	}
	// Unterminated body runs to the end of the text.
	return sigEnd, len(lines), true
}

// indentBody locates an indentation-delimited body (Python style).
func indentBody(lines []string, start int) (sigEnd, bodyEnd int, ok bool) {
	sigEnd = -1
	for j := start; j < len(lines) && j-start < maxSignatureLines; j++ {
		code := stripHashComment(lines[j])
		if strings.HasSuffix(strings.TrimSpace(code), ":") {
			sigEnd = j
			break
		}
	}
	if sigEnd < 0 {
		return 0, 0, false
	}
	declIndent := len(leadingSpace(lines[start]))
	bodyEnd = sigEnd
	for j := sigEnd + 1; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "" {
			continue
		}
		if len(leadingSpace(lines[j])) <= declIndent {
			break
		}
		bodyEnd = j
	}
	return sigEnd, bodyEnd, true
}

func stripHashComment(line string) string {
	inQuote := rune(0)
	for i, r := range line {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			}
		case r == '"' || r == '\'':
			inQuote = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

func leadingSpace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func bodyIndent(lines []string, from, to int, declIndent string) string {
	for j := from; j <= to && j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) != "" {
			if ind := leadingSpace(lines[j]); len(ind) > len(declIndent) {
				return ind
			}
			break
		}
	}
	if strings.Contains(declIndent, "\t") || declIndent == "" {
		return declIndent + "\t"
	}
	return declIndent + "    "
}

// collapseBlankRuns shortens runs of three or more blank lines to two.
func collapseBlankRuns(lines []string) []string {
	out := lines[:0:0]
	blank := 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 2 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return out
}

// braceScanner counts braces outside string literals and comments. Block
// comment state carries across lines.
type braceScanner struct {
	inBlockComment bool
}

func (s *braceScanner) count(line string) (open, closed int) {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if s.inBlockComment {
			if ch == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.inBlockComment = false
				i++
			}
			continue
		}
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '`':
			quote = ch
		case '\'':
			// Only character literals; Rust lifetimes are not quotes.
			if (i+2 < len(line) && line[i+2] == '\'') || (i+1 < len(line) && line[i+1] == '\\') {
				quote = ch
			}
		case '/':
			if i+1 < len(line) {
				if line[i+1] == '/' {
					return open, closed
				}
				if line[i+1] == '*' {
					s.inBlockComment = true
					i++
				}
			}
		case '{':
			open++
		case '}':
			closed++
		}
	}
	return open, closed
}
