package condense

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

func newCondenser(t *testing.T) *Condenser {
	t.Helper()
	c, err := New(DefaultConfig(), tokens.Default())
	require.NoError(t, err)
	return c
}

func goSource(funcs, bodyLines int) string {
	var sb strings.Builder
	sb.WriteString("package sample\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n\n")
	for i := 0; i < funcs; i++ {
		fmt.Fprintf(&sb, "// F%d does work.\nfunc F%d(in string) string {\n", i, i)
		for j := 0; j < bodyLines; j++ {
			fmt.Fprintf(&sb, "\tin = strings.Repeat(in, %d) + fmt.Sprint(%d)\n", j, j)
		}
		sb.WriteString("\treturn in\n}\n\n")
	}
	return sb.String()
}

func countPrefixed(text, prefix string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxDepth = 0
	bad.MaxObjectKeys = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "max_depth")
	assert.Contains(t, err.Error(), "max_object_keys")

	_, err = New(bad, nil)
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
}

func TestCondenser_SourceKeepsEverySignature(t *testing.T) {
	c := newCondenser(t)
	text := goSource(7, 12)
	res := c.Condense(content.NewUnit("sample.go", text, content.KindSource, "go", testTime))

	assert.Equal(t, MethodSource, res.Method)
	assert.False(t, res.Degraded)
	assert.Equal(t, 7, countPrefixed(res.Text, "func "))
	assert.Equal(t, 7, strings.Count(res.Text, "lines omitted"))
	assert.Contains(t, res.Text, "import (")
	assert.Contains(t, res.Text, "\t\"strings\"")
	assert.Less(t, res.CondensedTokens, res.OriginalTokens)
	assert.Less(t, res.CompressionRatio, 1.0)
	assert.True(t, res.Approximate)
}

func TestSourceStrategy_ShortBodiesKept(t *testing.T) {
	s := NewSourceStrategy(6)
	text := goSource(2, 2)
	out, err := s.Condense(text, "go")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimRight(text, "\n"), strings.TrimRight(out, "\n"))
}

func TestSourceStrategy_Python(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("import os\nfrom typing import List\n\n\nclass Loader:\n    def load(self, path):\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "        path = os.path.join(path, %q)\n", fmt.Sprint(i))
	}
	sb.WriteString("        return path\n\n    def name(self):\n        return 'loader'\n")

	out, err := NewSourceStrategy(6).Condense(sb.String(), "python")
	require.NoError(t, err)
	assert.Contains(t, out, "import os")
	assert.Contains(t, out, "class Loader:")
	assert.Contains(t, out, "    def load(self, path):")
	assert.Contains(t, out, "        ...  # 11 lines omitted")
	assert.Contains(t, out, "        return 'loader'")
	assert.NotContains(t, out, "os.path.join")
}

func TestSourceStrategy_TypeScriptClass(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("import { readFile } from 'fs';\n\nexport class Store {\n  get(key: string): string {\n")
	for i := 0; i < 9; i++ {
		fmt.Fprintf(&sb, "    key = key + \"%d\";\n", i)
	}
	sb.WriteString("    return key;\n  }\n}\n")

	out, err := NewSourceStrategy(6).Condense(sb.String(), "ts")
	require.NoError(t, err)
	assert.Contains(t, out, "export class Store {")
	assert.Contains(t, out, "  get(key: string): string {")
	assert.Contains(t, out, "// ... 10 lines omitted")
	assert.NotContains(t, out, "key = key")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "}"))
}

func TestBraceScanner_IgnoresStringsAndComments(t *testing.T) {
	var sc braceScanner
	o, c := sc.count(`x := "{{" + '}' // }`)
	assert.Equal(t, 0, o)
	assert.Equal(t, 0, c)

	o, _ = sc.count("/* { */ fn f<'a>(s: &'a str) {")
	assert.Equal(t, 1, o)

	sc.count("/* open")
	o, _ = sc.count("{ still comment */ {")
	assert.Equal(t, 1, o)
}

func TestCondenser_StructuredKeyLimit(t *testing.T) {
	obj := make(map[string]int, 50)
	for i := 0; i < 50; i++ {
		obj[fmt.Sprintf("key%02d", i)] = i
	}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)

	c := newCondenser(t)
	res := c.Condense(content.NewUnit("data.json", string(raw), content.KindStructured, "json", testTime))
	require.Equal(t, MethodStructured, res.Method)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Text), &got))
	assert.Len(t, got, 21)
	assert.Equal(t, "...", got["+30 more"])
	// encoding/json sorts map keys, so the first twenty survive.
	assert.Contains(t, got, "key00")
	assert.Contains(t, got, "key19")
	assert.NotContains(t, got, "key20")
}

func TestStructuredStrategy_ArraysAndDepth(t *testing.T) {
	s := NewStructuredStrategy(2, 3, 20)

	out, err := s.Condense(`{"items":[1,2,3,4,5,6,7],"deep":{"a":{"b":{"c":1}}}}`, "json")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []any{1.0, 2.0, 3.0, "+4 more"}, got["items"])
	assert.Equal(t, map[string]any{"a": "<object: 1 keys>"}, got["deep"])
}

func TestStructuredStrategy_PreservesKeyOrderAndNumbers(t *testing.T) {
	s := NewStructuredStrategy(4, 10, 20)
	out, err := s.Condense(`{"zeta": 1.50, "alpha": 12345678901234567890}`, "")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"zeta\": 1.50,\n  \"alpha\": 12345678901234567890\n}", out)
}

func TestStructuredStrategy_YAML(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("name: demo\nitems:\n")
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&sb, "  - item%d\n", i)
	}
	out, err := NewStructuredStrategy(4, 10, 20).Condense(sb.String(), "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: demo")
	assert.Contains(t, out, "- item9")
	assert.NotContains(t, out, "item10")
	assert.Contains(t, out, "+5 more")
}

func TestStructuredStrategy_JSONC(t *testing.T) {
	out, err := NewStructuredStrategy(4, 10, 20).Condense("{\n  // comment\n  \"a\": 1,\n}", "jsonc")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", out)
}

func TestStructuredStrategy_ParseFailure(t *testing.T) {
	s := NewStructuredStrategy(4, 10, 20)
	for _, text := range []string{`{"a": [1, 2,`, `{"a": 1} trailing`, `42`} {
		_, err := s.Condense(text, "json")
		assert.True(t, errors.Is(err, content.ErrParseFailure), "input %q", text)
	}
}

func TestCondenser_MalformedStructuredDegrades(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("{\n")
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&sb, "  \"k%d\": %d,\n", i, i)
	}
	sb.WriteString("  \"broken\": [\n")

	c := newCondenser(t)
	res := c.Condense(content.NewUnit("bad.json", sb.String(), content.KindStructured, "json", testTime))
	assert.True(t, res.Degraded)
	assert.Equal(t, MethodFallback, res.Method)
	assert.Contains(t, res.Text, "lines omitted")
	assert.Less(t, res.CondensedTokens, res.OriginalTokens)
}

func TestCondenser_SmallMalformedPassesThrough(t *testing.T) {
	c := newCondenser(t)
	text := `{"a": [1, 2,`
	res := c.Condense(content.NewUnit("bad.json", text, content.KindStructured, "json", testTime))
	assert.True(t, res.Degraded)
	assert.Equal(t, MethodNone, res.Method)
	assert.Equal(t, text, res.Text)
	assert.Equal(t, 1.0, res.CompressionRatio)
}

func TestProseStrategy_Outline(t *testing.T) {
	text := strings.Join([]string{
		"Intro line one.",
		"",
		"Intro second paragraph.",
		"# Title",
		"First paragraph of title.",
		"continues here.",
		"",
		"Second paragraph dropped.",
		"",
		"```go",
		"# not a heading",
		"```",
		"## Section",
		"Only paragraph.",
		"",
		"Dropped again.",
	}, "\n")

	out, err := NewProseStrategy().Condense(text, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Intro line one.")
	assert.NotContains(t, out, "Intro second paragraph.")
	assert.Contains(t, out, "# Title")
	assert.Contains(t, out, "# Title\nFirst paragraph of title.\n\n```go")
	assert.NotContains(t, out, "continues here.")
	assert.NotContains(t, out, "Second paragraph dropped.")
	assert.Contains(t, out, "```go\n# not a heading\n```")
	assert.Contains(t, out, "## Section\nOnly paragraph.")
	assert.NotContains(t, out, "Dropped again.")
}

func TestProseStrategy_FenceDoesNotReplaceLeadLine(t *testing.T) {
	text := strings.Join([]string{
		"# Usage",
		"```sh",
		"ctxbudget select .",
		"```",
		"Prints the selected files.",
		"More detail that is dropped.",
		"",
		"```sh",
		"ctxbudget analyze .",
		"```",
	}, "\n")

	out, err := NewProseStrategy().Condense(text, "")
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"# Usage",
		"```sh",
		"ctxbudget select .",
		"```",
		"Prints the selected files.",
		"",
		"```sh",
		"ctxbudget analyze .",
		"```",
	}, "\n"), out)
}

func TestProseStrategy_NoHeadings(t *testing.T) {
	_, err := NewProseStrategy().Condense("just text\n\nmore text", "")
	assert.ErrorIs(t, err, errNoStructure)
}

func TestConfigStrategy(t *testing.T) {
	text := "# generated file\n\n[server]\n; listen address\nport = 8080\n\n# IMPORTANT: keep in sync with proxy\nhost = \"0.0.0.0\"\n// trailing\n"
	out, err := NewConfigStrategy([]string{"important"}).Condense(text, "ini")
	require.NoError(t, err)
	assert.Equal(t, "[server]\nport = 8080\n# IMPORTANT: keep in sync with proxy\nhost = \"0.0.0.0\"", out)
}

func TestFallbackStrategy(t *testing.T) {
	cfg := DefaultConfig()
	s := NewFallbackStrategy(cfg)

	short := strings.Repeat("line\n", 10)
	out, err := s.Condense(short, "")
	require.NoError(t, err)
	assert.Equal(t, short, out)

	lines := make([]string, 100)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	out, err = s.Condense(strings.Join(lines, "\n"), "")
	require.NoError(t, err)

	got := strings.Split(out, "\n")
	assert.Len(t, got, 15+10+15+2)
	assert.Equal(t, "line 0", got[0])
	assert.Equal(t, "line 14", got[14])
	assert.Equal(t, "... [30 lines omitted] ...", got[15])
	assert.Equal(t, "line 45", got[16])
	assert.Equal(t, "line 54", got[25])
	assert.Equal(t, "... [30 lines omitted] ...", got[26])
	assert.Equal(t, "line 99", got[len(got)-1])
}

func TestMessageStrategy_CondensesFencedCode(t *testing.T) {
	msg := "Here is the fix:\n\n```go\n" + goSource(2, 10) + "```\n\nLet me know if it works."
	out, err := NewMessageStrategy(NewSourceStrategy(6)).Condense(msg, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Here is the fix:")
	assert.Contains(t, out, "Let me know if it works.")
	assert.Equal(t, 2, countPrefixed(out, "func "))
	assert.Equal(t, 2, strings.Count(out, "lines omitted"))

	_, err = NewMessageStrategy(NewSourceStrategy(6)).Condense("no code here", "")
	assert.ErrorIs(t, err, errNoStructure)
}

func TestCondenser_UnknownKindUsesFallback(t *testing.T) {
	c := newCondenser(t)
	text := strings.Repeat("row\n", 200)
	res := c.Condense(content.NewUnit("x", text, content.KindUnknown, "", testTime))
	assert.Equal(t, MethodFallback, res.Method)
	assert.False(t, res.Degraded)
}

func TestCondenser_NeverGrows(t *testing.T) {
	c := newCondenser(t)
	units := []content.Unit{
		content.NewUnit("a", "", content.KindSource, "go", testTime),
		content.NewUnit("b", "x", content.KindProse, "", testTime),
		content.NewUnit("c", "{}", content.KindStructured, "json", testTime),
		content.NewUnit("d", "# only comment", content.KindConfig, "", testTime),
	}
	for _, u := range units {
		res := c.Condense(u)
		assert.LessOrEqual(t, res.CondensedTokens, res.OriginalTokens, u.ID)
		assert.LessOrEqual(t, res.CompressionRatio, 1.0, u.ID)
	}
}

type halfStrategy struct{}

func (halfStrategy) Method() string { return "custom" }
func (halfStrategy) Condense(text, _ string) (string, error) {
	return text[:len(text)/2], nil
}

func TestCondenser_WithStrategy(t *testing.T) {
	c, err := New(DefaultConfig(), nil, WithStrategy(content.KindProse, halfStrategy{}))
	require.NoError(t, err)
	res := c.Condense(content.NewUnit("p", strings.Repeat("abcd", 40), content.KindProse, "", testTime))
	assert.Equal(t, "custom", res.Method)
	assert.Equal(t, 20, res.CondensedTokens)
}

func TestCached(t *testing.T) {
	c := newCondenser(t)
	cached, err := NewCached(c, 0)
	require.NoError(t, err)

	u := content.NewUnit("a.go", goSource(3, 10), content.KindSource, "go", testTime)
	first := cached.Condense(u)
	u.ID = "copy.go"
	second := cached.Condense(u)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cached.Len())

	cached.Purge()
	assert.Equal(t, 0, cached.Len())
}

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
