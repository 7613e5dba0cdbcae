// Package tokens approximates the token cost of text.
//
// Estimates are a calibratable character-ratio approximation, not a real
// tokenizer. The optional tiktoken-backed estimator is closer for OpenAI
// models but is still an approximation for everyone else.
package tokens

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"ctxbudget/internal/content"
)

// DefaultCharsPerToken is used when no model family matches.
const DefaultCharsPerToken = 4.0

// Estimator approximates the token count of text.
type Estimator interface {
	// Estimate returns the token count for text. It never fails.
	Estimate(text string) int
	// Approximate reports whether estimates are heuristic.
	Approximate() bool
	// Name identifies the estimator in reports.
	Name() string
}

// Ratio estimates tokens as ceil(runes / CharsPerToken).
type Ratio struct {
	CharsPerToken float64
}

// NewRatio creates a ratio estimator.
func NewRatio(charsPerToken float64) (*Ratio, error) {
	if charsPerToken <= 0 || math.IsNaN(charsPerToken) || math.IsInf(charsPerToken, 0) {
		return nil, fmt.Errorf("%w: chars per token must be positive, got %v", content.ErrConfigInvalid, charsPerToken)
	}
	return &Ratio{CharsPerToken: charsPerToken}, nil
}

// Default returns the ratio estimator with DefaultCharsPerToken.
func Default() *Ratio {
	return &Ratio{CharsPerToken: DefaultCharsPerToken}
}

// Estimate implements Estimator.
func (r *Ratio) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / r.CharsPerToken))
}

// Approximate implements Estimator.
func (r *Ratio) Approximate() bool { return true }

// Name implements Estimator.
func (r *Ratio) Name() string {
	return fmt.Sprintf("ratio/%.2f", r.CharsPerToken)
}

// Families maps a model family prefix to its chars-per-token ratio.
type Families map[string]float64

// DefaultFamilies returns the built-in calibration table. The values are
// configuration defaults, not measured constants.
func DefaultFamilies() Families {
	return Families{
		"claude":  3.5,
		"gpt":     4.0,
		"o1":      4.0,
		"gemini":  4.0,
		"default": DefaultCharsPerToken,
	}
}

// Validate checks every ratio is positive.
func (f Families) Validate() error {
	for name, ratio := range f {
		if ratio <= 0 {
			return fmt.Errorf("%w: family %q has non-positive ratio %v", content.ErrConfigInvalid, name, ratio)
		}
	}
	return nil
}

// ForModel returns the ratio estimator for a model ID, matching the longest
// family prefix. Unknown models get the "default" entry.
func (f Families) ForModel(modelID string) *Ratio {
	id := strings.ToLower(modelID)
	names := make([]string, 0, len(f))
	for name := range f {
		if name != "default" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		if strings.HasPrefix(id, name) {
			return &Ratio{CharsPerToken: f[name]}
		}
	}
	if r, ok := f["default"]; ok && r > 0 {
		return &Ratio{CharsPerToken: r}
	}
	return Default()
}

// TruncateToTokens returns the longest rune prefix of text whose estimate
// does not exceed maxTokens. Estimators are monotone in length, so a binary
// search over rune counts finds it.
func TruncateToTokens(est Estimator, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if est.Estimate(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.Estimate(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
