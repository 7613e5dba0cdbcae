package tokens

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/content"
)

func TestRatio_Estimate(t *testing.T) {
	r := Default()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"exact multiple", "abcdefgh", 2},
		{"rounds up", "abcdefghi", 3},
		{"counts runes not bytes", "日本語テ", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Estimate(tt.text))
		})
	}
}

func TestRatio_CustomRatio(t *testing.T) {
	r, err := NewRatio(3.5)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Estimate("1234567"))
	assert.Equal(t, 3, r.Estimate("12345678"))
	assert.Equal(t, 3, r.Estimate("123456789"))
	assert.True(t, r.Approximate())
	assert.Equal(t, "ratio/3.50", r.Name())
}

func TestNewRatio_Invalid(t *testing.T) {
	for _, v := range []float64{0, -1} {
		_, err := NewRatio(v)
		assert.True(t, errors.Is(err, content.ErrConfigInvalid), "ratio %v", v)
	}
}

func TestRatio_MonotonicInLength(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, ratio := range []float64{1, 3.2, 3.5, 4} {
		r := &Ratio{CharsPerToken: ratio}
		var sb strings.Builder
		prev := 0
		for i := 0; i < 2000; i++ {
			sb.WriteRune(rune('a' + rng.Intn(26)))
			if rng.Intn(10) == 0 {
				sb.WriteRune('é')
			}
			got := r.Estimate(sb.String())
			require.GreaterOrEqual(t, got, prev, "ratio %v length %d", ratio, sb.Len())
			prev = got
		}
	}
}

func TestFamilies_ForModel(t *testing.T) {
	f := DefaultFamilies()
	require.NoError(t, f.Validate())

	assert.Equal(t, 3.5, f.ForModel("claude-sonnet-4").CharsPerToken)
	assert.Equal(t, 4.0, f.ForModel("GPT-4o").CharsPerToken)
	assert.Equal(t, DefaultCharsPerToken, f.ForModel("mistral-large").CharsPerToken)

	f["gpt-4o"] = 3.8
	assert.Equal(t, 3.8, f.ForModel("gpt-4o-mini").CharsPerToken, "longest prefix wins")

	bad := Families{"x": 0}
	assert.Error(t, bad.Validate())
}

func TestTruncateToTokens(t *testing.T) {
	r := Default()
	text := strings.Repeat("abcd", 100)

	assert.Equal(t, text, TruncateToTokens(r, text, 100))
	assert.Equal(t, "", TruncateToTokens(r, text, 0))

	cut := TruncateToTokens(r, text, 10)
	assert.Len(t, cut, 40)
	assert.LessOrEqual(t, r.Estimate(cut), 10)
	assert.True(t, strings.HasPrefix(text, cut))
}
