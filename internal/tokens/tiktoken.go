package tokens

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"ctxbudget/internal/content"
)

// Tiktoken counts tokens with a BPE encoding such as cl100k_base. It is
// exact for OpenAI models and an approximation for other vendors.
type Tiktoken struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTiktoken loads the named encoding. When the encoding cannot be loaded
// (for example offline with no cached rank file) it returns the fallback
// estimator together with ErrEstimationDegraded, so callers keep working and
// tag their outputs approximate.
func NewTiktoken(encodingName string, fallback Estimator) (Estimator, error) {
	if fallback == nil {
		fallback = Default()
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return fallback, fmt.Errorf("%w: load encoding %q: %v", content.ErrEstimationDegraded, encodingName, err)
	}
	return &Tiktoken{encoding: enc, name: encodingName}, nil
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoding.Encode(text, nil, nil))
}

// Approximate implements Estimator. BPE counts are still only approximate
// for non-OpenAI vendors, but they are not heuristic.
func (t *Tiktoken) Approximate() bool { return false }

// Name implements Estimator.
func (t *Tiktoken) Name() string { return "tiktoken/" + t.name }
