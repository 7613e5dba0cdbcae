// Package condense produces reduced, structure-preserving representations of
// content units. Condensation is lossy; each content kind has its
// own strategy deciding what structure survives.
package condense

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

// Condensation methods reported in Result.Method.
const (
	MethodSource     = "source_structure"
	MethodStructured = "structured_truncate"
	MethodProse      = "prose_outline"
	MethodConfig     = "config_strip"
	MethodMessage    = "message_code"
	MethodFallback   = "head_middle_tail"
	MethodNone       = "no_compression"
)

// errNoStructure tells the dispatcher a strategy had nothing to work with.
// Unlike a parse failure it does not mark the result degraded.
var errNoStructure = errors.New("condense: no structure to condense")

// Strategy condenses text of one content kind.
type Strategy interface {
	Method() string
	Condense(text, language string) (string, error)
}

// Result describes one condensation.
type Result struct {
	Text             string  `json:"text"`
	OriginalTokens   int     `json:"original_tokens"`
	CondensedTokens  int     `json:"condensed_tokens"`
	CompressionRatio float64 `json:"compression_ratio"`
	Method           string  `json:"method"`
	// Degraded is set when the kind strategy failed (for example malformed
	// JSON) and the generic strategy produced the text instead.
	Degraded    bool `json:"degraded,omitempty"`
	Approximate bool `json:"approximate"`
}

// Config holds the strategy limits.
type Config struct {
	// BodyLineThreshold is the body length above which a function body is
	// replaced by a placeholder.
	// Default: 6
	BodyLineThreshold int `json:"body_line_threshold"`

	// MaxDepth is the structured-data nesting depth kept verbatim.
	// Default: 4
	MaxDepth int `json:"max_depth"`

	// MaxArrayItems caps array length before a "+N more" marker.
	// Default: 10
	MaxArrayItems int `json:"max_array_items"`

	// MaxObjectKeys caps object key count before a "+N more" marker key.
	// Default: 20
	MaxObjectKeys int `json:"max_object_keys"`

	// ImportanceKeywords keep config comments that would otherwise be dropped.
	ImportanceKeywords []string `json:"importance_keywords"`

	// SmallLineThreshold is the line count at or under which the generic
	// strategy passes text through unchanged.
	// Default: 40
	SmallLineThreshold int `json:"small_line_threshold"`

	// HeadLines, MiddleLines and TailLines size the generic windows.
	// Defaults: 15, 10, 15
	HeadLines   int `json:"head_lines"`
	MiddleLines int `json:"middle_lines"`
	TailLines   int `json:"tail_lines"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BodyLineThreshold:  6,
		MaxDepth:           4,
		MaxArrayItems:      10,
		MaxObjectKeys:      20,
		ImportanceKeywords: []string{"TODO", "FIXME", "IMPORTANT", "NOTE", "WARNING", "SECURITY"},
		SmallLineThreshold: 40,
		HeadLines:          15,
		MiddleLines:        10,
		TailLines:          15,
	}
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	var errs []error
	if c.BodyLineThreshold < 0 {
		errs = append(errs, fmt.Errorf("body_line_threshold must be >= 0, got %d", c.BodyLineThreshold))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 1, got %d", c.MaxDepth))
	}
	if c.MaxArrayItems < 1 {
		errs = append(errs, fmt.Errorf("max_array_items must be >= 1, got %d", c.MaxArrayItems))
	}
	if c.MaxObjectKeys < 1 {
		errs = append(errs, fmt.Errorf("max_object_keys must be >= 1, got %d", c.MaxObjectKeys))
	}
	if c.HeadLines < 1 || c.TailLines < 1 || c.MiddleLines < 0 {
		errs = append(errs, fmt.Errorf("head/tail lines must be >= 1 and middle lines >= 0"))
	}
	if c.SmallLineThreshold < c.HeadLines+c.MiddleLines+c.TailLines {
		errs = append(errs, fmt.Errorf("small_line_threshold %d is below head+middle+tail", c.SmallLineThreshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: condense: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Condenser dispatches units to the strategy for their kind.
type Condenser struct {
	config     Config
	estimator  tokens.Estimator
	strategies map[content.Kind]Strategy
	fallback   Strategy
	logger     zerolog.Logger
}

// Option configures a Condenser.
type Option func(*Condenser)

// WithLogger sets the logger used for fallback diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Condenser) {
		c.logger = l
	}
}

// WithStrategy overrides or adds the strategy for a kind.
func WithStrategy(kind content.Kind, s Strategy) Option {
	return func(c *Condenser) {
		c.strategies[kind] = s
	}
}

// New creates a Condenser. A nil estimator uses the default ratio estimator.
func New(config Config, est tokens.Estimator, opts ...Option) (*Condenser, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		est = tokens.Default()
	}

	source := NewSourceStrategy(config.BodyLineThreshold)
	fallback := NewFallbackStrategy(config)
	c := &Condenser{
		config:    config,
		estimator: est,
		fallback:  fallback,
		logger:    zerolog.Nop(),
		strategies: map[content.Kind]Strategy{
			content.KindSource:     source,
			content.KindStructured: NewStructuredStrategy(config.MaxDepth, config.MaxArrayItems, config.MaxObjectKeys),
			content.KindProse:      NewProseStrategy(),
			content.KindConfig:     NewConfigStrategy(config.ImportanceKeywords),
			content.KindMessage:    NewMessageStrategy(source),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Estimator returns the estimator used for before/after sizes.
func (c *Condenser) Estimator() tokens.Estimator {
	return c.estimator
}

// Condense condenses one unit. It never fails: a strategy error degrades to
// the generic strategy, and output that is not smaller than the input is
// replaced by the input tagged MethodNone.
func (c *Condenser) Condense(u content.Unit) Result {
	original := c.estimator.Estimate(u.Text)

	strategy, ok := c.strategies[u.Kind]
	if !ok {
		strategy = c.fallback
	}

	text, err := strategy.Condense(u.Text, u.Language)
	method := strategy.Method()
	degraded := false
	if err != nil {
		if !errors.Is(err, errNoStructure) {
			degraded = true
			c.logger.Debug().
				Err(err).
				Str("unit", u.ID).
				Str("kind", string(u.Kind)).
				Msg("condense: strategy failed, using generic fallback")
		}
		text, _ = c.fallback.Condense(u.Text, u.Language)
		method = c.fallback.Method()
	}

	condensed := c.estimator.Estimate(text)
	if text == u.Text || condensed >= original {
		text = u.Text
		condensed = original
		method = MethodNone
	}

	ratio := 1.0
	if original > 0 {
		ratio = float64(condensed) / float64(original)
	}

	return Result{
		Text:             text,
		OriginalTokens:   original,
		CondensedTokens:  condensed,
		CompressionRatio: ratio,
		Method:           method,
		Degraded:         degraded,
		Approximate:      c.estimator.Approximate(),
	}
}
