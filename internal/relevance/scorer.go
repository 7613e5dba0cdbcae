package relevance

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

// Query carries the task context a score is computed against.
type Query struct {
	// Text is free-form task text. Empty means no query.
	Text string `json:"text,omitempty"`
	// Now is the reference time for recency. A zero Now scores every unit's
	// recency as neutral.
	Now time.Time `json:"now"`
}

// CostFunc prices an estimated token count.
type CostFunc func(tokens int) float64

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true, "in": true,
	"on": true, "at": true, "to": true, "for": true, "of": true, "with": true, "by": true,
	"from": true, "up": true, "about": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "between": true, "among": true,
	"throughout": true, "despite": true, "towards": true, "upon": true, "concerning": true,
	"as": true, "is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "should": true, "could": true, "can": true, "may": true,
	"might": true, "must": true, "shall": true, "ought": true,
}

// Terms splits query text into lowercase match terms of at least three
// characters, without stop words or duplicates.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == '/')
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".-/")
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// Scorer computes relevance scores.
type Scorer struct {
	config    Config
	estimator tokens.Estimator
	logger    zerolog.Logger
}

// New creates a Scorer. A nil estimator uses the default ratio estimator.
func New(config Config, est tokens.Estimator, logger zerolog.Logger) (*Scorer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		est = tokens.Default()
	}
	return &Scorer{config: config, estimator: est, logger: logger}, nil
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.config
}

// Score scores one unit on its own. Connectivity counts the unit's distinct
// reference targets since there is no pool to resolve them against.
func (s *Scorer) Score(u content.Unit, q Query) (float64, content.Breakdown) {
	return s.score(u, s.estimator.Estimate(u.Text), len(References(u)), Terms(q.Text), q.Now)
}

// ScoreAll scores a pool of units. Connectivity is resolved within the pool
// and conversation flow boosts apply to neighbouring messages. cost may be
// nil, in which case EstimatedCost is zero.
func (s *Scorer) ScoreAll(units []content.Unit, q Query, cost CostFunc) []content.ScoredUnit {
	graph := BuildGraph(units)
	terms := Terms(q.Text)
	out := make([]content.ScoredUnit, 0, len(units))
	for _, u := range units {
		est := s.estimator.Estimate(u.Text)
		score, breakdown := s.score(u, est, graph.Degree(u.ID), terms, q.Now)
		su := content.ScoredUnit{
			Unit:            u,
			RelevanceScore:  score,
			EstimatedTokens: est,
			Category:        content.Categorize(score),
			Approximate:     s.estimator.Approximate(),
			Breakdown:       breakdown,
		}
		if cost != nil {
			su.EstimatedCost = cost(est)
		}
		out = append(out, su)
	}
	s.applyFlow(out)
	s.logger.Debug().
		Int("units", len(units)).
		Int("terms", len(terms)).
		Msg("relevance: scored pool")
	return out
}

func (s *Scorer) score(u content.Unit, est, links int, terms []string, now time.Time) (float64, content.Breakdown) {
	b := content.Breakdown{
		Recency:      s.recency(u.LastModified, now),
		Kind:         s.kindWeight(u),
		SizeFit:      s.sizeFit(est),
		Connectivity: s.connectivity(links),
	}

	w := s.config.Weights
	if len(terms) == 0 {
		w = w.withoutQuery()
	} else {
		b.QueryMatch = queryMatch(u, terms)
	}

	total := w.total()
	if total <= 0 {
		return 0, b
	}
	score := (w.Recency*b.Recency +
		w.Kind*b.Kind +
		w.SizeFit*b.SizeFit +
		w.Connectivity*b.Connectivity +
		w.Query*b.QueryMatch) / total
	return clip01(score), b
}

// applyFlow boosts messages that carry the conversation: a user message
// and the assistant message right after it, and messages that refer back to
// earlier turns. Boosted scores stay within [0,1].
func (s *Scorer) applyFlow(units []content.ScoredUnit) {
	for i := range units {
		u := &units[i]
		if u.Kind != content.KindMessage {
			continue
		}
		factor := 1.0
		if u.Role == content.RoleUser && i+1 < len(units) && isAnswer(units[i+1].Unit) {
			factor *= s.config.PairBoost
		}
		if u.Role == content.RoleAssistant && i > 0 && isQuestion(units[i-1].Unit) {
			factor *= s.config.PairBoost
		}
		if i > 0 && s.refersBack(u.Text) {
			factor *= s.config.BackReferenceBoost
		}
		if factor == 1 {
			continue
		}
		u.Breakdown.Flow = factor
		u.RelevanceScore = clip01(u.RelevanceScore * factor)
		u.Category = content.Categorize(u.RelevanceScore)
	}
}

func isQuestion(u content.Unit) bool {
	return u.Kind == content.KindMessage && u.Role == content.RoleUser
}

func isAnswer(u content.Unit) bool {
	return u.Kind == content.KindMessage && u.Role == content.RoleAssistant
}

func (s *Scorer) refersBack(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range s.config.BackReferencePhrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (s *Scorer) recency(modified, now time.Time) float64 {
	if modified.IsZero() || now.IsZero() {
		return 0.5
	}
	age := now.Sub(modified)
	if age <= 0 {
		return 1
	}
	return clip01(1 - float64(age)/float64(s.config.RecencyWindow))
}

func (s *Scorer) kindWeight(u content.Unit) float64 {
	w, ok := s.config.KindWeights[u.Kind]
	if !ok {
		w = s.config.KindWeights[content.KindUnknown]
	}
	if f, ok := s.config.LanguageFactors[strings.ToLower(u.Language)]; ok {
		w *= f
	}
	return clip01(w)
}

func (s *Scorer) sizeFit(est int) float64 {
	if est <= 0 {
		return 0
	}
	x := math.Log(float64(est) / s.config.SweetSpotTokens)
	return math.Exp(-(x * x) / (2 * s.config.SizeSigma * s.config.SizeSigma))
}

func (s *Scorer) connectivity(links int) float64 {
	return float64(min(links, s.config.ConnectivityCap)) / float64(s.config.ConnectivityCap)
}

func queryMatch(u content.Unit, terms []string) float64 {
	id := strings.ToLower(u.ID)
	text := strings.ToLower(u.Text)
	sum := 0.0
	for _, t := range terms {
		switch {
		case strings.Contains(id, t):
			sum += 1
		case strings.Contains(text, t):
			sum += 0.6
		}
	}
	return sum / float64(len(terms))
}

func clip01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
