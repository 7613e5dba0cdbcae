package content

// Category buckets a relevance score.
type Category string

// Relevance categories.
const (
	CategoryPrimary    Category = "primary"
	CategorySecondary  Category = "secondary"
	CategorySupporting Category = "supporting"
	CategoryNoise      Category = "noise"
)

// Category thresholds on the relevance score.
const (
	PrimaryThreshold    = 0.8
	SecondaryThreshold  = 0.6
	SupportingThreshold = 0.3
)

// Categorize maps a relevance score to its category.
func Categorize(score float64) Category {
	switch {
	case score >= PrimaryThreshold:
		return CategoryPrimary
	case score >= SecondaryThreshold:
		return CategorySecondary
	case score >= SupportingThreshold:
		return CategorySupporting
	default:
		return CategoryNoise
	}
}

// Breakdown holds the bounded sub-scores a relevance score is built from.
type Breakdown struct {
	Recency      float64 `json:"recency"`
	Kind         float64 `json:"kind"`
	SizeFit      float64 `json:"size_fit"`
	Connectivity float64 `json:"connectivity"`
	QueryMatch   float64 `json:"query_match"`
	// Flow is the conversation flow multiplier applied to a message score,
	// or 0 when none applied.
	Flow float64 `json:"flow,omitempty"`
}

// ScoredUnit is a unit annotated by the estimator and the relevance scorer.
type ScoredUnit struct {
	Unit
	RelevanceScore  float64   `json:"relevance_score"`
	EstimatedTokens int       `json:"estimated_tokens"`
	EstimatedCost   float64   `json:"estimated_cost"`
	Category        Category  `json:"category"`
	Approximate     bool      `json:"approximate"`
	Breakdown       Breakdown `json:"breakdown"`
}
