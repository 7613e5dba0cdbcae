package config

import (
	"github.com/spf13/viper"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/condense"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/selector"
	"ctxbudget/internal/source"
	"ctxbudget/internal/window"
)

// SetDefaults registers the default of every configuration key. Component
// defaults come from the components themselves.
func SetDefaults() {
	viper.SetDefault("version", "1.0.0")

	ec := engine.DefaultConfig()
	viper.SetDefault("model", ec.ModelID)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "auto")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 50)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)

	// Storage
	viper.SetDefault("storage.enabled", true)
	if p, err := DefaultDataPath(); err == nil {
		viper.SetDefault("storage.path", p)
	}
	viper.SetDefault("storage.retention_days", 90)
	viper.SetDefault("storage.keep_snapshots", 10)

	// Estimator
	viper.SetDefault("estimator.mode", ec.Estimator.Mode)
	viper.SetDefault("estimator.chars_per_token", 0.0)
	viper.SetDefault("estimator.encoding", ec.Estimator.Encoding)
	viper.SetDefault("estimator.families", map[string]float64(ec.Estimator.Families))

	// Condense
	cc := condense.DefaultConfig()
	viper.SetDefault("condense.body_line_threshold", cc.BodyLineThreshold)
	viper.SetDefault("condense.max_depth", cc.MaxDepth)
	viper.SetDefault("condense.max_array_items", cc.MaxArrayItems)
	viper.SetDefault("condense.max_object_keys", cc.MaxObjectKeys)
	viper.SetDefault("condense.importance_keywords", cc.ImportanceKeywords)
	viper.SetDefault("condense.small_line_threshold", cc.SmallLineThreshold)
	viper.SetDefault("condense.head_lines", cc.HeadLines)
	viper.SetDefault("condense.middle_lines", cc.MiddleLines)
	viper.SetDefault("condense.tail_lines", cc.TailLines)
	viper.SetDefault("condense.cache_size", condense.DefaultCacheSize)

	// Scorer
	rc := relevance.DefaultConfig()
	viper.SetDefault("scorer.weights.recency", rc.Weights.Recency)
	viper.SetDefault("scorer.weights.kind", rc.Weights.Kind)
	viper.SetDefault("scorer.weights.size_fit", rc.Weights.SizeFit)
	viper.SetDefault("scorer.weights.connectivity", rc.Weights.Connectivity)
	viper.SetDefault("scorer.weights.query", rc.Weights.Query)
	viper.SetDefault("scorer.recency_window", rc.RecencyWindow)
	viper.SetDefault("scorer.sweet_spot_tokens", rc.SweetSpotTokens)
	viper.SetDefault("scorer.size_sigma", rc.SizeSigma)
	viper.SetDefault("scorer.connectivity_cap", rc.ConnectivityCap)
	kinds := make(map[string]float64, len(rc.KindWeights))
	for k, w := range rc.KindWeights {
		kinds[string(k)] = w
	}
	viper.SetDefault("scorer.kind_weights", kinds)
	viper.SetDefault("scorer.language_factors", rc.LanguageFactors)
	viper.SetDefault("scorer.pair_boost", rc.PairBoost)
	viper.SetDefault("scorer.back_reference_boost", rc.BackReferenceBoost)
	viper.SetDefault("scorer.back_reference_phrases", rc.BackReferencePhrases)

	// Budget
	sc := selector.DefaultConfig()
	viper.SetDefault("budget.max_tokens", sc.MaxTokens)
	viper.SetDefault("budget.max_units", sc.MaxUnits)
	viper.SetDefault("budget.relevance_threshold", sc.RelevanceThreshold)
	viper.SetDefault("budget.excluded_kinds", []string{})
	viper.SetDefault("budget.target_utilization", sc.TargetUtilization)
	viper.SetDefault("budget.condense_oversized", true)

	// Window
	wc := window.DefaultConfig()
	viper.SetDefault("window.max_tokens", wc.MaxTokens)
	viper.SetDefault("window.policy", string(wc.Policy))
	viper.SetDefault("window.near_capacity_ratio", wc.NearCapacityRatio)
	viper.SetDefault("window.truncate_target", wc.TruncateTarget)
	viper.SetDefault("window.keep_recent", wc.KeepRecent)
	viper.SetDefault("window.importance_keywords", wc.ImportanceKeywords)
	viper.SetDefault("window.message_overhead", wc.MessageOverhead)
	viper.SetDefault("window.keep_answers", wc.KeepAnswers)
	viper.SetDefault("window.answer_max_tokens", wc.AnswerMaxTokens)

	// Compaction
	pc := compaction.DefaultConfig()
	viper.SetDefault("compaction.summary_max_tokens", pc.SummaryMaxTokens)
	viper.SetDefault("compaction.chunk_max_tokens", pc.ChunkMaxTokens)

	// Cost
	kc := cost.DefaultConfig()
	pricing := make(map[string]any, len(kc.Pricing))
	for model, r := range kc.Pricing {
		pricing[model] = map[string]any{
			"input_per_k_tokens":        r.InputPerKTokens,
			"output_per_k_tokens":       r.OutputPerKTokens,
			"cached_input_per_k_tokens": r.CachedInputPerKTokens,
		}
	}
	viper.SetDefault("cost.pricing", pricing)
	viper.SetDefault("cost.daily_budget", kc.DailyBudget)
	tiers := make([]map[string]any, 0, len(kc.Tiers))
	for _, t := range kc.Tiers {
		tiers = append(tiers, map[string]any{"fraction": t.Fraction, "severity": string(t.Severity)})
	}
	viper.SetDefault("cost.warning_tiers", tiers)
	viper.SetDefault("cost.cache_policy", string(kc.CachePolicy))
	viper.SetDefault("cost.max_history", kc.MaxHistory)

	// Scan
	scan := source.DefaultScanConfig()
	viper.SetDefault("scan.include", []string{})
	viper.SetDefault("scan.exclude", []string{})
	viper.SetDefault("scan.skip_dirs", scan.SkipDirs)
	viper.SetDefault("scan.max_units", scan.MaxUnits)
	viper.SetDefault("scan.max_unit_bytes", scan.MaxUnitBytes)
	viper.SetDefault("scan.concurrency", scan.Concurrency)
	viper.SetDefault("scan.include_unknown", false)

	// Gateway
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.port", 8787)
	viper.SetDefault("gateway.prune_schedule", "0 0 * * *")
}
