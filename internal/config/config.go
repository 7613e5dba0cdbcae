// Package config loads the ctxbudget configuration from YAML and the
// environment and maps it onto the component configurations.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/condense"
	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/selector"
	"ctxbudget/internal/source"
	"ctxbudget/internal/tokens"
	"ctxbudget/internal/window"
)

// SupportedVersions is the semver constraint the config version must meet.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Config is the root of the application configuration.
type Config struct {
	Version    string           `mapstructure:"version" yaml:"version"`
	Model      string           `mapstructure:"model" yaml:"model"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Estimator  EstimatorConfig  `mapstructure:"estimator" yaml:"estimator"`
	Condense   CondenseConfig   `mapstructure:"condense" yaml:"condense"`
	Scorer     ScorerConfig     `mapstructure:"scorer" yaml:"scorer"`
	Budget     BudgetConfig     `mapstructure:"budget" yaml:"budget"`
	Window     WindowConfig     `mapstructure:"window" yaml:"window"`
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`
	Cost       CostConfig       `mapstructure:"cost" yaml:"cost"`
	Scan       ScanConfig       `mapstructure:"scan" yaml:"scan"`
	Gateway    GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // console, json or auto
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
	// RetentionDays bounds how long usage records are kept.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
	// KeepSnapshots is the number of window snapshots kept per session.
	KeepSnapshots int `mapstructure:"keep_snapshots" yaml:"keep_snapshots"`
}

// EstimatorConfig selects the token estimator.
type EstimatorConfig struct {
	Mode          string             `mapstructure:"mode" yaml:"mode"` // ratio or tiktoken
	CharsPerToken float64            `mapstructure:"chars_per_token" yaml:"chars_per_token"`
	Encoding      string             `mapstructure:"encoding" yaml:"encoding"`
	Families      map[string]float64 `mapstructure:"families" yaml:"families"`
}

// CondenseConfig holds the condensation limits.
type CondenseConfig struct {
	BodyLineThreshold  int      `mapstructure:"body_line_threshold" yaml:"body_line_threshold"`
	MaxDepth           int      `mapstructure:"max_depth" yaml:"max_depth"`
	MaxArrayItems      int      `mapstructure:"max_array_items" yaml:"max_array_items"`
	MaxObjectKeys      int      `mapstructure:"max_object_keys" yaml:"max_object_keys"`
	ImportanceKeywords []string `mapstructure:"importance_keywords" yaml:"importance_keywords"`
	SmallLineThreshold int      `mapstructure:"small_line_threshold" yaml:"small_line_threshold"`
	HeadLines          int      `mapstructure:"head_lines" yaml:"head_lines"`
	MiddleLines        int      `mapstructure:"middle_lines" yaml:"middle_lines"`
	TailLines          int      `mapstructure:"tail_lines" yaml:"tail_lines"`
	CacheSize          int      `mapstructure:"cache_size" yaml:"cache_size"`
}

// WeightsConfig holds the relevance sub-score weights.
type WeightsConfig struct {
	Recency      float64 `mapstructure:"recency" yaml:"recency"`
	Kind         float64 `mapstructure:"kind" yaml:"kind"`
	SizeFit      float64 `mapstructure:"size_fit" yaml:"size_fit"`
	Connectivity float64 `mapstructure:"connectivity" yaml:"connectivity"`
	Query        float64 `mapstructure:"query" yaml:"query"`
}

// ScorerConfig configures relevance scoring.
type ScorerConfig struct {
	Weights         WeightsConfig      `mapstructure:"weights" yaml:"weights"`
	RecencyWindow   time.Duration      `mapstructure:"recency_window" yaml:"recency_window"`
	SweetSpotTokens float64            `mapstructure:"sweet_spot_tokens" yaml:"sweet_spot_tokens"`
	SizeSigma       float64            `mapstructure:"size_sigma" yaml:"size_sigma"`
	ConnectivityCap int                `mapstructure:"connectivity_cap" yaml:"connectivity_cap"`
	KindWeights     map[string]float64 `mapstructure:"kind_weights" yaml:"kind_weights"`
	LanguageFactors map[string]float64 `mapstructure:"language_factors" yaml:"language_factors"`

	PairBoost            float64  `mapstructure:"pair_boost" yaml:"pair_boost"`
	BackReferenceBoost   float64  `mapstructure:"back_reference_boost" yaml:"back_reference_boost"`
	BackReferencePhrases []string `mapstructure:"back_reference_phrases" yaml:"back_reference_phrases"`
}

// BudgetConfig holds the selection constraints.
type BudgetConfig struct {
	MaxTokens          int      `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxUnits           int      `mapstructure:"max_units" yaml:"max_units"`
	RelevanceThreshold float64  `mapstructure:"relevance_threshold" yaml:"relevance_threshold"`
	ExcludedKinds      []string `mapstructure:"excluded_kinds" yaml:"excluded_kinds"`
	TargetUtilization  float64  `mapstructure:"target_utilization" yaml:"target_utilization"`
	CondenseOversized  bool     `mapstructure:"condense_oversized" yaml:"condense_oversized"`
}

// WindowConfig configures the context window.
type WindowConfig struct {
	MaxTokens          int      `mapstructure:"max_tokens" yaml:"max_tokens"`
	Policy             string   `mapstructure:"policy" yaml:"policy"`
	NearCapacityRatio  float64  `mapstructure:"near_capacity_ratio" yaml:"near_capacity_ratio"`
	TruncateTarget     float64  `mapstructure:"truncate_target" yaml:"truncate_target"`
	KeepRecent         int      `mapstructure:"keep_recent" yaml:"keep_recent"`
	ImportanceKeywords []string `mapstructure:"importance_keywords" yaml:"importance_keywords"`
	MessageOverhead    int      `mapstructure:"message_overhead" yaml:"message_overhead"`
	KeepAnswers        bool     `mapstructure:"keep_answers" yaml:"keep_answers"`
	AnswerMaxTokens    int      `mapstructure:"answer_max_tokens" yaml:"answer_max_tokens"`
}

// CompactionConfig configures model-backed summaries.
type CompactionConfig struct {
	SummaryMaxTokens int `mapstructure:"summary_max_tokens" yaml:"summary_max_tokens"`
	ChunkMaxTokens   int `mapstructure:"chunk_max_tokens" yaml:"chunk_max_tokens"`
}

// TierConfig is one cost warning tier.
type TierConfig struct {
	Fraction float64 `mapstructure:"fraction" yaml:"fraction"`
	Severity string  `mapstructure:"severity" yaml:"severity"`
}

// CostConfig configures pricing and budget warnings.
type CostConfig struct {
	Pricing      map[string]cost.Rate `mapstructure:"pricing" yaml:"pricing"`
	DailyBudget  float64              `mapstructure:"daily_budget" yaml:"daily_budget"`
	WarningTiers []TierConfig         `mapstructure:"warning_tiers" yaml:"warning_tiers"`
	CachePolicy  string               `mapstructure:"cache_policy" yaml:"cache_policy"`
	MaxHistory   int                  `mapstructure:"max_history" yaml:"max_history"`
}

// ScanConfig bounds directory scans.
type ScanConfig struct {
	Include        []string `mapstructure:"include" yaml:"include"`
	Exclude        []string `mapstructure:"exclude" yaml:"exclude"`
	SkipDirs       []string `mapstructure:"skip_dirs" yaml:"skip_dirs"`
	MaxUnits       int      `mapstructure:"max_units" yaml:"max_units"`
	MaxUnitBytes   int64    `mapstructure:"max_unit_bytes" yaml:"max_unit_bytes"`
	Concurrency    int      `mapstructure:"concurrency" yaml:"concurrency"`
	IncludeUnknown bool     `mapstructure:"include_unknown" yaml:"include_unknown"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// PruneSchedule is the cron spec of the history pruning job.
	PruneSchedule string `mapstructure:"prune_schedule" yaml:"prune_schedule"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads the configuration. Precedence: environment, then the file,
// then defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("CTXBUDGET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path returns the file the configuration was loaded from.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Set sets a key and persists the configuration when it came from a file.
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save writes the current settings to the loaded file.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes cfg to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears the loaded configuration. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// Validate checks the whole configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []error

	if constraint, err := semver.NewConstraint(SupportedVersions); err == nil {
		v, err := semver.NewVersion(c.Version)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("version %q is not a semantic version", c.Version))
		case !constraint.Check(v):
			errs = append(errs, fmt.Errorf("version %s is not supported (want %s)", v, SupportedVersions))
		}
	}

	switch c.Log.Format {
	case "", "console", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of console, json, auto", c.Log.Format))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
	}
	if c.Gateway.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Gateway.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("gateway.prune_schedule %q: %w", c.Gateway.PruneSchedule, err))
		}
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required when storage is enabled"))
	}

	ec, err := c.Engine()
	if err != nil {
		errs = append(errs, err)
	} else if err := ec.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.SourceScan().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Engine maps the configuration onto the engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	policy, err := window.ParsePolicy(c.Window.Policy)
	if err != nil {
		return engine.Config{}, err
	}
	cachePolicy, err := cost.ParseCachePolicy(c.Cost.CachePolicy)
	if err != nil {
		return engine.Config{}, err
	}

	kindWeights := make(map[content.Kind]float64, len(c.Scorer.KindWeights))
	for k, w := range c.Scorer.KindWeights {
		kindWeights[content.ParseKind(k)] = w
	}
	excluded := make([]content.Kind, 0, len(c.Budget.ExcludedKinds))
	for _, k := range c.Budget.ExcludedKinds {
		excluded = append(excluded, content.ParseKind(k))
	}
	tiers := make([]cost.Tier, 0, len(c.Cost.WarningTiers))
	for _, t := range c.Cost.WarningTiers {
		tiers = append(tiers, cost.Tier{Fraction: t.Fraction, Severity: cost.Severity(t.Severity)})
	}

	compact := compaction.DefaultConfig()
	compact.SummaryMaxTokens = c.Compaction.SummaryMaxTokens
	compact.ChunkMaxTokens = c.Compaction.ChunkMaxTokens

	return engine.Config{
		ModelID: c.Model,
		Estimator: engine.EstimatorConfig{
			Mode:          c.Estimator.Mode,
			CharsPerToken: c.Estimator.CharsPerToken,
			Encoding:      c.Estimator.Encoding,
			Families:      tokens.Families(c.Estimator.Families),
		},
		Condense: condense.Config{
			BodyLineThreshold:  c.Condense.BodyLineThreshold,
			MaxDepth:           c.Condense.MaxDepth,
			MaxArrayItems:      c.Condense.MaxArrayItems,
			MaxObjectKeys:      c.Condense.MaxObjectKeys,
			ImportanceKeywords: c.Condense.ImportanceKeywords,
			SmallLineThreshold: c.Condense.SmallLineThreshold,
			HeadLines:          c.Condense.HeadLines,
			MiddleLines:        c.Condense.MiddleLines,
			TailLines:          c.Condense.TailLines,
		},
		CacheSize: c.Condense.CacheSize,
		Scorer: relevance.Config{
			Weights: relevance.Weights{
				Recency:      c.Scorer.Weights.Recency,
				Kind:         c.Scorer.Weights.Kind,
				SizeFit:      c.Scorer.Weights.SizeFit,
				Connectivity: c.Scorer.Weights.Connectivity,
				Query:        c.Scorer.Weights.Query,
			},
			RecencyWindow:   c.Scorer.RecencyWindow,
			SweetSpotTokens: c.Scorer.SweetSpotTokens,
			SizeSigma:       c.Scorer.SizeSigma,
			ConnectivityCap: c.Scorer.ConnectivityCap,
			KindWeights:     kindWeights,
			LanguageFactors: c.Scorer.LanguageFactors,

			PairBoost:            c.Scorer.PairBoost,
			BackReferenceBoost:   c.Scorer.BackReferenceBoost,
			BackReferencePhrases: c.Scorer.BackReferencePhrases,
		},
		Selector: selector.Config{
			MaxTokens:          c.Budget.MaxTokens,
			MaxUnits:           c.Budget.MaxUnits,
			RelevanceThreshold: c.Budget.RelevanceThreshold,
			ExcludedKinds:      excluded,
			TargetUtilization:  c.Budget.TargetUtilization,
			CondenseOversized:  c.Budget.CondenseOversized,
		},
		Window: window.Config{
			MaxTokens:          c.Window.MaxTokens,
			Policy:             policy,
			NearCapacityRatio:  c.Window.NearCapacityRatio,
			TruncateTarget:     c.Window.TruncateTarget,
			KeepRecent:         c.Window.KeepRecent,
			ImportanceKeywords: c.Window.ImportanceKeywords,
			MessageOverhead:    c.Window.MessageOverhead,
			KeepAnswers:        c.Window.KeepAnswers,
			AnswerMaxTokens:    c.Window.AnswerMaxTokens,
		},
		Compaction: compact,
		Cost: cost.Config{
			Pricing:     cost.Pricing(c.Cost.Pricing),
			CachePolicy: cachePolicy,
			DailyBudget: c.Cost.DailyBudget,
			Tiers:       tiers,
			MaxHistory:  c.Cost.MaxHistory,
		},
	}, nil
}

// SourceScan maps the scan section onto the scanner configuration.
func (c *Config) SourceScan() source.ScanConfig {
	return source.ScanConfig{
		Include:        c.Scan.Include,
		Exclude:        c.Scan.Exclude,
		SkipDirs:       c.Scan.SkipDirs,
		MaxUnits:       c.Scan.MaxUnits,
		MaxUnitBytes:   c.Scan.MaxUnitBytes,
		Concurrency:    c.Scan.Concurrency,
		IncludeUnknown: c.Scan.IncludeUnknown,
	}
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}
