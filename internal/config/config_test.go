package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/window"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, 8787, cfg.Gateway.Port)
	assert.Equal(t, "0 0 * * *", cfg.Gateway.PruneSchedule)
	assert.Equal(t, 30*24*time.Hour, cfg.Scorer.RecencyWindow)

	ec, err := cfg.Engine()
	require.NoError(t, err)
	def := engine.DefaultConfig()
	assert.Equal(t, def.ModelID, ec.ModelID)
	assert.Equal(t, def.Window, ec.Window)
	assert.Equal(t, def.Scorer, ec.Scorer)
	assert.Equal(t, def.Cost.Pricing, ec.Cost.Pricing)
	assert.Equal(t, def.Cost.Tiers, ec.Cost.Tiers)
	assert.Equal(t, def.Condense, ec.Condense)
	assert.True(t, ec.Selector.CondenseOversized)
}

func TestLoad_FromFile(t *testing.T) {
	Reset()
	defer Reset()

	path := writeConfig(t, `
version: "1.2.0"
model: gpt-4o
window:
  max_tokens: 1000
  policy: selective
budget:
  max_tokens: 5000
  excluded_kinds: [prose, lock]
cost:
  daily_budget: 2.5
  cache_policy: excluded
  pricing:
    local-llama:
      input_per_k_tokens: 0
      output_per_k_tokens: 0
  warning_tiers:
    - fraction: 0.5
      severity: info
scorer:
  recency_window: 168h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, path, Path())

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", ec.ModelID)
	assert.Equal(t, 1000, ec.Window.MaxTokens)
	assert.Equal(t, window.PolicySelective, ec.Window.Policy)
	assert.Equal(t, 5000, ec.Selector.MaxTokens)
	assert.Equal(t, []content.Kind{content.KindProse, content.KindUnknown}, ec.Selector.ExcludedKinds)
	assert.Equal(t, cost.CacheExcluded, ec.Cost.CachePolicy)
	assert.Equal(t, []cost.Tier{{Fraction: 0.5, Severity: cost.SeverityInfo}}, ec.Cost.Tiers)
	assert.Equal(t, 168*time.Hour, ec.Scorer.RecencyWindow)
	_, ok := ec.Cost.Pricing.Lookup("local-llama")
	assert.True(t, ok)
	_, ok = ec.Cost.Pricing.Lookup("gpt-4o")
	assert.True(t, ok, "default pricing entries are kept")
}

func TestLoad_EnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("CTXBUDGET_WINDOW_MAX_TOKENS", "4242")
	t.Setenv("CTXBUDGET_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Window.MaxTokens)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cfg.Version)
}

func TestLoad_MalformedFile(t *testing.T) {
	Reset()
	defer Reset()

	_, err := Load(writeConfig(t, "window: [unclosed"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(writeConfig(t, `
version: "2.0.0"
log:
  format: xml
budget:
  max_tokens: 0
  relevance_threshold: 1.5
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
	for _, want := range []string{"version 2.0.0", "log.format", "max_tokens", "relevance_threshold"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_UnknownPolicyAndCachePolicy(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(writeConfig(t, "window:\n  policy: lru\n"))
	require.NoError(t, err)
	err = cfg.Validate()
	assert.ErrorIs(t, err, content.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "lru")

	cfg.Window.Policy = "truncate"
	cfg.Cost.CachePolicy = "free"
	err = cfg.Validate()
	assert.ErrorIs(t, err, content.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "free")
}

func TestValidate_BadPruneSchedule(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(writeConfig(t, "gateway:\n  prune_schedule: \"every day\"\n"))
	require.NoError(t, err)
	err = cfg.Validate()
	assert.ErrorIs(t, err, content.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "prune_schedule")
}

func TestValidate_BadVersion(t *testing.T) {
	cfg := &Config{Version: "one"}
	err := cfg.Validate()
	assert.ErrorIs(t, err, content.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "not a semantic version")
}

func TestSaveAndSaveTo(t *testing.T) {
	Reset()
	defer Reset()

	path := writeConfig(t, "model: gpt-4o\n")
	_, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Set("window.max_tokens", 2048))

	Reset()
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Window.MaxTokens)
	assert.Equal(t, "gpt-4o", cfg.Model)

	other := filepath.Join(t.TempDir(), "nested", "copy.yaml")
	require.NoError(t, SaveTo(cfg, other))
	info, err := os.Stat(other)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
