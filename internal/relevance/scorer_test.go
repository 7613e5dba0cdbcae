package relevance

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/content"
	"ctxbudget/internal/tokens"
)

var now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig(), tokens.Default(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Weights = Weights{}
	cfg.RecencyWindow = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, content.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "all be zero")
	assert.Contains(t, err.Error(), "recency_window")
}

func TestScorer_Recency(t *testing.T) {
	s := newScorer(t)
	tests := []struct {
		name     string
		modified time.Time
		now      time.Time
		want     float64
	}{
		{"just modified", now, now, 1},
		{"future", now.Add(time.Hour), now, 1},
		{"half window", now.Add(-15 * 24 * time.Hour), now, 0.5},
		{"past window", now.Add(-60 * 24 * time.Hour), now, 0},
		{"unknown modification", time.Time{}, now, 0.5},
		{"no reference time", now, time.Time{}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.recency(tt.modified, tt.now), 1e-9)
		})
	}
}

func TestScorer_SizeFitIsUnimodal(t *testing.T) {
	s := newScorer(t)
	assert.Equal(t, 0.0, s.sizeFit(0))
	assert.InDelta(t, 1.0, s.sizeFit(1500), 1e-9)
	assert.Less(t, s.sizeFit(10), s.sizeFit(500))
	assert.Less(t, s.sizeFit(500), s.sizeFit(1500))
	assert.Less(t, s.sizeFit(50000), s.sizeFit(5000))
	assert.Less(t, s.sizeFit(5000), s.sizeFit(1500))
}

func TestScorer_KindWeight(t *testing.T) {
	s := newScorer(t)
	assert.Equal(t, 1.0, s.kindWeight(content.Unit{Kind: content.KindSource, Language: "go"}))
	assert.InDelta(t, 0.4, s.kindWeight(content.Unit{Kind: content.KindProse, Language: "markdown"}), 1e-9)
	assert.Equal(t, 0.3, s.kindWeight(content.Unit{Kind: content.Kind("weird")}))
}

func TestScorer_ConnectivityCapped(t *testing.T) {
	s := newScorer(t)
	assert.Equal(t, 0.0, s.connectivity(0))
	assert.InDelta(t, 0.4, s.connectivity(2), 1e-9)
	assert.Equal(t, 1.0, s.connectivity(5))
	assert.Equal(t, 1.0, s.connectivity(50))
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"fix", "token", "estimator", "tokens/estimator.go"},
		Terms("Fix the token estimator in tokens/estimator.go, and the token"))
	assert.Empty(t, Terms("is it on"))
}

func TestScorer_QueryMatch(t *testing.T) {
	u := content.NewUnit("internal/cost/accountant.go", "package cost\n// tiers fire once", content.KindSource, "go", now)
	assert.InDelta(t, 1.0, queryMatch(u, []string{"accountant"}), 1e-9)
	assert.InDelta(t, 0.6, queryMatch(u, []string{"tiers"}), 1e-9)
	assert.InDelta(t, 0.8, queryMatch(u, []string{"accountant", "tiers"}), 1e-9)
	assert.InDelta(t, 0.0, queryMatch(u, []string{"window"}), 1e-9)
}

func TestScorer_PureAndBounded(t *testing.T) {
	s := newScorer(t)
	u := content.NewUnit("a.go", strings.Repeat("x := 1\n", 800), content.KindSource, "go", now.Add(-time.Hour))
	q := Query{Text: "a.go scoring", Now: now}

	first, b1 := s.Score(u, q)
	second, b2 := s.Score(u, q)
	assert.Equal(t, first, second)
	assert.Equal(t, b1, b2)
	assert.GreaterOrEqual(t, first, 0.0)
	assert.LessOrEqual(t, first, 1.0)
}

func TestScorer_NoQueryRedistributesWeight(t *testing.T) {
	s := newScorer(t)
	u := content.NewUnit("main.go", strings.Repeat("abcd", 1500), content.KindSource, "go", now)

	score, b := s.Score(u, Query{Now: now})
	// recency 1, kind 1, size fit 1, connectivity 0 over weights .3/.2/.1/.2.
	assert.InDelta(t, 0.75, score, 1e-9)
	assert.Equal(t, 0.0, b.QueryMatch)

	withMiss, _ := s.Score(u, Query{Text: "unrelated", Now: now})
	assert.InDelta(t, 0.6, withMiss, 1e-9)
}

func TestScorer_ScoreAll(t *testing.T) {
	s := newScorer(t)
	units := []content.Unit{
		content.NewUnit("src/app.ts", "import { helper } from './util/helper';\nimport x from 'react';\n", content.KindSource, "ts", now),
		content.NewUnit("src/util/helper.ts", "export const helper = 1;\n", content.KindSource, "ts", now),
		content.NewUnit("README.md", "# Readme\nSee [app](src/app.ts).\n", content.KindProse, "markdown", now),
		content.NewUnit("notes.txt", "unrelated\n", content.KindProse, "text", time.Time{}),
	}

	scored := s.ScoreAll(units, Query{Now: now}, func(n int) float64 { return float64(n) * 0.001 })
	require.Len(t, scored, 4)

	assert.InDelta(t, 0.4, scored[0].Breakdown.Connectivity, 1e-9)
	assert.InDelta(t, 0.2, scored[1].Breakdown.Connectivity, 1e-9)
	assert.InDelta(t, 0.2, scored[2].Breakdown.Connectivity, 1e-9)
	assert.Equal(t, 0.0, scored[3].Breakdown.Connectivity)

	for _, su := range scored {
		assert.Equal(t, content.Categorize(su.RelevanceScore), su.Category)
		assert.True(t, su.Approximate)
		assert.InDelta(t, float64(su.EstimatedTokens)*0.001, su.EstimatedCost, 1e-12)
		assert.False(t, math.IsNaN(su.RelevanceScore))
	}
}

func chat(id, role, text string) content.Unit {
	u := content.NewUnit(id, text, content.KindMessage, "", now)
	u.Role = role
	return u
}

func TestScorer_ConversationFlowBoosts(t *testing.T) {
	s := newScorer(t)
	q := Query{Now: now}
	units := []content.Unit{
		chat("m0", content.RoleUser, "how do I load the config file"),
		chat("m1", content.RoleAssistant, "call the loader with the path"),
		chat("m2", content.RoleUser, "as mentioned, the path is relative"),
		chat("m3", "tool", "loader output"),
		content.NewUnit("notes.md", "as mentioned before", content.KindProse, "markdown", now),
	}

	scored := s.ScoreAll(units, q, nil)
	require.Len(t, scored, len(units))

	wantFlow := []float64{1.2, 1.2, 1.15, 0, 0}
	for i, su := range scored {
		base, _ := s.Score(units[i], q)
		assert.InDelta(t, wantFlow[i], su.Breakdown.Flow, 1e-9, su.ID)
		factor := math.Max(wantFlow[i], 1)
		assert.InDelta(t, math.Min(base*factor, 1), su.RelevanceScore, 1e-9, su.ID)
		assert.Equal(t, content.Categorize(su.RelevanceScore), su.Category)
	}
}

func TestScorer_ConversationFlowDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairBoost = 1
	cfg.BackReferenceBoost = 1
	s, err := New(cfg, tokens.Default(), zerolog.Nop())
	require.NoError(t, err)

	scored := s.ScoreAll([]content.Unit{
		chat("q", content.RoleUser, "why"),
		chat("a", content.RoleAssistant, "as mentioned, because"),
	}, Query{Now: now}, nil)
	for _, su := range scored {
		assert.Zero(t, su.Breakdown.Flow)
	}

	cfg.PairBoost = 0.5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair_boost")
}

func TestReferences(t *testing.T) {
	text := strings.Join([]string{
		`import (`,
		`	"fmt"`,
		`	"ctxbudget/internal/content"`,
		`)`,
		`#include "util.h"`,
		`from pkg.mod import thing`,
		`const fs = require('fs');`,
		`See [docs](docs/setup.md#install) and [site](https://example.com).`,
	}, "\n")
	refs := References(content.Unit{Text: text})
	assert.ElementsMatch(t, []string{"ctxbudget/internal/content", "util.h", "pkg.mod", "fs", "docs/setup.md"}, refs)
}

func TestResolves(t *testing.T) {
	tests := []struct {
		id, target string
		want       bool
	}{
		{"src/util/helper.ts", "./util/helper", true},
		{"src/util/helper.ts", "../util/helper.ts", true},
		{"pkg/mod.py", "pkg.mod", true},
		{"internal/content/unit.go", "ctxbudget/internal/content", true},
		{"docs/setup.md", "docs/setup.md", true},
		{"src/other.ts", "./util/helper", false},
		{"src/util/helper.ts", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolves(tt.id, tt.target), "%s <- %s", tt.id, tt.target)
	}
}
