package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ctxbudget/internal/content"
)

// ScanConfig bounds a scan.
type ScanConfig struct {
	// Include globs (doublestar syntax, relative to the root). Empty means
	// every file of a known kind.
	Include []string `json:"include"`

	// Exclude globs applied to files and directories.
	Exclude []string `json:"exclude"`

	// SkipDirs are directory names never descended into.
	SkipDirs []string `json:"skip_dirs"`

	// MaxUnits caps the number of units returned.
	// Default: 2000
	MaxUnits int `json:"max_units"`

	// MaxUnitBytes skips larger files.
	// Default: 262144
	MaxUnitBytes int64 `json:"max_unit_bytes"`

	// Concurrency bounds parallel file reads.
	// Default: 8
	Concurrency int `json:"concurrency"`

	// IncludeUnknown keeps files whose kind cannot be inferred.
	IncludeUnknown bool `json:"include_unknown"`
}

// DefaultScanConfig returns a ScanConfig with default values.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		SkipDirs:     []string{".git", ".hg", ".svn", "node_modules", "vendor", "dist", "build", "target", "__pycache__", ".venv"},
		MaxUnits:     2000,
		MaxUnitBytes: 256 << 10,
		Concurrency:  8,
	}
}

// Validate checks limits and glob syntax.
func (c ScanConfig) Validate() error {
	var errs []error
	if c.MaxUnits <= 0 {
		errs = append(errs, fmt.Errorf("max_units must be positive, got %d", c.MaxUnits))
	}
	if c.MaxUnitBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_unit_bytes must be positive, got %d", c.MaxUnitBytes))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	for _, p := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("invalid glob %q", p))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: scan: %w", content.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Skipped is a file the scan did not turn into a unit.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ScanResult is the outcome of one scan.
type ScanResult struct {
	Units     []content.Unit `json:"units"`
	Skipped   []Skipped      `json:"skipped,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Scanner enumerates content units under a root directory.
type Scanner struct {
	config   ScanConfig
	skipDirs map[string]bool
	logger   zerolog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(config ScanConfig, logger zerolog.Logger) (*Scanner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(config.SkipDirs))
	for _, d := range config.SkipDirs {
		skip[d] = true
	}
	return &Scanner{config: config, skipDirs: skip, logger: logger}, nil
}

// Config returns the scan configuration.
func (s *Scanner) Config() ScanConfig {
	return s.config
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// skipDir reports whether a directory, given relative to the root, is
// pruned from the walk.
func (s *Scanner) skipDir(rel string) bool {
	if rel == "." {
		return false
	}
	return s.skipDirs[filepath.Base(rel)] || matchAny(s.config.Exclude, rel)
}

// accept reports whether a file, given relative to the root, is a
// candidate.
func (s *Scanner) accept(rel string) bool {
	if matchAny(s.config.Exclude, rel) {
		return false
	}
	if len(s.config.Include) > 0 && !matchAny(s.config.Include, rel) {
		return false
	}
	if kind, _ := Detect(rel); kind == content.KindUnknown && !s.config.IncludeUnknown {
		return false
	}
	return true
}

// Scan walks root and loads every accepted file. Files are visited in
// parallel; the result is sorted by ID. The scan stops early when ctx is
// cancelled.
func (s *Scanner) Scan(ctx context.Context, root string) (ScanResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		mu    sync.Mutex
		paths []string
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug().Err(err).Str("path", path).Msg("source: walk error")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if s.skipDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.accept(rel) {
			return nil
		}
		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("source: walk %s: %w", root, err)
	}

	sort.Strings(paths)
	var res ScanResult
	if len(paths) > s.config.MaxUnits {
		s.logger.Warn().
			Int("found", len(paths)).
			Int("max_units", s.config.MaxUnits).
			Msg("source: scan truncated")
		paths = paths[:s.config.MaxUnits]
		res.Truncated = true
	}

	units := make([]*content.Unit, len(paths))
	skipped := make([]*Skipped, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u, reason := load(root, rel, s.config.MaxUnitBytes)
			if reason != "" {
				skipped[i] = &Skipped{Path: rel, Reason: reason}
				return nil
			}
			units[i] = &u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}

	for i := range paths {
		switch {
		case units[i] != nil:
			res.Units = append(res.Units, *units[i])
		case skipped[i] != nil:
			res.Skipped = append(res.Skipped, *skipped[i])
		}
	}
	s.logger.Debug().
		Str("root", root).
		Int("units", len(res.Units)).
		Int("skipped", len(res.Skipped)).
		Msg("source: scan complete")
	return res, nil
}

// load reads one file into a unit. A non-empty reason means the file was
// skipped.
func load(root, rel string, maxBytes int64) (content.Unit, string) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return content.Unit{}, "stat: " + err.Error()
	}
	if info.Size() > maxBytes {
		return content.Unit{}, fmt.Sprintf("too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return content.Unit{}, "read: " + err.Error()
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return content.Unit{}, "binary"
	}
	kind, lang := Detect(rel)
	return content.NewUnit(rel, string(data), kind, lang, info.ModTime()), ""
}
