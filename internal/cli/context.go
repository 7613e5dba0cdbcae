package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ctxbudget/internal/config"
	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/source"
	"ctxbudget/internal/storage"
	"ctxbudget/pkg/logger"
)

var errNoContext = errors.New("CLI context not initialized")

// CLIContext carries the loaded configuration and lazily opened resources
// of one command invocation.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Verbose    bool
	Quiet      bool

	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error
}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// Log returns a component logger.
func (c *CLIContext) Log(component string) zerolog.Logger {
	return logger.Component(component)
}

// GetStorage opens the store on first use. It returns nil, nil when
// storage is disabled.
func (c *CLIContext) GetStorage(ctx context.Context) (*storage.DB, error) {
	if !c.Config.Storage.Enabled {
		return nil, nil
	}
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(ctx, c.Config.Storage.Path)
	})
	return c.storage, c.storageErr
}

// SessionMode selects whether a session is backed by the store.
type SessionMode int

const (
	// Ephemeral sessions keep nothing after the command exits.
	Ephemeral SessionMode = iota
	// Persistent sessions resume the last session and save their window
	// and usage to the store.
	Persistent
)

// NewSession builds an engine session from the configuration. mutate, when
// set, adjusts the engine configuration first, for flag overrides.
func (c *CLIContext) NewSession(ctx context.Context, mode SessionMode, warnings io.Writer, mutate func(*engine.Config)) (*engine.Session, error) {
	ec, err := c.Config.Engine()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&ec)
	}

	opts := engine.Options{
		Config: ec,
		Logger: c.Log("engine"),
		Notifier: cost.NotifierFunc(func(_ context.Context, w cost.Warning) {
			if warnings != nil {
				fmt.Fprintf(warnings, "%s: %s\n", w.Severity, w.Message)
			}
		}),
	}

	var db *storage.DB
	if mode == Persistent {
		db, err = c.GetStorage(ctx)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	if db != nil {
		opts.Store = db
		id, err := db.KVGet(ctx, storage.KVLastSession)
		switch {
		case err == nil:
			opts.SessionID = id
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("read last session: %w", err)
		}
	}

	session, err := engine.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	if db != nil {
		if err := db.KVSet(ctx, storage.KVLastSession, session.ID(), 0); err != nil {
			log := c.Log("cli")
			log.Warn().Err(err).Msg("failed to remember session")
		}
	}
	return session, nil
}

// Scan reads the units under dir using the scan configuration.
func (c *CLIContext) Scan(ctx context.Context, dir string) (source.ScanResult, error) {
	scanner, err := source.NewScanner(c.Config.SourceScan(), c.Log("source"))
	if err != nil {
		return source.ScanResult{}, err
	}
	return scanner.Scan(ctx, dir)
}

// Close releases opened resources.
func (c *CLIContext) Close() error {
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

func cliContext(cmd *cobra.Command) (*CLIContext, error) {
	c := GetCLIContext(cmd)
	if c == nil {
		return nil, errNoContext
	}
	return c, nil
}

// readUnit loads one file as a unit, inferring kind and language from its
// name unless kind is given.
func readUnit(path, kind string) (content.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return content.Unit{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return content.Unit{}, err
	}
	k, lang := source.Detect(path)
	if kind != "" {
		k = content.ParseKind(kind)
	}
	return content.NewUnit(path, string(data), k, lang, info.ModTime()), nil
}
