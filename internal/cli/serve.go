package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ctxbudget/internal/engine"
	"ctxbudget/internal/gateway"
	"ctxbudget/internal/source"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var (
		port  int
		host  string
		watch string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		Long: `Start the HTTP gateway over a persistent session.

The gateway exposes selection, condensing, the context window and usage
accounting under /api/v1. With --watch, a directory is scanned into the
candidate pool and kept current as files change.`,
		Example: `  ctxbudget serve
  ctxbudget serve --port 9000 --watch .`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, host, port, watch)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "host to bind to (overrides config)")
	cmd.Flags().StringVar(&watch, "watch", "", "directory to scan and watch for the candidate pool")

	return cmd
}

func runServe(cmd *cobra.Command, host string, port int, watch string) error {
	cliCtx, err := cliContext(cmd)
	if err != nil {
		return err
	}
	cfg := cliCtx.Config
	log := cliCtx.Log("serve")

	if port > 0 {
		cfg.Gateway.Port = port
	}
	if host != "" {
		cfg.Gateway.Host = host
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := cliCtx.NewSession(ctx, Persistent, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close(context.Background()) }()

	opts := gateway.Options{
		Addr:    cfg.Gateway.Addr(),
		Version: Version,
		Logger:  cliCtx.Log("gateway"),
	}
	db, err := cliCtx.GetStorage(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		opts.Maintenance, err = gateway.NewMaintenance(db, gateway.MaintenanceConfig{
			Schedule:      cfg.Gateway.PruneSchedule,
			RetentionDays: cfg.Storage.RetentionDays,
			KeepSnapshots: cfg.Storage.KeepSnapshots,
			SessionID:     session.ID(),
		}, cliCtx.Log("maintenance"))
		if err != nil {
			return err
		}
	}

	srv, err := gateway.NewServer(session, opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if watch != "" {
		closeWatch, err := watchPool(ctx, cliCtx, session, watch)
		if err != nil {
			return err
		}
		defer closeWatch()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().
		Str("address", "http://"+cfg.Gateway.Addr()).
		Str("session", session.ID()).
		Msg("Server started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// watchPool scans dir into the session pool and keeps it current until the
// returned func is called.
func watchPool(ctx context.Context, cliCtx *CLIContext, session *engine.Session, dir string) (func(), error) {
	scanner, err := source.NewScanner(cliCtx.Config.SourceScan(), cliCtx.Log("source"))
	if err != nil {
		return nil, err
	}
	scan, err := scanner.Scan(ctx, dir)
	if err != nil {
		return nil, err
	}
	session.SetPool(scan.Units)

	w, err := source.NewWatcher(dir, scanner, cliCtx.Log("watcher"))
	if err != nil {
		return nil, err
	}

	log := cliCtx.Log("watcher")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := session.Subscribe(ctx, w.Events()); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("pool subscription ended")
		}
	}()

	log.Info().Str("dir", dir).Int("units", len(scan.Units)).Msg("watching candidate pool")
	return func() {
		_ = w.Close()
		<-done
	}, nil
}
