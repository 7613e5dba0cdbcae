package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPruneSchedule runs maintenance at local midnight.
const DefaultPruneSchedule = "0 0 * * *"

// PruneStore is the storage surface the maintenance job needs.
type PruneStore interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
	PruneWindows(ctx context.Context, sessionID string, keep int) (int64, error)
	KVCleanExpired(ctx context.Context) (int64, error)
}

// MaintenanceConfig configures the pruning job.
type MaintenanceConfig struct {
	Schedule      string
	RetentionDays int
	KeepSnapshots int
	SessionID     string
}

// MaintenanceReport is the outcome of one run.
type MaintenanceReport struct {
	UsageRemoved     int64     `json:"usage_removed"`
	SnapshotsRemoved int64     `json:"snapshots_removed"`
	KeysExpired      int64     `json:"keys_expired"`
	RanAt            time.Time `json:"ran_at"`
}

// Maintenance prunes persisted history on a cron schedule.
type Maintenance struct {
	cron   *cron.Cron
	store  PruneStore
	config MaintenanceConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	last    *MaintenanceReport
}

// NewMaintenance validates the schedule and registers the job. The job does
// not run until Start.
func NewMaintenance(store PruneStore, config MaintenanceConfig, logger zerolog.Logger) (*Maintenance, error) {
	if store == nil {
		return nil, errors.New("gateway: maintenance requires a store")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultPruneSchedule
	}
	m := &Maintenance{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	cl := cronLogger{logger}
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := m.cron.AddFunc(config.Schedule, func() {
		if _, err := m.Run(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("maintenance run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("gateway: invalid prune schedule %q: %w", config.Schedule, err)
	}
	return m, nil
}

// Start begins scheduling. Calling it twice is a no-op.
func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.cron.Start()
	m.running = true
	m.logger.Info().Str("schedule", m.config.Schedule).Msg("maintenance scheduled")
}

// Stop halts scheduling and waits for a running job to finish or ctx to
// end.
func (m *Maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run prunes once: usage older than the retention window, snapshots beyond
// the keep count, and expired keys. Every step runs; errors are joined.
func (m *Maintenance) Run(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{RanAt: m.now()}
	var errs []error

	if m.config.RetentionDays > 0 {
		cutoff := report.RanAt.AddDate(0, 0, -m.config.RetentionDays)
		n, err := m.store.PruneUsage(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune usage: %w", err))
		}
		report.UsageRemoved = n
	}
	if m.config.KeepSnapshots > 0 && m.config.SessionID != "" {
		n, err := m.store.PruneWindows(ctx, m.config.SessionID, m.config.KeepSnapshots)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune snapshots: %w", err))
		}
		report.SnapshotsRemoved = n
	}
	n, err := m.store.KVCleanExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("clean expired keys: %w", err))
	}
	report.KeysExpired = n

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	m.logger.Info().
		Int64("usage_removed", report.UsageRemoved).
		Int64("snapshots_removed", report.SnapshotsRemoved).
		Int64("keys_expired", report.KeysExpired).
		Msg("maintenance completed")
	return report, errors.Join(errs...)
}

// Last returns the most recent report, or nil before the first run.
func (m *Maintenance) Last() *MaintenanceReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
