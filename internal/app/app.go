// Package app assembles the coordination components on top of one store.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/cachesignal"
	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/config"
	"github.com/SirClappington/sqlcoord/internal/instance"
	"github.com/SirClappington/sqlcoord/internal/lock"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/scheduler"
	"github.com/SirClappington/sqlcoord/internal/storage"
	"github.com/SirClappington/sqlcoord/internal/storage/postgres"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite"
	"github.com/SirClappington/sqlcoord/internal/subscriptions"
)

// MaintenanceLock is the resource that serialises maintenance across
// processes.
const MaintenanceLock = "sqlcoord:maintenance"

type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Instance instance.Identity

	Store         storage.Store
	Prometheus    *prometheus.Registry
	Metrics       *metrics.Metrics
	Subscriptions *subscriptions.Registry
	Transport     *queue.Transport
	Locks         *lock.Manager
	Fence         *lock.Fence
	Cache         *cachesignal.Bus
	Scheduler     *scheduler.Scheduler

	clock clock.Clock
}

type Option func(*App)

func WithClock(c clock.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithStore uses s instead of opening one from the configuration. The app
// still closes it.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.Store = s }
}

// New opens and migrates the store, then builds every component.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Instance: instance.New(),
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Store == nil {
		store, err := OpenStore(ctx, cfg, logger, a.clock)
		if err != nil {
			return nil, err
		}
		a.Store = store
	}
	if err := a.Store.Migrate(ctx); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "migrate store"), a.Store.Close())
	}

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewQueueCollector(a.Store, 5*time.Second, logger.Named("metrics")),
	)
	a.Metrics = metrics.New(a.Prometheus)

	a.Subscriptions = subscriptions.New(a.Store,
		subscriptions.WithClock(a.clock),
		subscriptions.WithLogger(logger),
		subscriptions.WithCacheTTL(cfg.Subscriptions.CacheTTL),
	)
	a.Transport = queue.New(a.Store, a.Subscriptions,
		queue.WithClock(a.clock),
		queue.WithLogger(logger),
		queue.WithMetrics(a.Metrics),
		queue.WithConsumeDefaults(cfg.Queue.ConsumeConfig()),
	)
	a.Locks = lock.New(a.Store,
		lock.WithClock(a.clock),
		lock.WithLogger(logger),
		lock.WithMetrics(a.Metrics),
		lock.WithHolder(a.Instance.String()),
		lock.WithRenewInterval(cfg.Lock.RenewInterval),
	)
	a.Fence = lock.NewFence(a.Store, logger, a.Metrics)
	a.Cache = cachesignal.New(a.Transport, a.Subscriptions, a.Store,
		cachesignal.WithConfig(cfg.Cache),
		cachesignal.WithLogger(logger),
		cachesignal.WithMetrics(a.Metrics),
		cachesignal.WithInstance(a.Instance),
	)
	a.Scheduler = scheduler.New(a.Store, a.Transport,
		scheduler.WithClock(a.clock),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.Metrics),
		scheduler.WithConfig(cfg.Scheduler),
	)
	logger.Info("coordination substrate ready",
		zap.String("driver", cfg.StoreDriver),
		zap.Stringer("instance", a.Instance),
	)
	return a, nil
}

// OpenStore opens the backend named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger, clk clock.Clock) (storage.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithClock(clk),
			postgres.WithLogger(logger.Named("postgres")),
			postgres.WithRetry(cfg.Retry.Config()),
		)
		return s, errors.Wrap(err, "open postgres store")
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath,
			sqlite.WithClock(clk),
			sqlite.WithLogger(logger.Named("sqlite")),
			sqlite.WithRetry(cfg.Retry.Config()),
		)
		return s, errors.Wrap(err, "open sqlite store")
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	// Skipped is set when another process held the maintenance lock.
	Skipped bool
	Reaped  int64
	Pruned  int
	Purged  int64
}

// MaintainOnce runs one maintenance pass if no other process is running one.
func (a *App) MaintainOnce(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	err := a.Locks.Hold(ctx, MaintenanceLock, a.Config.Lock.Lease, func(ctx context.Context, _ int64) error {
		reaped, err := a.reapDurable(ctx)
		rep.Reaped = reaped
		if err != nil {
			return err
		}
		pruned, err := a.Subscriptions.Prune(ctx)
		rep.Pruned = len(pruned)
		if err != nil {
			return err
		}
		before := a.clock.Now().Add(-a.Config.Maintenance.Retention)
		if rep.Purged, err = a.Store.PurgeCompleted(ctx, before); err != nil {
			return errors.Wrap(err, "purge completed messages")
		}
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		rep.Skipped = true
		return rep, nil
	}
	return rep, err
}

// reapDurable dead-letters exhausted expired leases on durable queues using
// the configured delivery budget. Ephemeral queues are reaped by their own
// consumers, which know the budget they were opened with.
func (a *App) reapDurable(ctx context.Context) (int64, error) {
	stats, err := a.Store.QueueStats(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list queues")
	}
	var total int64
	for _, st := range stats {
		if st.Ephemeral || st.Leased == 0 {
			continue
		}
		n, err := a.Store.ReapExpired(ctx, st.Queue, a.Config.Queue.MaxDeliveries)
		if err != nil {
			return total, errors.Wrapf(err, "reap expired leases on %s", st.Queue)
		}
		total += n
	}
	return total, nil
}

// RunMaintenance calls MaintainOnce every Maintenance.Interval until ctx is
// cancelled.
func (a *App) RunMaintenance(ctx context.Context) error {
	logger := a.Logger.Named("maintenance")
	ticker := time.NewTicker(a.Config.Maintenance.Interval)
	defer ticker.Stop()
	for {
		rep, err := a.MaintainOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("maintenance failed", zap.Error(err))
		case rep.Skipped:
			logger.Debug("maintenance running elsewhere")
		case rep.Reaped+rep.Purged > 0 || rep.Pruned > 0:
			logger.Info("maintenance pass",
				zap.Int64("reaped", rep.Reaped),
				zap.Int("pruned", rep.Pruned),
				zap.Int64("purged", rep.Purged),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Now reads the clock every component was built with.
func (a *App) Now() time.Time { return a.clock.Now() }

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	return err
}
