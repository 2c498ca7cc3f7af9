// Package lock provides lease-based mutual exclusion over the relational
// store. Every grant carries a fencing token that strictly increases per
// resource; guarded writers check it with a Fence so a holder whose lease
// lapsed cannot overwrite the work of its successor.
//
// Locks are not reentrant: a holder asking again for a lock it still holds
// is denied and should Renew instead.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/instance"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

var (
	// ErrNotAcquired is returned by Hold when another holder owns the lock.
	ErrNotAcquired = errors.New("lock: held by another holder")
	// ErrLockLost means renewal failed and another holder may own the lock.
	ErrLockLost = errors.New("lock: lease lost")
	// ErrFencingViolation rejects a write carrying a superseded token.
	ErrFencingViolation = errors.New("lock: fencing token superseded")
)

// Grant is the result of an acquisition attempt.
type Grant struct {
	Granted      bool
	FencingToken int64
	ExpiresAt    time.Time
}

type Manager struct {
	store   storage.Locks
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	holder  string
	renew   time.Duration
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHolder sets the holder id Hold uses. It defaults to the process identity.
func WithHolder(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.holder = id
		}
	}
}

// WithRenewInterval sets how often Hold renews. Zero means a third of the lease.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) { m.renew = d }
}

func New(store storage.Locks, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock.Real{},
		logger: zap.NewNop(),
		holder: instance.New().String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("lock")
	m.metrics = metrics.OrNop(m.metrics)
	return m
}

// Holder returns the holder id Hold acquires with.
func (m *Manager) Holder() string { return m.holder }

// TryAcquire grants resource to holder when it is unheld or its lease has
// expired. It never blocks on contention.
func (m *Manager) TryAcquire(ctx context.Context, resource, holder string, lease time.Duration) (Grant, error) {
	g, ok, err := m.store.TryAcquire(ctx, resource, holder, lease)
	if err != nil {
		m.metrics.LockAcquire.WithLabelValues("error").Inc()
		return Grant{}, errors.Wrapf(err, "acquire %s", resource)
	}
	if !ok {
		m.metrics.LockAcquire.WithLabelValues("denied").Inc()
		m.logger.Debug("lock denied", zap.String("resource", resource), zap.String("holder", holder))
		return Grant{}, nil
	}
	m.metrics.LockAcquire.WithLabelValues("granted").Inc()
	m.logger.Debug("lock granted",
		zap.String("resource", resource),
		zap.String("holder", holder),
		zap.Int64("token", g.Token),
		zap.Time("expires_at", g.ExpiresAt),
	)
	return Grant{Granted: true, FencingToken: g.Token, ExpiresAt: g.ExpiresAt}, nil
}

// Renew extends a held lease. It reports false when the lease already
// expired or another holder has taken over.
func (m *Manager) Renew(ctx context.Context, resource, holder string, token int64, lease time.Duration) (bool, error) {
	ok, err := m.store.RenewLock(ctx, resource, holder, token, lease)
	if err != nil {
		return false, errors.Wrapf(err, "renew %s", resource)
	}
	if !ok {
		m.logger.Debug("renew rejected", zap.String("resource", resource), zap.Int64("token", token))
	}
	return ok, nil
}

func (m *Manager) Release(ctx context.Context, resource, holder string, token int64) (bool, error) {
	ok, err := m.store.ReleaseLock(ctx, resource, holder, token)
	if err != nil {
		return false, errors.Wrapf(err, "release %s", resource)
	}
	if !ok {
		m.logger.Debug("release rejected", zap.String("resource", resource), zap.Int64("token", token))
	}
	return ok, nil
}

func (m *Manager) Get(ctx context.Context, resource string) (domain.Lock, error) {
	l, err := m.store.GetLock(ctx, resource)
	return l, errors.Wrapf(err, "get lock %s", resource)
}

func (m *Manager) List(ctx context.Context) ([]domain.Lock, error) {
	locks, err := m.store.ListLocks(ctx)
	return locks, errors.Wrap(err, "list locks")
}

// Hold runs fn while holding resource. The lease is renewed in the
// background; if renewal fails fn's context is cancelled and Hold returns
// ErrLockLost. The lock is released when fn returns. Hold returns
// ErrNotAcquired without running fn when the lock is taken.
func (m *Manager) Hold(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context, token int64) error) error {
	grant, err := m.TryAcquire(ctx, resource, m.holder, lease)
	if err != nil {
		return err
	}
	if !grant.Granted {
		return ErrNotAcquired
	}

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopped := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		m.keepAlive(hctx, resource, grant, lease, stopped, cancel)
	}()

	err = fn(hctx, grant.FencingToken)
	close(stopped)
	<-renewDone

	lost := errors.Is(context.Cause(hctx), ErrLockLost)
	if !lost {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rcancel()
		if _, rerr := m.Release(rctx, resource, m.holder, grant.FencingToken); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return err
	}
	return multierr.Append(err, ErrLockLost)
}

func (m *Manager) keepAlive(ctx context.Context, resource string, grant Grant, lease time.Duration, stopped <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := m.renew
	if interval <= 0 {
		interval = lease / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expires := grant.ExpiresAt
	for {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := m.Renew(ctx, resource, m.holder, grant.FencingToken, lease)
		switch {
		case err != nil && m.clock.Now().Before(expires):
			m.logger.Warn("renew failed, retrying", zap.String("resource", resource), zap.Error(err))
			continue
		case err == nil && ok:
			expires = m.clock.Now().Add(lease)
			continue
		}
		m.metrics.LockLost.Inc()
		m.logger.Warn("lock lost",
			zap.String("resource", resource),
			zap.Int64("token", grant.FencingToken),
			zap.Error(err),
		)
		cancel(ErrLockLost)
		return
	}
}
