// Package cachesignal broadcasts cache invalidations between processes. Each
// process binds its own ephemeral queue to a reserved topic; an invalidation
// is an ordinary publish. Signals are best effort: a missed one leaves a
// stale entry until the next write, so delivery retries stay small and
// failures are only logged.
package cachesignal

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/instance"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Topic is the reserved topic invalidations travel on.
const Topic = "cache-invalidate"

const headerOrigin = "sqlcoord-origin"

// Registry is the part of the subscription registry the bus uses.
type Registry interface {
	SubscribeEphemeral(ctx context.Context, topic, queue string, ttl time.Duration) error
	Touch(ctx context.Context, topic, queue string, ttl time.Duration) (bool, error)
	Unsubscribe(ctx context.Context, topic, queue string) (bool, error)
}

// Queues creates and drops the bus's private queue.
type Queues interface {
	EnsureQueue(ctx context.Context, name string, ephemeral bool) error
	DropQueue(ctx context.Context, name string) error
}

type Config struct {
	SubscriptionTTL time.Duration `env:"SUBSCRIPTION_TTL" envDefault:"30s"`
	Heartbeat       time.Duration `env:"HEARTBEAT" envDefault:"10s"`
	MaxDeliveries   int           `env:"MAX_DELIVERIES" envDefault:"3"`
	Lease           time.Duration `env:"LEASE" envDefault:"10s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	MaxPollInterval time.Duration `env:"MAX_POLL_INTERVAL" envDefault:"1s"`
}

func (c Config) normalize() Config {
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = 30 * time.Second
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.SubscriptionTTL {
		c.Heartbeat = c.SubscriptionTTL / 3
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Second
	}
	return c
}

type Bus struct {
	transport *queue.Transport
	registry  Registry
	queues    Queues
	cfg       Config
	origin    string
	queue     string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	caches    []Cache
	listeners []func(key string)
}

type Option func(*Bus)

func WithConfig(cfg Config) Option {
	return func(b *Bus) { b.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithInstance names the process; its queue is cache-signal.<id>.
func WithInstance(id instance.Identity) Option {
	return func(b *Bus) {
		b.origin = id.String()
		b.queue = "cache-signal." + id.ID
	}
}

func New(transport *queue.Transport, registry Registry, queues Queues, opts ...Option) *Bus {
	id := instance.New()
	b := &Bus{
		transport: transport,
		registry:  registry,
		queues:    queues,
		origin:    id.String(),
		queue:     "cache-signal." + id.ID,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cfg = b.cfg.normalize()
	b.logger = b.logger.Named("cachesignal").With(zap.String("queue", b.queue))
	b.metrics = metrics.OrNop(b.metrics)
	return b
}

// Queue is the private queue this process receives signals on.
func (b *Bus) Queue() string { return b.queue }

// Register adds a cache that signals evict from.
func (b *Bus) Register(c Cache) {
	b.mu.Lock()
	b.caches = append(b.caches, c)
	b.mu.Unlock()
}

// OnInvalidate adds a callback run for every key evicted by a signal.
func (b *Bus) OnInvalidate(fn func(key string)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Invalidate evicts key locally and tells every other process to do the same.
func (b *Bus) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "cache key is required")
	}
	b.evict(key)
	_, err := b.transport.Publish(ctx, Topic, []byte(key),
		queue.WithHeaders(map[string]string{headerOrigin: b.origin}))
	if err != nil {
		return errors.Wrapf(err, "invalidate %s", key)
	}
	b.metrics.CacheSignals.WithLabelValues("sent").Inc()
	return nil
}

// Run binds the private queue and processes signals until ctx is cancelled.
// On return the subscription and the queue are removed.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.queues.EnsureQueue(ctx, b.queue, true); err != nil {
		return errors.Wrap(err, "cachesignal: create queue")
	}
	if err := b.registry.SubscribeEphemeral(ctx, Topic, b.queue, b.cfg.SubscriptionTTL); err != nil {
		return errors.Wrap(err, "cachesignal: subscribe")
	}
	b.logger.Info("cache signal bus started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.keepSubscribed(gctx)
		return nil
	})
	g.Go(func() error {
		return b.transport.Consume(gctx, b.queue, b.handle,
			queue.WithMaxDeliveries(b.cfg.MaxDeliveries),
			queue.WithLease(b.cfg.Lease),
			queue.WithPollInterval(b.cfg.PollInterval, b.cfg.MaxPollInterval),
			queue.WithShutdownGrace(time.Second),
			queue.WithRetryPolicy(domain.RetryPolicy{
				MaxAttempts:    b.cfg.MaxDeliveries,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     time.Second,
			}),
		)
	})
	err := g.Wait()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, uerr := b.registry.Unsubscribe(cctx, Topic, b.queue); uerr != nil {
		err = multierr.Append(err, errors.Wrap(uerr, "cachesignal: unsubscribe"))
	}
	if derr := b.queues.DropQueue(cctx, b.queue); derr != nil {
		err = multierr.Append(err, errors.Wrap(derr, "cachesignal: drop queue"))
	}
	b.logger.Info("cache signal bus stopped")
	return err
}

func (b *Bus) keepSubscribed(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := b.registry.Touch(ctx, Topic, b.queue, b.cfg.SubscriptionTTL)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("subscription heartbeat failed", zap.Error(err))
			}
			continue
		}
		if ok {
			continue
		}
		// Pruned while we were away; bind again.
		b.logger.Warn("subscription lapsed, resubscribing")
		if err := b.queues.EnsureQueue(ctx, b.queue, true); err != nil {
			b.logger.Warn("recreate queue failed", zap.Error(err))
			continue
		}
		if err := b.registry.SubscribeEphemeral(ctx, Topic, b.queue, b.cfg.SubscriptionTTL); err != nil {
			b.logger.Warn("resubscribe failed", zap.Error(err))
		}
	}
}

func (b *Bus) handle(_ context.Context, msg *domain.Message) error {
	b.metrics.CacheSignals.WithLabelValues("received").Inc()
	if msg.Header(headerOrigin) == b.origin {
		return nil
	}
	key := string(msg.Payload)
	b.evict(key)
	b.logger.Debug("cache key invalidated", zap.String("key", key))
	return nil
}

func (b *Bus) evict(key string) {
	b.mu.RLock()
	caches := append([]Cache(nil), b.caches...)
	listeners := append([]func(string)(nil), b.listeners...)
	b.mu.RUnlock()
	for _, c := range caches {
		c.Evict(key)
	}
	for _, fn := range listeners {
		fn(key)
	}
}
