// Package subscriptions maintains topic to queue bindings. Resolve results
// are snapshots: a Subscribe racing a Publish may or may not be seen by it,
// and remote changes become visible within one cache TTL.
package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Store is the persistence the registry needs.
type Store interface {
	storage.Subscriptions
	DropQueue(ctx context.Context, name string) error
}

type Registry struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]snapshot
}

type snapshot struct {
	queues []string
	at     time.Time
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCacheTTL caches Resolve results for ttl. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  clock.Real{},
		logger: zap.NewNop(),
		cache:  make(map[string]snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("subscriptions")
	return r
}

// Subscribe adds a durable binding. Subscribing twice is a no-op.
func (r *Registry) Subscribe(ctx context.Context, topic, queue string) error {
	if err := r.store.Subscribe(ctx, domain.Subscription{Topic: topic, Queue: queue}); err != nil {
		return errors.Wrapf(err, "subscribe %s to %s", queue, topic)
	}
	r.forget(topic)
	r.logger.Debug("subscribed", zap.String("topic", topic), zap.String("queue", queue))
	return nil
}

// SubscribeEphemeral adds a binding that lapses after ttl unless touched.
func (r *Registry) SubscribeEphemeral(ctx context.Context, topic, queue string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Wrap(storage.ErrInvalidArgument, "ephemeral subscription ttl must be positive")
	}
	expires := r.clock.Now().Add(ttl)
	sub := domain.Subscription{Topic: topic, Queue: queue, ExpiresAt: &expires}
	if err := r.store.Subscribe(ctx, sub); err != nil {
		return errors.Wrapf(err, "subscribe %s to %s", queue, topic)
	}
	r.forget(topic)
	return nil
}

// Touch extends an ephemeral binding. It reports false when the binding is
// gone, for example after a prune.
func (r *Registry) Touch(ctx context.Context, topic, queue string, ttl time.Duration) (bool, error) {
	ok, err := r.store.TouchSubscription(ctx, topic, queue, r.clock.Now().Add(ttl))
	if err != nil {
		return false, errors.Wrapf(err, "touch %s/%s", topic, queue)
	}
	return ok, nil
}

func (r *Registry) Unsubscribe(ctx context.Context, topic, queue string) (bool, error) {
	ok, err := r.store.Unsubscribe(ctx, topic, queue)
	if err != nil {
		return false, errors.Wrapf(err, "unsubscribe %s from %s", queue, topic)
	}
	r.forget(topic)
	return ok, nil
}

// Resolve returns the queues subscribed to topic, sorted by name. The slice
// belongs to the caller.
func (r *Registry) Resolve(ctx context.Context, topic string) ([]string, error) {
	now := r.clock.Now()
	if r.ttl > 0 {
		r.mu.Lock()
		snap, ok := r.cache[topic]
		r.mu.Unlock()
		if ok && now.Sub(snap.at) < r.ttl {
			return append([]string(nil), snap.queues...), nil
		}
	}
	queues, err := r.store.Resolve(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", topic)
	}
	sort.Strings(queues)
	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[topic] = snapshot{queues: append([]string(nil), queues...), at: now}
		r.mu.Unlock()
	}
	return queues, nil
}

func (r *Registry) List(ctx context.Context, topic string) ([]domain.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, topic)
	return subs, errors.Wrap(err, "list subscriptions")
}

// Prune deletes lapsed ephemeral bindings and drops their queues once no
// binding refers to them any more.
func (r *Registry) Prune(ctx context.Context) ([]domain.Subscription, error) {
	pruned, err := r.store.PruneSubscriptions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "prune subscriptions")
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	remaining, err := r.store.ListSubscriptions(ctx, "")
	if err != nil {
		return pruned, errors.Wrap(err, "list subscriptions")
	}
	inUse := make(map[string]struct{}, len(remaining))
	for _, s := range remaining {
		inUse[s.Queue] = struct{}{}
	}
	dropped := make(map[string]struct{})
	for _, s := range pruned {
		r.forget(s.Topic)
		if _, ok := inUse[s.Queue]; ok {
			continue
		}
		if _, ok := dropped[s.Queue]; ok {
			continue
		}
		if err := r.store.DropQueue(ctx, s.Queue); err != nil {
			return pruned, errors.Wrapf(err, "drop queue %s", s.Queue)
		}
		dropped[s.Queue] = struct{}{}
		r.logger.Info("pruned ephemeral subscription",
			zap.String("topic", s.Topic), zap.String("queue", s.Queue))
	}
	return pruned, nil
}

func (r *Registry) forget(topic string) {
	r.mu.Lock()
	delete(r.cache, topic)
	r.mu.Unlock()
}
