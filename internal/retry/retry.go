// Package retry absorbs transient store failures (timeouts, deadlocks,
// serialization conflicts, busy databases) with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Classifier reports whether err is worth retrying.
type Classifier func(error) bool

// Retrier runs store operations, retrying the ones its classifier accepts.
type Retrier struct {
	cfg      Config
	classify Classifier
	logger   *zap.Logger
}

// New builds a Retrier. A nil classifier retries nothing.
func New(cfg Config, classify Classifier, logger *zap.Logger) *Retrier {
	if classify == nil {
		classify = func(error) bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg.normalize(), classify: classify, logger: logger}
}

// Do runs fn until it succeeds, fails permanently or the attempts run out.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Value(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	if r == nil || r.cfg.MaxAttempts <= 1 {
		return fn(ctx)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.BaseDelay
	policy.MaxInterval = r.cfg.MaxDelay
	policy.Multiplier = r.cfg.Multiplier

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !r.classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("store transient error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.cfg.MaxAttempts),
				zap.Duration("next_delay", next),
				zap.Error(err),
			)
		}),
	)
}
