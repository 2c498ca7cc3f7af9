package queue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Handler processes one message. Returning nil acks it; returning an error
// nacks it with backoff, or dead-letters it when wrapped with Permanent.
type Handler func(ctx context.Context, msg *domain.Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsumeConfig tunes one Consume loop.
type ConsumeConfig struct {
	Concurrency     int
	Lease           time.Duration
	MaxDeliveries   int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ShutdownGrace   time.Duration
	SettleTimeout   time.Duration
	Retry           domain.RetryPolicy
	// ReapOnIdle dead-letters exhausted expired leases when a poll comes
	// back empty.
	ReapOnIdle bool
}

func DefaultConsumeConfig() ConsumeConfig {
	return ConsumeConfig{
		Concurrency:     1,
		Lease:           30 * time.Second,
		MaxDeliveries:   5,
		PollInterval:    100 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
		ShutdownGrace:   10 * time.Second,
		SettleTimeout:   5 * time.Second,
		Retry:           domain.DefaultRetryPolicy(),
		ReapOnIdle:      true,
	}
}

func (c ConsumeConfig) normalize() ConsumeConfig {
	d := DefaultConsumeConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	c.Retry = c.Retry.Normalize()
	return c
}

// heartbeat is how often an in-flight lease is extended.
func (c ConsumeConfig) heartbeat() time.Duration {
	return c.Lease / 3
}

type ConsumeOption func(*ConsumeConfig)

func WithConcurrency(n int) ConsumeOption {
	return func(c *ConsumeConfig) { c.Concurrency = n }
}

func WithLease(d time.Duration) ConsumeOption {
	return func(c *ConsumeConfig) { c.Lease = d }
}

func WithMaxDeliveries(n int) ConsumeOption {
	return func(c *ConsumeConfig) { c.MaxDeliveries = n }
}

// WithPollInterval sets the idle poll backoff range.
func WithPollInterval(min, max time.Duration) ConsumeOption {
	return func(c *ConsumeConfig) {
		c.PollInterval = min
		c.MaxPollInterval = max
	}
}

func WithShutdownGrace(d time.Duration) ConsumeOption {
	return func(c *ConsumeConfig) { c.ShutdownGrace = d }
}

func WithRetryPolicy(p domain.RetryPolicy) ConsumeOption {
	return func(c *ConsumeConfig) { c.Retry = p }
}

func WithReapOnIdle(on bool) ConsumeOption {
	return func(c *ConsumeConfig) { c.ReapOnIdle = on }
}

// Consume runs handler over queue until ctx is cancelled. Cancellation stops
// leasing; in-flight handlers get ShutdownGrace to finish before their
// context is cancelled, and any lease they did not settle is released back
// to the queue. Store errors are logged and retried, never returned; the
// returned error only reports failures to release leases on shutdown.
func (t *Transport) Consume(ctx context.Context, queue string, handler Handler, opts ...ConsumeOption) error {
	if queue == "" || handler == nil {
		return errors.Wrap(storage.ErrInvalidArgument, "consume needs a queue and a handler")
	}
	cfg := t.defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.normalize()

	c := &consumer{
		t:       t,
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  t.logger.With(zap.String("queue", queue)),
	}
	c.logger.Info("consumer started",
		zap.Int("concurrency", cfg.Concurrency),
		zap.Duration("lease", cfg.Lease),
		zap.Int("max_deliveries", cfg.MaxDeliveries),
	)

	var g errgroup.Group
	for i := 0; i < cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			c.run(ctx, worker)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("consumer stopped")

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

type consumer struct {
	t       *Transport
	queue   string
	handler Handler
	cfg     ConsumeConfig
	logger  *zap.Logger

	mu   sync.Mutex
	errs error
}

func (c *consumer) run(ctx context.Context, worker int) {
	wait := c.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := c.t.Receive(ctx, c.queue, c.cfg.Lease, c.cfg.MaxDeliveries)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("lease failed", zap.Int("worker", worker), zap.Error(err))
			wait = c.backoff(wait)
		case d == nil:
			if c.cfg.ReapOnIdle && worker == 0 {
				c.reap(ctx)
			}
			wait = c.backoff(wait)
		default:
			wait = c.cfg.PollInterval
			c.handle(ctx, d)
			continue
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *consumer) backoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > c.cfg.MaxPollInterval {
		next = c.cfg.MaxPollInterval
	}
	return next
}

func (c *consumer) reap(ctx context.Context) {
	n, err := c.t.store.ReapExpired(ctx, c.queue, c.cfg.MaxDeliveries)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("reap expired leases failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		c.t.metrics.DeadLettered.WithLabelValues(c.queue).Add(float64(n))
		c.logger.Warn("expired leases dead-lettered", zap.Int64("count", n))
	}
}

func (c *consumer) handle(ctx context.Context, d *Delivery) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	hctx, span := c.t.tracer.Start(hctx, "sqlcoord.queue.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("sqlcoord.queue", d.Queue),
		attribute.Int64("sqlcoord.message_id", d.ID),
		attribute.Int("sqlcoord.delivery_count", d.DeliveryCount),
	)

	done := make(chan struct{})
	var (
		aborted  bool
		abortMu  sync.Mutex
		watchers sync.WaitGroup
	)
	abort := func(reason string) {
		abortMu.Lock()
		aborted = true
		abortMu.Unlock()
		c.logger.Debug("cancelling handler", zap.Int64("id", d.ID), zap.String("reason", reason))
		cancel()
	}

	watchers.Add(2)
	go func() {
		defer watchers.Done()
		c.watchShutdown(ctx, done, abort)
	}()
	go func() {
		defer watchers.Done()
		c.heartbeat(hctx, d, done, abort)
	}()

	began := time.Now()
	err := c.invoke(hctx, d.Message)
	close(done)
	watchers.Wait()
	c.t.metrics.HandlerDuration.WithLabelValues(c.queue).Observe(time.Since(began).Seconds())

	abortMu.Lock()
	wasAborted := aborted
	abortMu.Unlock()

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
	defer scancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler_failed")
	}
	switch {
	case err == nil:
		if _, serr := d.Ack(sctx); serr != nil {
			c.logger.Error("ack failed", zap.Int64("id", d.ID), zap.Error(serr))
		}
	case wasAborted:
		if _, serr := d.Release(sctx); serr != nil {
			c.logger.Error("release failed", zap.Int64("id", d.ID), zap.Error(serr))
			c.record(errors.Wrapf(serr, "release message %d", d.ID))
		}
	case IsPermanent(err):
		if _, serr := d.DeadLetter(sctx, err.Error()); serr != nil {
			c.logger.Error("dead letter failed", zap.Int64("id", d.ID), zap.Error(serr))
		}
	default:
		delay := c.cfg.Retry.Delay(d.DeliveryCount)
		out, serr := d.Nack(sctx, delay, err.Error())
		if serr != nil {
			c.logger.Error("nack failed", zap.Int64("id", d.ID), zap.Error(serr))
			return
		}
		c.logger.Info("handler failed",
			zap.Int64("id", d.ID),
			zap.Int("delivery", d.DeliveryCount),
			zap.Stringer("outcome", out),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	}
}

func (c *consumer) invoke(ctx context.Context, msg *domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				zap.Int64("id", msg.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// watchShutdown cancels the handler ShutdownGrace after the consumer context
// is cancelled.
func (c *consumer) watchShutdown(ctx context.Context, done <-chan struct{}, abort func(string)) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		abort("shutdown grace elapsed")
	}
}

// heartbeat extends the lease while the handler runs and cancels the
// handler when the lease is lost to another consumer.
func (c *consumer) heartbeat(ctx context.Context, d *Delivery, done <-chan struct{}, abort func(string)) {
	interval := c.cfg.heartbeat()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		ok, err := d.Extend(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("lease extend failed", zap.Int64("id", d.ID), zap.Error(err))
			}
			continue
		}
		if !ok {
			c.logger.Warn("lease lost while handling", zap.Int64("id", d.ID))
			abort("lease lost")
			return
		}
	}
}

func (c *consumer) record(err error) {
	c.mu.Lock()
	c.errs = multierr.Append(c.errs, err)
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
