// Package queue moves messages through the durable queue store: topic
// fan-out on publish, point-to-point sends, and competing consumers with
// visibility-timeout leases. Delivery is at least once; handlers must be
// idempotent or deduplicate on message id.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Resolver maps a topic to its subscribed queues.
type Resolver interface {
	Resolve(ctx context.Context, topic string) ([]string, error)
}

type Transport struct {
	store    storage.Messages
	resolver Resolver
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	defaults ConsumeConfig
}

type Option func(*Transport)

func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithConsumeDefaults sets the settings Consume starts from before applying
// its own options.
func WithConsumeDefaults(cfg ConsumeConfig) Option {
	return func(t *Transport) { t.defaults = cfg }
}

func New(store storage.Messages, resolver Resolver, opts ...Option) *Transport {
	t := &Transport{
		store:    store,
		resolver: resolver,
		clock:    clock.Real{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/SirClappington/sqlcoord/queue"),
		defaults: DefaultConsumeConfig(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("queue")
	t.metrics = metrics.OrNop(t.metrics)
	return t
}

type publishOptions struct {
	headers map[string]string
	delay   time.Duration
	at      time.Time
}

type PublishOption func(*publishOptions)

// WithHeaders attaches headers to every copy of the message.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			o.headers[k] = v
		}
	}
}

// WithDelay keeps the message invisible for d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.delay = d }
}

// WithVisibleAt keeps the message invisible until at.
func WithVisibleAt(at time.Time) PublishOption {
	return func(o *publishOptions) { o.at = at }
}

func (t *Transport) buildOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o publishOptions) visibleAfter(now time.Time) time.Time {
	if !o.at.IsZero() {
		return o.at
	}
	if o.delay > 0 {
		return now.Add(o.delay)
	}
	return time.Time{}
}

// Publish inserts one independent copy of payload into every queue
// subscribed to topic, in a single transaction. It returns the new message
// ids in queue name order; a topic with no subscribers yields no ids.
// Queues dropped since the subscriber set was resolved are skipped, never
// recreated.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) ([]int64, error) {
	if topic == "" {
		return nil, errors.Wrap(storage.ErrInvalidArgument, "topic is required")
	}
	ctx, span := t.tracer.Start(ctx, "sqlcoord.queue.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("sqlcoord.topic", topic))

	queues, err := t.resolver.Resolve(ctx, topic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve_failed")
		return nil, errors.Wrapf(err, "publish %s", topic)
	}
	if len(queues) == 0 {
		t.logger.Debug("publish without subscribers", zap.String("topic", topic))
		return nil, nil
	}

	o := t.buildOptions(opts)
	headers := storage.CloneHeaders(o.headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[domain.HeaderTopic] = topic
	visible := o.visibleAfter(t.clock.Now())

	msgs := make([]storage.NewMessage, len(queues))
	for i, q := range queues {
		msgs[i] = storage.NewMessage{
			Queue:        q,
			Topic:        topic,
			Payload:      payload,
			Headers:      headers,
			VisibleAfter: visible,
		}
	}
	inserted, err := t.store.FanOut(ctx, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert_failed")
		return nil, errors.Wrapf(err, "publish %s", topic)
	}
	var (
		ids       = make([]int64, 0, len(inserted))
		delivered = make([]string, 0, len(inserted))
		skipped   []string
	)
	for i, id := range inserted {
		if id == 0 {
			skipped = append(skipped, queues[i])
			continue
		}
		ids = append(ids, id)
		delivered = append(delivered, queues[i])
		t.metrics.Published.WithLabelValues(queues[i]).Inc()
	}
	if len(skipped) > 0 {
		t.logger.Debug("publish skipped dropped queues",
			zap.String("topic", topic),
			zap.Strings("queues", skipped),
		)
	}
	span.SetAttributes(attribute.Int("sqlcoord.fanout", len(ids)))
	t.logger.Debug("published",
		zap.String("topic", topic),
		zap.Strings("queues", delivered),
		zap.Int64s("ids", ids),
	)
	return ids, nil
}

// SendDirect inserts payload into queue without topic resolution.
func (t *Transport) SendDirect(ctx context.Context, queue string, payload []byte, opts ...PublishOption) (int64, error) {
	ctx, span := t.tracer.Start(ctx, "sqlcoord.queue.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("sqlcoord.queue", queue))

	o := t.buildOptions(opts)
	id, err := t.store.Insert(ctx, storage.NewMessage{
		Queue:        queue,
		Payload:      payload,
		Headers:      storage.CloneHeaders(o.headers),
		VisibleAfter: o.visibleAfter(t.clock.Now()),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert_failed")
		return 0, errors.Wrapf(err, "send to %s", queue)
	}
	t.metrics.Published.WithLabelValues(queue).Inc()
	return id, nil
}

// Receive leases the next eligible message of queue. It returns nil when
// nothing is eligible. The caller must settle the delivery.
func (t *Transport) Receive(ctx context.Context, queue string, lease time.Duration, maxDeliveries int) (*Delivery, error) {
	msg, err := t.store.LeaseNext(ctx, queue, lease, maxDeliveries)
	if err != nil {
		return nil, errors.Wrapf(err, "receive from %s", queue)
	}
	if msg == nil {
		return nil, nil
	}
	t.metrics.Delivered.WithLabelValues(queue).Inc()
	return &Delivery{Message: msg, t: t, lease: lease, maxDeliveries: maxDeliveries}, nil
}
