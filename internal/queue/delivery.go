package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Delivery is one leased message. Every settle method is conditional on the
// lease token; a false result means the lease was lost and another consumer
// may already own the message.
type Delivery struct {
	*domain.Message

	t             *Transport
	lease         time.Duration
	maxDeliveries int
}

func (d *Delivery) Ack(ctx context.Context) (bool, error) {
	ok, err := d.t.store.Ack(ctx, d.ID, d.LeaseToken)
	if err != nil {
		return false, err
	}
	if !ok {
		d.stale("ack")
		return false, nil
	}
	d.t.metrics.Acked.WithLabelValues(d.Queue).Inc()
	return true, nil
}

// Nack returns the message for redelivery after delay, or dead-letters it
// when its delivery budget is spent.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration, reason string) (storage.NackOutcome, error) {
	out, err := d.t.store.Nack(ctx, d.ID, d.LeaseToken, delay, d.maxDeliveries, reason)
	if err != nil {
		return out, err
	}
	switch out {
	case storage.NackRequeued:
		d.t.metrics.Nacked.WithLabelValues(d.Queue).Inc()
	case storage.NackDeadLettered:
		d.t.metrics.DeadLettered.WithLabelValues(d.Queue).Inc()
		d.t.logger.Warn("message dead-lettered",
			zap.String("queue", d.Queue),
			zap.Int64("id", d.ID),
			zap.Int("deliveries", d.DeliveryCount),
			zap.String("reason", reason),
		)
	default:
		d.stale("nack")
	}
	return out, nil
}

// DeadLetter moves the message to the dead state regardless of its budget.
func (d *Delivery) DeadLetter(ctx context.Context, reason string) (bool, error) {
	ok, err := d.t.store.DeadLetter(ctx, d.ID, d.LeaseToken, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		d.stale("dead_letter")
		return false, nil
	}
	d.t.metrics.DeadLettered.WithLabelValues(d.Queue).Inc()
	d.t.logger.Warn("message dead-lettered",
		zap.String("queue", d.Queue),
		zap.Int64("id", d.ID),
		zap.String("reason", reason),
	)
	return true, nil
}

// Release hands the message back immediately without counting the delivery.
func (d *Delivery) Release(ctx context.Context) (bool, error) {
	ok, err := d.t.store.Release(ctx, d.ID, d.LeaseToken)
	if err != nil {
		return false, err
	}
	if !ok {
		d.stale("release")
		return false, nil
	}
	d.t.metrics.Released.WithLabelValues(d.Queue).Inc()
	return true, nil
}

// Extend pushes the lease expiry out by the original lease duration.
func (d *Delivery) Extend(ctx context.Context) (bool, error) {
	ok, err := d.t.store.ExtendLease(ctx, d.ID, d.LeaseToken, d.lease)
	if err != nil {
		return false, err
	}
	if !ok {
		d.stale("extend")
	}
	return ok, nil
}

func (d *Delivery) stale(op string) {
	d.t.logger.Debug("lease conflict",
		zap.String("op", op),
		zap.String("queue", d.Queue),
		zap.Int64("id", d.ID),
	)
}
