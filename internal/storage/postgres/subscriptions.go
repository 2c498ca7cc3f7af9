package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

const (
	subscribeSQL = `
INSERT INTO coord_subscriptions (topic, queue, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (topic, queue) DO UPDATE SET expires_at = EXCLUDED.expires_at`

	unsubscribeSQL = `DELETE FROM coord_subscriptions WHERE topic = $1 AND queue = $2`

	touchSubscriptionSQL = `
UPDATE coord_subscriptions
   SET expires_at = $3
 WHERE topic = $1 AND queue = $2 AND expires_at IS NOT NULL`

	resolveSQL = `
SELECT queue
  FROM coord_subscriptions
 WHERE topic = $1 AND (expires_at IS NULL OR expires_at > $2)
 ORDER BY queue`

	listSubscriptionsSQL = `
SELECT topic, queue, created_at, expires_at
  FROM coord_subscriptions
 WHERE ($1 = '' OR topic = $1)
 ORDER BY topic, queue`

	pruneSubscriptionsSQL = `
DELETE FROM coord_subscriptions
 WHERE expires_at IS NOT NULL AND expires_at <= $1
RETURNING topic, queue, created_at, expires_at`
)

func (s *Store) Subscribe(ctx context.Context, sub domain.Subscription) error {
	if sub.Topic == "" || sub.Queue == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "topic and queue are required")
	}
	return s.retry.Do(ctx, "subscribe", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			now := s.now()
			if _, err := tx.Exec(ctx, ensureQueueSQL, sub.Queue, sub.Ephemeral(), now); err != nil {
				return errors.Wrap(err, "postgres ensure subscriber queue")
			}
			var expires *time.Time
			if sub.ExpiresAt != nil {
				e := sub.ExpiresAt.UTC()
				expires = &e
			}
			if _, err := tx.Exec(ctx, subscribeSQL, sub.Topic, sub.Queue, now, expires); err != nil {
				return errors.Wrap(err, "postgres subscribe")
			}
			return nil
		})
	})
}

func (s *Store) Unsubscribe(ctx context.Context, topic, queue string) (bool, error) {
	n, err := s.exec(ctx, "unsubscribe", unsubscribeSQL, topic, queue)
	return n > 0, err
}

func (s *Store) TouchSubscription(ctx context.Context, topic, queue string, expiresAt time.Time) (bool, error) {
	n, err := s.exec(ctx, "touch_subscription", touchSubscriptionSQL, topic, queue, expiresAt.UTC())
	return n > 0, err
}

func (s *Store) Resolve(ctx context.Context, topic string) ([]string, error) {
	rows, err := s.pool.Query(ctx, resolveSQL, topic, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "postgres resolve")
	}
	queues, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return queues, errors.Wrap(err, "postgres resolve")
}

func (s *Store) ListSubscriptions(ctx context.Context, topic string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, listSubscriptionsSQL, topic)
	if err != nil {
		return nil, errors.Wrap(err, "postgres list subscriptions")
	}
	subs, err := pgx.CollectRows(rows, scanSubscription)
	return subs, errors.Wrap(err, "postgres list subscriptions")
}

func (s *Store) PruneSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, pruneSubscriptionsSQL, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "postgres prune subscriptions")
	}
	subs, err := pgx.CollectRows(rows, scanSubscription)
	return subs, errors.Wrap(err, "postgres prune subscriptions")
}

func scanSubscription(row pgx.CollectableRow) (domain.Subscription, error) {
	var sub domain.Subscription
	if err := row.Scan(&sub.Topic, &sub.Queue, &sub.CreatedAt, &sub.ExpiresAt); err != nil {
		return sub, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	if sub.ExpiresAt != nil {
		e := sub.ExpiresAt.UTC()
		sub.ExpiresAt = &e
	}
	return sub, nil
}
