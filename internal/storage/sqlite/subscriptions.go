package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

const (
	subscribeSQL = `
INSERT INTO coord_subscriptions (topic, queue, created_at, expires_at)
VALUES (?1, ?2, ?3, ?4)
ON CONFLICT (topic, queue) DO UPDATE SET expires_at = excluded.expires_at`

	touchSubscriptionSQL = `
UPDATE coord_subscriptions
   SET expires_at = ?3
 WHERE topic = ?1 AND queue = ?2 AND expires_at IS NOT NULL`

	resolveSQL = `
SELECT queue
  FROM coord_subscriptions
 WHERE topic = ?1 AND (expires_at IS NULL OR expires_at > ?2)
 ORDER BY queue`

	listSubscriptionsSQL = `
SELECT topic, queue, created_at, expires_at
  FROM coord_subscriptions
 WHERE (?1 = '' OR topic = ?1)
 ORDER BY topic, queue`

	pruneSubscriptionsSQL = `
DELETE FROM coord_subscriptions
 WHERE expires_at IS NOT NULL AND expires_at <= ?1
RETURNING topic, queue, created_at, expires_at`
)

func (s *Store) Subscribe(ctx context.Context, sub domain.Subscription) error {
	if sub.Topic == "" || sub.Queue == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "topic and queue are required")
	}
	return s.inTx(ctx, "subscribe", func(tx *sql.Tx) error {
		now := toMillis(s.now())
		if _, err := tx.ExecContext(ctx, ensureQueueSQL, sub.Queue, sub.Ephemeral(), now); err != nil {
			return errors.Wrap(err, "sqlite ensure subscriber queue")
		}
		if _, err := tx.ExecContext(ctx, subscribeSQL, sub.Topic, sub.Queue, now, nullMillis(sub.ExpiresAt)); err != nil {
			return errors.Wrap(err, "sqlite subscribe")
		}
		return nil
	})
}

func (s *Store) Unsubscribe(ctx context.Context, topic, queue string) (bool, error) {
	n, err := s.exec(ctx, "unsubscribe",
		`DELETE FROM coord_subscriptions WHERE topic = ?1 AND queue = ?2`, topic, queue)
	return n > 0, err
}

func (s *Store) TouchSubscription(ctx context.Context, topic, queue string, expiresAt time.Time) (bool, error) {
	n, err := s.exec(ctx, "touch_subscription", touchSubscriptionSQL, topic, queue, toMillis(expiresAt))
	return n > 0, err
}

func (s *Store) Resolve(ctx context.Context, topic string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, resolveSQL, topic, toMillis(s.now()))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite resolve")
	}
	defer rows.Close()
	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, errors.Wrap(err, "sqlite resolve")
		}
		queues = append(queues, q)
	}
	return queues, errors.Wrap(rows.Err(), "sqlite resolve")
}

func (s *Store) ListSubscriptions(ctx context.Context, topic string) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, "list subscriptions", listSubscriptionsSQL, topic)
}

func (s *Store) PruneSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, "prune subscriptions", pruneSubscriptionsSQL, toMillis(s.now()))
}

func (s *Store) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite %s", op)
	}
	defer rows.Close()
	var subs []domain.Subscription
	for rows.Next() {
		var (
			sub     domain.Subscription
			created int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&sub.Topic, &sub.Queue, &created, &expires); err != nil {
			return nil, errors.Wrapf(err, "sqlite %s", op)
		}
		sub.CreatedAt = fromMillis(created)
		sub.ExpiresAt = fromNullMillis(expires)
		subs = append(subs, sub)
	}
	return subs, errors.Wrapf(rows.Err(), "sqlite %s", op)
}
