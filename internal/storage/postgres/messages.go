package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

const messageColumns = `id, queue, topic, payload, headers, state, enqueued_at, visible_after,
       delivery_count, COALESCE(lease_token, ''), last_error`

const (
	ensureQueueSQL = `
INSERT INTO coord_queues (name, ephemeral, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO NOTHING`

	insertMessageSQL = `
INSERT INTO coord_messages (queue, topic, payload, headers, state, enqueued_at, visible_after)
VALUES ($1, $2, $3, $4, 'ready', $5, $6)
RETURNING id`

	fanOutMessageSQL = `
INSERT INTO coord_messages (queue, topic, payload, headers, state, enqueued_at, visible_after)
SELECT $1, $2, $3, $4, 'ready', $5, $6
 WHERE EXISTS (SELECT 1 FROM coord_queues WHERE name = $1)
RETURNING id`

	// The subquery row lock makes this a single atomic claim: concurrent
	// callers skip each other's candidates instead of blocking on them.
	leaseNextSQL = `
UPDATE coord_messages
   SET state = 'leased',
       lease_token = $2,
       visible_after = $3,
       delivery_count = delivery_count + 1
 WHERE id = (
       SELECT id
         FROM coord_messages
        WHERE queue = $1
          AND state IN ('ready', 'leased')
          AND visible_after <= $4
          AND delivery_count < $5
        ORDER BY id
        LIMIT 1
        FOR UPDATE SKIP LOCKED)
RETURNING ` + messageColumns

	extendLeaseSQL = `
UPDATE coord_messages
   SET visible_after = $3
 WHERE id = $1 AND lease_token = $2 AND state = 'leased'`

	ackSQL = `
UPDATE coord_messages
   SET state = 'completed', lease_token = NULL, completed_at = $3
 WHERE id = $1 AND lease_token = $2 AND state = 'leased'`

	nackSQL = `
UPDATE coord_messages
   SET state = CASE WHEN delivery_count >= $4 THEN 'dead' ELSE 'ready' END,
       dead_at = CASE WHEN delivery_count >= $4 THEN $5 ELSE dead_at END,
       visible_after = $3,
       lease_token = NULL,
       last_error = $6
 WHERE id = $1 AND lease_token = $2 AND state = 'leased'
RETURNING state`

	releaseSQL = `
UPDATE coord_messages
   SET state = 'ready',
       lease_token = NULL,
       visible_after = $3,
       delivery_count = GREATEST(delivery_count - 1, 0)
 WHERE id = $1 AND lease_token = $2 AND state = 'leased'`

	deadLetterSQL = `
UPDATE coord_messages
   SET state = 'dead', lease_token = NULL, dead_at = $3, last_error = $4
 WHERE id = $1 AND lease_token = $2 AND state = 'leased'`

	reapExpiredSQL = `
UPDATE coord_messages
   SET state = 'dead', lease_token = NULL, dead_at = $1,
       last_error = 'lease expired on final delivery'
 WHERE queue = $3 AND state = 'leased' AND visible_after <= $1 AND delivery_count >= $2`

	getMessageSQL = `SELECT ` + messageColumns + ` FROM coord_messages WHERE id = $1`

	listDeadSQL = `
SELECT ` + messageColumns + `
  FROM coord_messages
 WHERE queue = $1 AND state = 'dead'
 ORDER BY id
 LIMIT $2`

	replayDeadSQL = `
UPDATE coord_messages
   SET state = 'ready', delivery_count = 0, visible_after = $2, dead_at = NULL,
       last_error = '', lease_token = NULL
 WHERE queue = $1 AND state = 'dead'`

	purgeCompletedSQL = `
DELETE FROM coord_messages WHERE state = 'completed' AND completed_at < $1`

	queueStatsSQL = `
SELECT q.name, q.ephemeral,
       COUNT(m.id) FILTER (WHERE m.state = 'ready' AND m.visible_after <= $1),
       COUNT(m.id) FILTER (WHERE m.state = 'ready' AND m.visible_after > $1),
       COUNT(m.id) FILTER (WHERE m.state = 'leased'),
       COUNT(m.id) FILTER (WHERE m.state = 'completed'),
       COUNT(m.id) FILTER (WHERE m.state = 'dead')
  FROM coord_queues q
  LEFT JOIN coord_messages m ON m.queue = q.name
 GROUP BY q.name, q.ephemeral
 ORDER BY q.name`
)

func (s *Store) EnsureQueue(ctx context.Context, name string, ephemeral bool) error {
	if name == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "queue name is required")
	}
	_, err := s.exec(ctx, "ensure_queue", ensureQueueSQL, name, ephemeral, s.now())
	return err
}

func (s *Store) DropQueue(ctx context.Context, name string) error {
	return s.retry.Do(ctx, "drop_queue", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM coord_messages WHERE queue = $1`, name); err != nil {
				return errors.Wrap(err, "postgres drop queue messages")
			}
			if _, err := tx.Exec(ctx, `DELETE FROM coord_subscriptions WHERE queue = $1`, name); err != nil {
				return errors.Wrap(err, "postgres drop queue subscriptions")
			}
			if _, err := tx.Exec(ctx, `DELETE FROM coord_queues WHERE name = $1`, name); err != nil {
				return errors.Wrap(err, "postgres drop queue")
			}
			return nil
		})
	})
}

func (s *Store) Insert(ctx context.Context, msg storage.NewMessage) (int64, error) {
	ids, err := s.InsertBatch(ctx, []storage.NewMessage{msg})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *Store) InsertBatch(ctx context.Context, msgs []storage.NewMessage) ([]int64, error) {
	return s.insertMessages(ctx, "insert_messages", msgs, false)
}

func (s *Store) FanOut(ctx context.Context, msgs []storage.NewMessage) ([]int64, error) {
	return s.insertMessages(ctx, "fan_out", msgs, true)
}

// insertMessages inserts msgs in one transaction. With existingOnly set,
// messages for queues that no longer exist are skipped and get id 0.
func (s *Store) insertMessages(ctx context.Context, op string, msgs []storage.NewMessage, existingOnly bool) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	query := insertMessageSQL
	if existingOnly {
		query = fanOutMessageSQL
	}
	return retry.Value(ctx, s.retry, op, func(ctx context.Context) ([]int64, error) {
		ids := make([]int64, 0, len(msgs))
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			now := s.now()
			seen := make(map[string]struct{}, len(msgs))
			for _, m := range msgs {
				if _, ok := seen[m.Queue]; !ok && !existingOnly {
					if _, err := tx.Exec(ctx, ensureQueueSQL, m.Queue, false, now); err != nil {
						return errors.Wrap(err, "postgres ensure queue")
					}
					seen[m.Queue] = struct{}{}
				}
				headers, err := storage.EncodeHeaders(m.Headers)
				if err != nil {
					return err
				}
				visible := m.VisibleAfter.UTC()
				if m.VisibleAfter.IsZero() || visible.Before(now) {
					visible = now
				}
				payload := m.Payload
				if payload == nil {
					payload = []byte{}
				}
				var id int64
				err = tx.QueryRow(ctx, query,
					m.Queue, m.Topic, payload, headers, now, visible,
				).Scan(&id)
				if existingOnly && errors.Is(err, pgx.ErrNoRows) {
					err = nil
				}
				if err != nil {
					return errors.Wrap(err, "postgres insert message")
				}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ids, nil
	})
}

func (s *Store) LeaseNext(ctx context.Context, queue string, lease time.Duration, maxDeliveries int) (*domain.Message, error) {
	if lease <= 0 {
		return nil, errors.Wrap(storage.ErrInvalidArgument, "lease duration must be positive")
	}
	return retry.Value(ctx, s.retry, "lease_next", func(ctx context.Context) (*domain.Message, error) {
		now := s.now()
		token := storage.NewToken()
		row := s.pool.QueryRow(ctx, leaseNextSQL, queue, token, now.Add(lease), now, maxDeliveries)
		msg, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "postgres lease next")
		}
		return &msg, nil
	})
}

func (s *Store) ExtendLease(ctx context.Context, id int64, token string, lease time.Duration) (bool, error) {
	n, err := s.exec(ctx, "extend_lease", extendLeaseSQL, id, token, s.now().Add(lease))
	return n > 0, err
}

func (s *Store) Ack(ctx context.Context, id int64, token string) (bool, error) {
	n, err := s.exec(ctx, "ack", ackSQL, id, token, s.now())
	return n > 0, err
}

func (s *Store) Nack(ctx context.Context, id int64, token string, delay time.Duration, maxDeliveries int, reason string) (storage.NackOutcome, error) {
	return retry.Value(ctx, s.retry, "nack", func(ctx context.Context) (storage.NackOutcome, error) {
		now := s.now()
		var state string
		err := s.pool.QueryRow(ctx, nackSQL, id, token, now.Add(delay), maxDeliveries, now, reason).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.NackStale, nil
		}
		if err != nil {
			return storage.NackStale, errors.Wrap(err, "postgres nack")
		}
		if domain.MessageState(state) == domain.MessageDead {
			return storage.NackDeadLettered, nil
		}
		return storage.NackRequeued, nil
	})
}

func (s *Store) Release(ctx context.Context, id int64, token string) (bool, error) {
	n, err := s.exec(ctx, "release", releaseSQL, id, token, s.now())
	return n > 0, err
}

func (s *Store) DeadLetter(ctx context.Context, id int64, token, reason string) (bool, error) {
	n, err := s.exec(ctx, "dead_letter", deadLetterSQL, id, token, s.now(), reason)
	return n > 0, err
}

func (s *Store) ReapExpired(ctx context.Context, queue string, maxDeliveries int) (int64, error) {
	if queue == "" {
		return 0, errors.Wrap(storage.ErrInvalidArgument, "queue name is required")
	}
	return s.exec(ctx, "reap_expired", reapExpiredSQL, s.now(), maxDeliveries, queue)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, getMessageSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, errors.Wrap(err, "postgres get message")
	}
	return msg, nil
}

func (s *Store) ListDead(ctx context.Context, queue string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, listDeadSQL, queue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres list dead")
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		return scanMessage(row)
	})
	return msgs, errors.Wrap(err, "postgres list dead")
}

func (s *Store) ReplayDead(ctx context.Context, queue string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return s.exec(ctx, "replay_dead", replayDeadSQL, queue, s.now())
	}
	return s.exec(ctx, "replay_dead", replayDeadSQL+` AND id = ANY($3)`, queue, s.now(), ids)
}

func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, "purge_completed", purgeCompletedSQL, before.UTC())
}

func (s *Store) QueueStats(ctx context.Context) ([]domain.QueueStats, error) {
	rows, err := s.pool.Query(ctx, queueStatsSQL, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "postgres queue stats")
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.QueueStats, error) {
		var st domain.QueueStats
		err := row.Scan(&st.Queue, &st.Ephemeral, &st.Ready, &st.Delayed, &st.Leased, &st.Completed, &st.Dead)
		return st, err
	})
	return stats, errors.Wrap(err, "postgres queue stats")
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m       domain.Message
		headers []byte
		state   string
	)
	err := row.Scan(&m.ID, &m.Queue, &m.Topic, &m.Payload, &headers, &state,
		&m.EnqueuedAt, &m.VisibleAfter, &m.DeliveryCount, &m.LeaseToken, &m.LastError)
	if err != nil {
		return m, err
	}
	m.State = domain.MessageState(state)
	m.EnqueuedAt = m.EnqueuedAt.UTC()
	m.VisibleAfter = m.VisibleAfter.UTC()
	m.Headers, err = storage.DecodeHeaders(headers)
	return m, err
}
