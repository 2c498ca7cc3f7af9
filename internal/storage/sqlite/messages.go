package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

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
VALUES (?1, ?2, ?3)
ON CONFLICT (name) DO NOTHING`

	insertMessageSQL = `
INSERT INTO coord_messages (queue, topic, payload, headers, state, enqueued_at, visible_after)
VALUES (?1, ?2, ?3, ?4, 'ready', ?5, ?6)`

	fanOutMessageSQL = `
INSERT INTO coord_messages (queue, topic, payload, headers, state, enqueued_at, visible_after)
SELECT ?1, ?2, ?3, ?4, 'ready', ?5, ?6
 WHERE EXISTS (SELECT 1 FROM coord_queues WHERE name = ?1)`

	leaseNextSQL = `
UPDATE coord_messages
   SET state = 'leased',
       lease_token = ?2,
       visible_after = ?3,
       delivery_count = delivery_count + 1
 WHERE id = (
       SELECT id
         FROM coord_messages
        WHERE queue = ?1
          AND state IN ('ready', 'leased')
          AND visible_after <= ?4
          AND delivery_count < ?5
        ORDER BY id
        LIMIT 1)
RETURNING ` + messageColumns

	extendLeaseSQL = `
UPDATE coord_messages
   SET visible_after = ?3
 WHERE id = ?1 AND lease_token = ?2 AND state = 'leased'`

	ackSQL = `
UPDATE coord_messages
   SET state = 'completed', lease_token = NULL, completed_at = ?3
 WHERE id = ?1 AND lease_token = ?2 AND state = 'leased'`

	nackSQL = `
UPDATE coord_messages
   SET state = CASE WHEN delivery_count >= ?4 THEN 'dead' ELSE 'ready' END,
       dead_at = CASE WHEN delivery_count >= ?4 THEN ?5 ELSE dead_at END,
       visible_after = ?3,
       lease_token = NULL,
       last_error = ?6
 WHERE id = ?1 AND lease_token = ?2 AND state = 'leased'
RETURNING state`

	releaseSQL = `
UPDATE coord_messages
   SET state = 'ready',
       lease_token = NULL,
       visible_after = ?3,
       delivery_count = MAX(delivery_count - 1, 0)
 WHERE id = ?1 AND lease_token = ?2 AND state = 'leased'`

	deadLetterSQL = `
UPDATE coord_messages
   SET state = 'dead', lease_token = NULL, dead_at = ?3, last_error = ?4
 WHERE id = ?1 AND lease_token = ?2 AND state = 'leased'`

	reapExpiredSQL = `
UPDATE coord_messages
   SET state = 'dead', lease_token = NULL, dead_at = ?1,
       last_error = 'lease expired on final delivery'
 WHERE queue = ?3 AND state = 'leased' AND visible_after <= ?1 AND delivery_count >= ?2`

	getMessageSQL = `SELECT ` + messageColumns + ` FROM coord_messages WHERE id = ?1`

	listDeadSQL = `
SELECT ` + messageColumns + `
  FROM coord_messages
 WHERE queue = ?1 AND state = 'dead'
 ORDER BY id
 LIMIT ?2`

	replayDeadSQL = `
UPDATE coord_messages
   SET state = 'ready', delivery_count = 0, visible_after = ?2, dead_at = NULL,
       last_error = '', lease_token = NULL
 WHERE queue = ?1 AND state = 'dead'`

	purgeCompletedSQL = `
DELETE FROM coord_messages WHERE state = 'completed' AND completed_at < ?1`

	queueStatsSQL = `
SELECT q.name, q.ephemeral,
       COALESCE(SUM(CASE WHEN m.state = 'ready' AND m.visible_after <= ?1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN m.state = 'ready' AND m.visible_after > ?1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN m.state = 'leased' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN m.state = 'completed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN m.state = 'dead' THEN 1 ELSE 0 END), 0)
  FROM coord_queues q
  LEFT JOIN coord_messages m ON m.queue = q.name
 GROUP BY q.name, q.ephemeral
 ORDER BY q.name`
)

func (s *Store) EnsureQueue(ctx context.Context, name string, ephemeral bool) error {
	if name == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "queue name is required")
	}
	_, err := s.exec(ctx, "ensure_queue", ensureQueueSQL, name, ephemeral, toMillis(s.now()))
	return err
}

func (s *Store) DropQueue(ctx context.Context, name string) error {
	return s.inTx(ctx, "drop_queue", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM coord_messages WHERE queue = ?1`,
			`DELETE FROM coord_subscriptions WHERE queue = ?1`,
			`DELETE FROM coord_queues WHERE name = ?1`,
		} {
			if _, err := tx.ExecContext(ctx, q, name); err != nil {
				return errors.Wrap(err, "sqlite drop queue")
			}
		}
		return nil
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
	var ids []int64
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		ids = make([]int64, 0, len(msgs))
		now := s.now()
		seen := make(map[string]struct{}, len(msgs))
		query := insertMessageSQL
		if existingOnly {
			query = fanOutMessageSQL
		}
		for _, m := range msgs {
			if _, ok := seen[m.Queue]; !ok && !existingOnly {
				if _, err := tx.ExecContext(ctx, ensureQueueSQL, m.Queue, false, toMillis(now)); err != nil {
					return errors.Wrap(err, "sqlite ensure queue")
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
			res, err := tx.ExecContext(ctx, query,
				m.Queue, m.Topic, payload, string(headers), toMillis(now), toMillis(visible))
			if err != nil {
				return errors.Wrap(err, "sqlite insert message")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "sqlite insert message")
			}
			if n == 0 {
				ids = append(ids, 0)
				continue
			}
			id, err := res.LastInsertId()
			if err != nil {
				return errors.Wrap(err, "sqlite insert message id")
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) LeaseNext(ctx context.Context, queue string, lease time.Duration, maxDeliveries int) (*domain.Message, error) {
	if lease <= 0 {
		return nil, errors.Wrap(storage.ErrInvalidArgument, "lease duration must be positive")
	}
	return retry.Value(ctx, s.retry, "lease_next", func(ctx context.Context) (*domain.Message, error) {
		now := s.now()
		row := s.db.QueryRowContext(ctx, leaseNextSQL,
			queue, storage.NewToken(), toMillis(now.Add(lease)), toMillis(now), maxDeliveries)
		msg, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "sqlite lease next")
		}
		return &msg, nil
	})
}

func (s *Store) ExtendLease(ctx context.Context, id int64, token string, lease time.Duration) (bool, error) {
	n, err := s.exec(ctx, "extend_lease", extendLeaseSQL, id, token, toMillis(s.now().Add(lease)))
	return n > 0, err
}

func (s *Store) Ack(ctx context.Context, id int64, token string) (bool, error) {
	n, err := s.exec(ctx, "ack", ackSQL, id, token, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) Nack(ctx context.Context, id int64, token string, delay time.Duration, maxDeliveries int, reason string) (storage.NackOutcome, error) {
	return retry.Value(ctx, s.retry, "nack", func(ctx context.Context) (storage.NackOutcome, error) {
		now := s.now()
		var state string
		err := s.db.QueryRowContext(ctx, nackSQL,
			id, token, toMillis(now.Add(delay)), maxDeliveries, toMillis(now), reason).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NackStale, nil
		}
		if err != nil {
			return storage.NackStale, errors.Wrap(err, "sqlite nack")
		}
		if domain.MessageState(state) == domain.MessageDead {
			return storage.NackDeadLettered, nil
		}
		return storage.NackRequeued, nil
	})
}

func (s *Store) Release(ctx context.Context, id int64, token string) (bool, error) {
	n, err := s.exec(ctx, "release", releaseSQL, id, token, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) DeadLetter(ctx context.Context, id int64, token, reason string) (bool, error) {
	n, err := s.exec(ctx, "dead_letter", deadLetterSQL, id, token, toMillis(s.now()), reason)
	return n > 0, err
}

func (s *Store) ReapExpired(ctx context.Context, queue string, maxDeliveries int) (int64, error) {
	if queue == "" {
		return 0, errors.Wrap(storage.ErrInvalidArgument, "queue name is required")
	}
	return s.exec(ctx, "reap_expired", reapExpiredSQL, toMillis(s.now()), maxDeliveries, queue)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, getMessageSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, storage.ErrNotFound
	}
	return msg, errors.Wrap(err, "sqlite get message")
}

func (s *Store) ListDead(ctx context.Context, queue string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listDeadSQL, queue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite list dead")
	}
	defer rows.Close()
	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite list dead")
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Wrap(rows.Err(), "sqlite list dead")
}

func (s *Store) ReplayDead(ctx context.Context, queue string, ids []int64) (int64, error) {
	args := []any{queue, toMillis(s.now())}
	query := replayDeadSQL
	if len(ids) > 0 {
		marks := make([]string, len(ids))
		for i, id := range ids {
			marks[i] = fmt.Sprintf("?%d", i+3)
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(marks, ", ") + `)`
	}
	return s.exec(ctx, "replay_dead", query, args...)
}

func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, "purge_completed", purgeCompletedSQL, toMillis(before))
}

func (s *Store) QueueStats(ctx context.Context) ([]domain.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, queueStatsSQL, toMillis(s.now()))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite queue stats")
	}
	defer rows.Close()
	var stats []domain.QueueStats
	for rows.Next() {
		var st domain.QueueStats
		if err := rows.Scan(&st.Queue, &st.Ephemeral, &st.Ready, &st.Delayed, &st.Leased, &st.Completed, &st.Dead); err != nil {
			return nil, errors.Wrap(err, "sqlite queue stats")
		}
		stats = append(stats, st)
	}
	return stats, errors.Wrap(rows.Err(), "sqlite queue stats")
}

func scanMessage(row scanner) (domain.Message, error) {
	var (
		m                      domain.Message
		headers, state         string
		enqueuedAt, visibleAft int64
	)
	err := row.Scan(&m.ID, &m.Queue, &m.Topic, &m.Payload, &headers, &state,
		&enqueuedAt, &visibleAft, &m.DeliveryCount, &m.LeaseToken, &m.LastError)
	if err != nil {
		return m, err
	}
	m.State = domain.MessageState(state)
	m.EnqueuedAt = fromMillis(enqueuedAt)
	m.VisibleAfter = fromMillis(visibleAft)
	m.Headers, err = storage.DecodeHeaders([]byte(headers))
	return m, err
}
