package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

const (
	tryAcquireSQL = `
INSERT INTO coord_locks (resource, holder_id, fencing_token, lease_expiry, acquired_at, updated_at)
VALUES (?1, ?2, 1, ?3, ?4, ?4)
ON CONFLICT (resource) DO UPDATE
   SET holder_id = excluded.holder_id,
       fencing_token = coord_locks.fencing_token + 1,
       lease_expiry = excluded.lease_expiry,
       acquired_at = excluded.acquired_at,
       updated_at = excluded.updated_at
 WHERE coord_locks.holder_id IS NULL OR coord_locks.lease_expiry <= excluded.acquired_at
RETURNING fencing_token, lease_expiry`

	renewLockSQL = `
UPDATE coord_locks
   SET lease_expiry = ?4, updated_at = ?5
 WHERE resource = ?1 AND holder_id = ?2 AND fencing_token = ?3 AND lease_expiry > ?5`

	releaseLockSQL = `
UPDATE coord_locks
   SET holder_id = NULL, lease_expiry = ?4, updated_at = ?4
 WHERE resource = ?1 AND holder_id = ?2 AND fencing_token = ?3`

	lockColumns = `resource, COALESCE(holder_id, ''), fencing_token, lease_expiry, acquired_at, updated_at`

	advanceFenceSQL = `
INSERT INTO coord_fences (resource, token, updated_at)
VALUES (?1, ?2, ?3)
ON CONFLICT (resource) DO UPDATE
   SET token = excluded.token, updated_at = excluded.updated_at
 WHERE coord_fences.token <= excluded.token
RETURNING token`
)

func (s *Store) TryAcquire(ctx context.Context, resource, holder string, lease time.Duration) (storage.LockGrant, bool, error) {
	if resource == "" || holder == "" {
		return storage.LockGrant{}, false, errors.Wrap(storage.ErrInvalidArgument, "resource and holder are required")
	}
	if lease <= 0 {
		return storage.LockGrant{}, false, errors.Wrap(storage.ErrInvalidArgument, "lease duration must be positive")
	}
	g, err := retry.Value(ctx, s.retry, "try_acquire", func(ctx context.Context) (storage.LockGrant, error) {
		now := s.now()
		var (
			g      storage.LockGrant
			expiry int64
		)
		err := s.db.QueryRowContext(ctx, tryAcquireSQL,
			resource, holder, toMillis(now.Add(lease)), toMillis(now)).Scan(&g.Token, &expiry)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LockGrant{}, nil
		}
		if err != nil {
			return storage.LockGrant{}, errors.Wrap(err, "sqlite try acquire")
		}
		g.ExpiresAt = fromMillis(expiry)
		return g, nil
	})
	return g, g.Token > 0, err
}

func (s *Store) RenewLock(ctx context.Context, resource, holder string, token int64, lease time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, "renew_lock", renewLockSQL,
		resource, holder, token, toMillis(now.Add(lease)), toMillis(now))
	return n > 0, err
}

func (s *Store) ReleaseLock(ctx context.Context, resource, holder string, token int64) (bool, error) {
	n, err := s.exec(ctx, "release_lock", releaseLockSQL, resource, holder, token, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) GetLock(ctx context.Context, resource string) (domain.Lock, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM coord_locks WHERE resource = ?1`, resource)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lock{}, storage.ErrNotFound
	}
	return l, errors.Wrap(err, "sqlite get lock")
}

func (s *Store) ListLocks(ctx context.Context) ([]domain.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lockColumns+` FROM coord_locks ORDER BY resource`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite list locks")
	}
	defer rows.Close()
	var locks []domain.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite list locks")
		}
		locks = append(locks, l)
	}
	return locks, errors.Wrap(rows.Err(), "sqlite list locks")
}

func (s *Store) AdvanceFence(ctx context.Context, resource string, token int64) (bool, error) {
	return retry.Value(ctx, s.retry, "advance_fence", func(ctx context.Context) (bool, error) {
		var stored int64
		err := s.db.QueryRowContext(ctx, advanceFenceSQL, resource, token, toMillis(s.now())).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "sqlite advance fence")
		}
		return true, nil
	})
}

func scanLock(row scanner) (domain.Lock, error) {
	var (
		l                         domain.Lock
		expiry, acquired, updated int64
	)
	if err := row.Scan(&l.Resource, &l.HolderID, &l.FencingToken, &expiry, &acquired, &updated); err != nil {
		return l, err
	}
	l.LeaseExpiry = fromMillis(expiry)
	l.AcquiredAt = fromMillis(acquired)
	l.UpdatedAt = fromMillis(updated)
	return l, nil
}
