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

const (
	// Insert-if-absent or take-over-if-expired in one statement. A conflicting
	// row that is still held makes the WHERE false, so nothing is returned.
	tryAcquireSQL = `
INSERT INTO coord_locks AS l (resource, holder_id, fencing_token, lease_expiry, acquired_at, updated_at)
VALUES ($1, $2, 1, $3, $4, $4)
ON CONFLICT (resource) DO UPDATE
   SET holder_id = EXCLUDED.holder_id,
       fencing_token = l.fencing_token + 1,
       lease_expiry = EXCLUDED.lease_expiry,
       acquired_at = EXCLUDED.acquired_at,
       updated_at = EXCLUDED.updated_at
 WHERE l.holder_id IS NULL OR l.lease_expiry <= EXCLUDED.acquired_at
RETURNING fencing_token, lease_expiry`

	renewLockSQL = `
UPDATE coord_locks
   SET lease_expiry = $4, updated_at = $5
 WHERE resource = $1 AND holder_id = $2 AND fencing_token = $3 AND lease_expiry > $5`

	releaseLockSQL = `
UPDATE coord_locks
   SET holder_id = NULL, lease_expiry = $4, updated_at = $4
 WHERE resource = $1 AND holder_id = $2 AND fencing_token = $3`

	lockColumns = `resource, COALESCE(holder_id, ''), fencing_token, lease_expiry, acquired_at, updated_at`

	advanceFenceSQL = `
INSERT INTO coord_fences AS f (resource, token, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (resource) DO UPDATE
   SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at
 WHERE f.token <= EXCLUDED.token
RETURNING token`
)

func (s *Store) TryAcquire(ctx context.Context, resource, holder string, lease time.Duration) (storage.LockGrant, bool, error) {
	if resource == "" || holder == "" {
		return storage.LockGrant{}, false, errors.Wrap(storage.ErrInvalidArgument, "resource and holder are required")
	}
	if lease <= 0 {
		return storage.LockGrant{}, false, errors.Wrap(storage.ErrInvalidArgument, "lease duration must be positive")
	}
	type result struct {
		grant   storage.LockGrant
		granted bool
	}
	r, err := retry.Value(ctx, s.retry, "try_acquire", func(ctx context.Context) (result, error) {
		now := s.now()
		var g storage.LockGrant
		err := s.pool.QueryRow(ctx, tryAcquireSQL, resource, holder, now.Add(lease), now).Scan(&g.Token, &g.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return result{}, nil
		}
		if err != nil {
			return result{}, errors.Wrap(err, "postgres try acquire")
		}
		g.ExpiresAt = g.ExpiresAt.UTC()
		return result{grant: g, granted: true}, nil
	})
	return r.grant, r.granted, err
}

func (s *Store) RenewLock(ctx context.Context, resource, holder string, token int64, lease time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, "renew_lock", renewLockSQL, resource, holder, token, now.Add(lease), now)
	return n > 0, err
}

func (s *Store) ReleaseLock(ctx context.Context, resource, holder string, token int64) (bool, error) {
	n, err := s.exec(ctx, "release_lock", releaseLockSQL, resource, holder, token, s.now())
	return n > 0, err
}

func (s *Store) GetLock(ctx context.Context, resource string) (domain.Lock, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+lockColumns+` FROM coord_locks WHERE resource = $1`, resource)
	l, err := scanLock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lock{}, storage.ErrNotFound
	}
	return l, errors.Wrap(err, "postgres get lock")
}

func (s *Store) ListLocks(ctx context.Context) ([]domain.Lock, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+lockColumns+` FROM coord_locks ORDER BY resource`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres list locks")
	}
	locks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Lock, error) {
		return scanLock(row)
	})
	return locks, errors.Wrap(err, "postgres list locks")
}

func (s *Store) AdvanceFence(ctx context.Context, resource string, token int64) (bool, error) {
	return retry.Value(ctx, s.retry, "advance_fence", func(ctx context.Context) (bool, error) {
		var stored int64
		err := s.pool.QueryRow(ctx, advanceFenceSQL, resource, token, s.now()).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "postgres advance fence")
		}
		return true, nil
	})
}

func scanLock(row pgx.Row) (domain.Lock, error) {
	var l domain.Lock
	err := row.Scan(&l.Resource, &l.HolderID, &l.FencingToken, &l.LeaseExpiry, &l.AcquiredAt, &l.UpdatedAt)
	l.LeaseExpiry = l.LeaseExpiry.UTC()
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, err
}
