package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

const jobColumns = `id, target_kind, target, payload, headers, due_time, state, attempts,
       max_attempts, backoff_initial_ms, backoff_max_ms, backoff_multiplier,
       COALESCE(dispatch_token, ''), dispatched_at, completed_at, last_error, created_at, updated_at`

const (
	createJobSQL = `
INSERT INTO coord_jobs (id, target_kind, target, payload, headers, due_time, state, attempts,
                        max_attempts, backoff_initial_ms, backoff_max_ms, backoff_multiplier,
                        last_error, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, 'pending', 0, ?7, ?8, ?9, ?10, '', ?11, ?11)`

	claimDueJobsSQL = `
UPDATE coord_jobs
   SET state = 'dispatched',
       attempts = attempts + 1,
       dispatch_token = ?1,
       dispatched_at = ?2,
       updated_at = ?2
 WHERE id IN (
       SELECT id
         FROM coord_jobs
        WHERE state = 'pending' AND due_time <= ?2
        ORDER BY due_time, id
        LIMIT ?3)
RETURNING ` + jobColumns

	completeJobSQL = `
UPDATE coord_jobs
   SET state = 'done', completed_at = ?3, updated_at = ?3
 WHERE id = ?1 AND dispatch_token = ?2 AND state IN ('dispatched', 'pending')`

	rescheduleJobSQL = `
UPDATE coord_jobs
   SET state = 'pending', due_time = ?3, last_error = ?4, updated_at = ?5
 WHERE id = ?1 AND dispatch_token = ?2 AND state = 'dispatched'`

	failJobSQL = `
UPDATE coord_jobs
   SET state = 'failed', last_error = ?3, updated_at = ?4
 WHERE id = ?1 AND dispatch_token = ?2 AND state = 'dispatched'`

	listOverdueJobsSQL = `
SELECT ` + jobColumns + `
  FROM coord_jobs
 WHERE state = 'dispatched' AND dispatched_at <= ?1
 ORDER BY dispatched_at
 LIMIT ?2`

	cancelJobSQL = `
UPDATE coord_jobs SET state = 'canceled', updated_at = ?2
 WHERE id = ?1 AND state = 'pending'`

	retryJobSQL = `
UPDATE coord_jobs
   SET state = 'pending', attempts = 0, due_time = ?2, last_error = '',
       dispatch_token = NULL, dispatched_at = NULL, updated_at = ?3
 WHERE id = ?1 AND state = 'failed'`

	listJobsSQL = `
SELECT ` + jobColumns + `
  FROM coord_jobs
 WHERE (?1 = '' OR state = ?1)
 ORDER BY updated_at DESC, id
 LIMIT ?2`
)

func (s *Store) CreateJob(ctx context.Context, job domain.ScheduledJob) error {
	if job.ID == "" || job.Target.Name == "" {
		return errors.Wrap(storage.ErrInvalidArgument, "job id and target are required")
	}
	headers, err := storage.EncodeHeaders(job.Headers)
	if err != nil {
		return err
	}
	payload := job.Payload
	if payload == nil {
		payload = []byte{}
	}
	policy := job.Retry.Normalize()
	_, err = s.exec(ctx, "create_job", createJobSQL,
		job.ID, string(job.Target.Kind), job.Target.Name, payload, string(headers), toMillis(job.DueTime),
		policy.MaxAttempts, policy.InitialBackoff.Milliseconds(), policy.MaxBackoff.Milliseconds(),
		policy.Multiplier, toMillis(s.now()),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM coord_jobs WHERE id = ?1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledJob{}, storage.ErrNotFound
	}
	return job, errors.Wrap(err, "sqlite get job")
}

func (s *Store) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, "list jobs", listJobsSQL, string(state), limit)
}

func (s *Store) ClaimDueJobs(ctx context.Context, token string, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := retry.Value(ctx, s.retry, "claim_due_jobs", func(ctx context.Context) ([]domain.ScheduledJob, error) {
		return s.queryJobs(ctx, "claim due jobs", claimDueJobsSQL, token, toMillis(s.now()), limit)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].DueTime.Equal(jobs[j].DueTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].DueTime.Before(jobs[j].DueTime)
	})
	return jobs, nil
}

func (s *Store) CompleteJob(ctx context.Context, id, token string) (bool, error) {
	n, err := s.exec(ctx, "complete_job", completeJobSQL, id, token, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) RescheduleJob(ctx context.Context, id, token string, due time.Time, reason string) (bool, error) {
	n, err := s.exec(ctx, "reschedule_job", rescheduleJobSQL, id, token, toMillis(due), reason, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) FailJob(ctx context.Context, id, token, reason string) (bool, error) {
	n, err := s.exec(ctx, "fail_job", failJobSQL, id, token, reason, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) ListOverdueJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, "list overdue jobs", listOverdueJobsSQL, toMillis(cutoff), limit)
}

func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, "cancel_job", cancelJobSQL, id, toMillis(s.now()))
	return n > 0, err
}

func (s *Store) RetryJob(ctx context.Context, id string, due time.Time) (bool, error) {
	n, err := s.exec(ctx, "retry_job", retryJobSQL, id, toMillis(due), toMillis(s.now()))
	return n > 0, err
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite %s", op)
	}
	defer rows.Close()
	var jobs []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "sqlite %s", op)
		}
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrapf(rows.Err(), "sqlite %s", op)
}

func scanJob(row scanner) (domain.ScheduledJob, error) {
	var (
		j                         domain.ScheduledJob
		kind, state, headers      string
		initialMs, maxMs          int64
		due, created, updated     int64
		dispatchedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &kind, &j.Target.Name, &j.Payload, &headers, &due, &state, &j.Attempts,
		&j.Retry.MaxAttempts, &initialMs, &maxMs, &j.Retry.Multiplier,
		&j.DispatchToken, &dispatchedAt, &completedAt, &j.LastError, &created, &updated)
	if err != nil {
		return j, err
	}
	j.Target.Kind = domain.TargetKind(kind)
	j.State = domain.JobState(state)
	j.Retry.InitialBackoff = time.Duration(initialMs) * time.Millisecond
	j.Retry.MaxBackoff = time.Duration(maxMs) * time.Millisecond
	j.DueTime = fromMillis(due)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.DispatchedAt = fromNullMillis(dispatchedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.Headers, err = storage.DecodeHeaders([]byte(headers))
	return j, err
}
