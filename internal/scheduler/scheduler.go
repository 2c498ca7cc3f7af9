// Package scheduler persists jobs with a not-before time and hands them to
// the transport when due. Dispatch claims are a single conditional update,
// so any number of scheduler instances may poll the same store without
// dispatching a job twice per attempt.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Sender delivers a due job. *queue.Transport implements it.
type Sender interface {
	SendDirect(ctx context.Context, queue string, payload []byte, opts ...queue.PublishOption) (int64, error)
	Publish(ctx context.Context, topic string, payload []byte, opts ...queue.PublishOption) ([]int64, error)
}

type Config struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
	// Grace is how long a dispatched job may go without a completion
	// before it is retried.
	Grace          time.Duration `env:"GRACE" envDefault:"5m"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"5s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"10m"`
	Multiplier     float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	return c
}

// DefaultRetry is the policy applied to requests that carry none.
func (c Config) DefaultRetry() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}.Normalize()
}

type Scheduler struct {
	store   storage.Jobs
	sender  Sender
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cfg     Config
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

func New(store storage.Jobs, sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		sender: sender,
		clock:  clock.Real{},
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/SirClappington/sqlcoord/scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.normalize()
	s.logger = s.logger.Named("scheduler")
	s.metrics = metrics.OrNop(s.metrics)
	return s
}

// Request describes a job to schedule.
type Request struct {
	// ID is optional; a random one is assigned when empty. Scheduling an
	// existing id fails.
	ID      string
	Target  domain.Target
	Payload []byte
	Headers map[string]string
	// DueTime zero means now.
	DueTime time.Time
	// Retry zero value means the scheduler default.
	Retry domain.RetryPolicy
}

func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	if req.Target.Name == "" {
		return "", errors.Wrap(storage.ErrInvalidArgument, "job target is required")
	}
	switch req.Target.Kind {
	case domain.TargetQueue, domain.TargetTopic:
	default:
		return "", errors.Wrapf(storage.ErrInvalidArgument, "unknown target kind %q", req.Target.Kind)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	due := req.DueTime
	if due.IsZero() {
		due = s.clock.Now()
	}
	policy := req.Retry
	if policy == (domain.RetryPolicy{}) {
		policy = s.cfg.DefaultRetry()
	}
	job := domain.ScheduledJob{
		ID:      id,
		Target:  req.Target,
		Payload: req.Payload,
		Headers: storage.CloneHeaders(req.Headers),
		DueTime: due,
		Retry:   policy.Normalize(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", errors.Wrapf(err, "schedule job %s", id)
	}
	s.metrics.JobsScheduled.Inc()
	s.logger.Debug("job scheduled",
		zap.String("job_id", id),
		zap.Stringer("target", req.Target),
		zap.Time("due", due),
	)
	return id, nil
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("grace", s.cfg.Grace),
	)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll: it dispatches due jobs and retries overdue ones. It
// returns the number of jobs dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	n, err := s.dispatchDue(ctx)
	if err != nil {
		return n, err
	}
	return n, s.retryOverdue(ctx)
}

func (s *Scheduler) dispatchDue(ctx context.Context) (int, error) {
	jobs, err := s.store.ClaimDueJobs(ctx, storage.NewToken(), s.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "claim due jobs")
	}
	for _, job := range jobs {
		s.dispatch(ctx, job)
	}
	return len(jobs), nil
}

func (s *Scheduler) dispatch(ctx context.Context, job domain.ScheduledJob) {
	ctx, span := s.tracer.Start(ctx, "sqlcoord.scheduler.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("sqlcoord.job_id", job.ID),
		attribute.String("sqlcoord.target", job.Target.String()),
		attribute.Int("sqlcoord.attempt", job.Attempts),
	)

	headers := storage.CloneHeaders(job.Headers)
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	headers[domain.HeaderJobID] = job.ID
	headers[domain.HeaderDispatchToken] = job.DispatchToken
	opt := queue.WithHeaders(headers)

	var err error
	switch job.Target.Kind {
	case domain.TargetTopic:
		_, err = s.sender.Publish(ctx, job.Target.Name, job.Payload, opt)
	default:
		_, err = s.sender.SendDirect(ctx, job.Target.Name, job.Payload, opt)
	}
	if err == nil {
		s.metrics.JobsDispatched.Inc()
		s.logger.Debug("job dispatched",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Stringer("target", job.Target),
		)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "send_failed")
	s.logger.Warn("job dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
	s.retryOrFail(ctx, job, "dispatch failed: "+err.Error())
}

// retryOverdue reschedules or fails dispatched jobs with no completion
// within the grace period. The listing is advisory; each write is
// conditional on the dispatch token it saw.
func (s *Scheduler) retryOverdue(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.Grace)
	jobs, err := s.store.ListOverdueJobs(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list overdue jobs")
	}
	for _, job := range jobs {
		s.retryOrFail(ctx, job, "no completion within grace period")
	}
	return nil
}

func (s *Scheduler) retryOrFail(ctx context.Context, job domain.ScheduledJob, reason string) {
	if job.Exhausted() {
		ok, err := s.store.FailJob(ctx, job.ID, job.DispatchToken, reason)
		if err != nil {
			s.logger.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if ok {
			s.metrics.JobsFailed.Inc()
			s.logger.Warn("job failed",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts),
				zap.String("reason", reason),
			)
		}
		return
	}
	delay := job.Retry.Delay(job.Attempts)
	due := s.clock.Now().Add(delay)
	ok, err := s.store.RescheduleJob(ctx, job.ID, job.DispatchToken, due, reason)
	if err != nil {
		s.logger.Error("reschedule job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if ok {
		s.metrics.JobsRescheduled.Inc()
		s.logger.Info("job rescheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("retry_in", delay),
			zap.String("reason", reason),
		)
	}
}

// Complete confirms a dispatched job. It reports false when token belongs
// to a superseded dispatch or the job already finished.
func (s *Scheduler) Complete(ctx context.Context, id, token string) (bool, error) {
	ok, err := s.store.CompleteJob(ctx, id, token)
	if err != nil {
		return false, errors.Wrapf(err, "complete job %s", id)
	}
	if !ok {
		s.logger.Debug("stale job completion", zap.String("job_id", id))
		return false, nil
	}
	s.metrics.JobsCompleted.Inc()
	return true, nil
}

// Fail reports a failed attempt. The job is retried with backoff, or moved
// to failed once its attempts are spent.
func (s *Scheduler) Fail(ctx context.Context, id, token, reason string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "fail job %s", id)
	}
	if job.State != domain.JobDispatched || job.DispatchToken != token {
		s.logger.Debug("stale job failure", zap.String("job_id", id))
		return nil
	}
	s.retryOrFail(ctx, job, reason)
	return nil
}

// CompletionHandler wraps next so that messages produced by the scheduler
// confirm their job when next succeeds. A permanent failure counts as a
// failed attempt; other failures are left to message redelivery.
func (s *Scheduler) CompletionHandler(next queue.Handler) queue.Handler {
	return func(ctx context.Context, msg *domain.Message) error {
		err := next(ctx, msg)
		id, token := msg.Header(domain.HeaderJobID), msg.Header(domain.HeaderDispatchToken)
		if id == "" || token == "" {
			return err
		}
		switch {
		case err == nil:
			if _, cerr := s.Complete(ctx, id, token); cerr != nil {
				return cerr
			}
		case queue.IsPermanent(err):
			if ferr := s.Fail(ctx, id, token, err.Error()); ferr != nil {
				s.logger.Error("report job failure", zap.String("job_id", id), zap.Error(ferr))
			}
		}
		return err
	}
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.ScheduledJob, error) {
	job, err := s.store.GetJob(ctx, id)
	return job, errors.Wrapf(err, "get job %s", id)
}

// List returns jobs in state, or all jobs when state is empty.
func (s *Scheduler) List(ctx context.Context, state domain.JobState, limit int) ([]domain.ScheduledJob, error) {
	jobs, err := s.store.ListJobs(ctx, state, limit)
	return jobs, errors.Wrap(err, "list jobs")
}

// Cancel stops a pending job from being dispatched.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.CancelJob(ctx, id)
	return ok, errors.Wrapf(err, "cancel job %s", id)
}

// Retry puts a failed job back to pending, due now, with a fresh attempt
// budget.
func (s *Scheduler) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.RetryJob(ctx, id, s.clock.Now())
	if err != nil {
		return false, errors.Wrapf(err, "retry job %s", id)
	}
	if ok {
		s.logger.Info("failed job resubmitted", zap.String("job_id", id))
	}
	return ok, nil
}
