// Package storage defines the relational store contract shared by every
// coordination component. Each method is one atomic unit against the store:
// a single conditional statement or a single transaction. Callers never get
// to hold a row between two round trips.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
)

var (
	// ErrNotFound is returned by lookups of a single row that does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidArgument is returned when a request cannot be expressed as a row.
	ErrInvalidArgument = errors.New("storage: invalid argument")
)

// Store is the full contract a backend implements.
type Store interface {
	Messages
	Subscriptions
	Locks
	Jobs

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// NewMessage is a row to insert into a queue.
type NewMessage struct {
	Queue   string
	Topic   string
	Payload []byte
	Headers map[string]string
	// VisibleAfter defers delivery; zero means visible immediately.
	VisibleAfter time.Time
}

func (m NewMessage) Validate() error {
	if m.Queue == "" {
		return errors.Wrap(ErrInvalidArgument, "queue name is required")
	}
	return nil
}

// NackOutcome reports what a Nack did to the message.
type NackOutcome int

const (
	// NackStale means the lease token no longer matched; nothing changed.
	NackStale NackOutcome = iota
	NackRequeued
	NackDeadLettered
)

func (o NackOutcome) String() string {
	switch o {
	case NackRequeued:
		return "requeued"
	case NackDeadLettered:
		return "dead_lettered"
	default:
		return "stale"
	}
}

// Messages is the durable queue store.
type Messages interface {
	// EnsureQueue creates the queue row if missing.
	EnsureQueue(ctx context.Context, name string, ephemeral bool) error
	// DropQueue deletes a queue and all of its messages.
	DropQueue(ctx context.Context, name string) error

	Insert(ctx context.Context, msg NewMessage) (int64, error)
	// InsertBatch inserts every message in one transaction, creating
	// missing queues as durable.
	InsertBatch(ctx context.Context, msgs []NewMessage) ([]int64, error)
	// FanOut inserts every message in one transaction but only into queues
	// that still exist; it never creates a queue. ids[i] is 0 when msgs[i]
	// targeted a queue that was dropped.
	FanOut(ctx context.Context, msgs []NewMessage) ([]int64, error)

	// LeaseNext atomically leases the oldest eligible message of queue, or
	// returns nil when none is eligible. Messages whose delivery count has
	// reached maxDeliveries are never leased.
	LeaseNext(ctx context.Context, queue string, lease time.Duration, maxDeliveries int) (*domain.Message, error)
	ExtendLease(ctx context.Context, id int64, token string, lease time.Duration) (bool, error)
	Ack(ctx context.Context, id int64, token string) (bool, error)
	Nack(ctx context.Context, id int64, token string, delay time.Duration, maxDeliveries int, reason string) (NackOutcome, error)
	// Release returns a leased message to Ready immediately without counting
	// the aborted delivery.
	Release(ctx context.Context, id int64, token string) (bool, error)
	DeadLetter(ctx context.Context, id int64, token, reason string) (bool, error)
	// ReapExpired dead-letters expired leases of queue whose delivery count
	// has reached maxDeliveries.
	ReapExpired(ctx context.Context, queue string, maxDeliveries int) (int64, error)

	GetMessage(ctx context.Context, id int64) (domain.Message, error)
	ListDead(ctx context.Context, queue string, limit int) ([]domain.Message, error)
	// ReplayDead moves dead messages back to Ready with a fresh delivery
	// budget. An empty ids slice replays the whole queue.
	ReplayDead(ctx context.Context, queue string, ids []int64) (int64, error)
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
	QueueStats(ctx context.Context) ([]domain.QueueStats, error)
}

// Subscriptions persists topic to queue bindings.
type Subscriptions interface {
	// Subscribe upserts the binding. A nil ExpiresAt makes it durable.
	Subscribe(ctx context.Context, sub domain.Subscription) error
	Unsubscribe(ctx context.Context, topic, queue string) (bool, error)
	TouchSubscription(ctx context.Context, topic, queue string, expiresAt time.Time) (bool, error)
	// Resolve returns the queues with an active subscription to topic,
	// sorted by name.
	Resolve(ctx context.Context, topic string) ([]string, error)
	// ListSubscriptions lists bindings for topic, or all when topic is "".
	ListSubscriptions(ctx context.Context, topic string) ([]domain.Subscription, error)
	// PruneSubscriptions deletes expired ephemeral bindings and returns them.
	PruneSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

// LockGrant is the row state written by a successful acquire.
type LockGrant struct {
	Token     int64
	ExpiresAt time.Time
}

// Locks persists lease locks and fencing observations.
type Locks interface {
	// TryAcquire grants the lock when it is absent, released or expired and
	// returns the new fencing token with the lease expiry it stored.
	TryAcquire(ctx context.Context, resource, holder string, lease time.Duration) (grant LockGrant, granted bool, err error)
	RenewLock(ctx context.Context, resource, holder string, token int64, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, holder string, token int64) (bool, error)
	GetLock(ctx context.Context, resource string) (domain.Lock, error)
	ListLocks(ctx context.Context) ([]domain.Lock, error)
	// AdvanceFence records token as the latest observed for resource unless a
	// higher one was already recorded, in which case it returns false.
	AdvanceFence(ctx context.Context, resource string, token int64) (bool, error)
}

// Jobs persists scheduled jobs.
type Jobs interface {
	CreateJob(ctx context.Context, job domain.ScheduledJob) error
	GetJob(ctx context.Context, id string) (domain.ScheduledJob, error)
	ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.ScheduledJob, error)
	// ClaimDueJobs moves up to limit pending jobs with due_time <= now to
	// Dispatched, incrementing attempts and stamping token.
	ClaimDueJobs(ctx context.Context, token string, limit int) ([]domain.ScheduledJob, error)
	CompleteJob(ctx context.Context, id, token string) (bool, error)
	// RescheduleJob moves a dispatched job carrying token back to Pending.
	RescheduleJob(ctx context.Context, id, token string, due time.Time, reason string) (bool, error)
	FailJob(ctx context.Context, id, token, reason string) (bool, error)
	// ListOverdueJobs lists dispatched jobs dispatched at or before cutoff.
	ListOverdueJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledJob, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	// RetryJob moves a failed job back to Pending with a fresh attempt budget.
	RetryJob(ctx context.Context, id string, due time.Time) (bool, error)
}
