package httpapi

import (
	"time"

	"github.com/SirClappington/sqlcoord/internal/domain"
)

type messageView struct {
	ID            int64             `json:"id"`
	Queue         string            `json:"queue"`
	Topic         string            `json:"topic,omitempty"`
	Payload       string            `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	State         string            `json:"state"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	VisibleAfter  time.Time         `json:"visible_after"`
	DeliveryCount int               `json:"delivery_count"`
	LastError     string            `json:"last_error,omitempty"`
}

func newMessageView(m domain.Message) messageView {
	return messageView{
		ID:            m.ID,
		Queue:         m.Queue,
		Topic:         m.Topic,
		Payload:       string(m.Payload),
		Headers:       m.Headers,
		State:         string(m.State),
		EnqueuedAt:    m.EnqueuedAt,
		VisibleAfter:  m.VisibleAfter,
		DeliveryCount: m.DeliveryCount,
		LastError:     m.LastError,
	}
}

type queueStatsView struct {
	Queue     string `json:"queue"`
	Ephemeral bool   `json:"ephemeral"`
	Ready     int64  `json:"ready"`
	Delayed   int64  `json:"delayed"`
	Leased    int64  `json:"leased"`
	Completed int64  `json:"completed"`
	Dead      int64  `json:"dead"`
	Depth     int64  `json:"depth"`
}

func newQueueStatsView(s domain.QueueStats) queueStatsView {
	return queueStatsView{
		Queue:     s.Queue,
		Ephemeral: s.Ephemeral,
		Ready:     s.Ready,
		Delayed:   s.Delayed,
		Leased:    s.Leased,
		Completed: s.Completed,
		Dead:      s.Dead,
		Depth:     s.Depth(),
	}
}

type subscriptionView struct {
	Topic     string     `json:"topic"`
	Queue     string     `json:"queue"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func newSubscriptionView(s domain.Subscription) subscriptionView {
	return subscriptionView{Topic: s.Topic, Queue: s.Queue, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt}
}

type jobView struct {
	ID           string            `json:"id"`
	TargetKind   string            `json:"target_kind"`
	Target       string            `json:"target"`
	Payload      string            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	DueTime      time.Time         `json:"due_time"`
	State        string            `json:"state"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newJobView(j domain.ScheduledJob) jobView {
	return jobView{
		ID:           j.ID,
		TargetKind:   string(j.Target.Kind),
		Target:       j.Target.Name,
		Payload:      string(j.Payload),
		Headers:      j.Headers,
		DueTime:      j.DueTime,
		State:        string(j.State),
		Attempts:     j.Attempts,
		MaxAttempts:  j.Retry.MaxAttempts,
		DispatchedAt: j.DispatchedAt,
		CompletedAt:  j.CompletedAt,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type lockView struct {
	Resource     string    `json:"resource"`
	Holder       string    `json:"holder,omitempty"`
	FencingToken int64     `json:"fencing_token"`
	LeaseExpiry  time.Time `json:"lease_expiry"`
	Held         bool      `json:"held"`
}

func newLockView(l domain.Lock, now time.Time) lockView {
	return lockView{
		Resource:     l.Resource,
		Holder:       l.HolderID,
		FencingToken: l.FencingToken,
		LeaseExpiry:  l.LeaseExpiry,
		Held:         l.HeldAt(now),
	}
}
