package domain

import "time"

// Subscription binds a topic to a queue. ExpiresAt is nil for durable
// subscriptions; ephemeral ones lapse unless their owner keeps touching them.
type Subscription struct {
	Topic     string
	Queue     string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (s Subscription) Ephemeral() bool { return s.ExpiresAt != nil }

// Active reports whether the subscription receives messages at now.
func (s Subscription) Active(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}
