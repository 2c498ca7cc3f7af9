// Package domain holds the entities persisted in the relational store.
// Values here are snapshots of store rows and may be stale by the time they
// are read.
package domain

import "time"

type MessageState string

const (
	MessageReady     MessageState = "ready"
	MessageLeased    MessageState = "leased"
	MessageCompleted MessageState = "completed"
	MessageDead      MessageState = "dead"
)

// Reserved message headers.
const (
	HeaderTopic         = "sqlcoord-topic"
	HeaderJobID         = "sqlcoord-job-id"
	HeaderDispatchToken = "sqlcoord-dispatch-token"
)

type Message struct {
	ID            int64
	Queue         string
	Topic         string
	Payload       []byte
	Headers       map[string]string
	State         MessageState
	EnqueuedAt    time.Time
	VisibleAfter  time.Time
	DeliveryCount int
	LeaseToken    string
	LastError     string
}

// Header returns the value of a header or "" when absent.
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// QueueStats counts the messages of one queue by state.
type QueueStats struct {
	Queue     string
	Ephemeral bool
	Ready     int64
	Delayed   int64
	Leased    int64
	Completed int64
	Dead      int64
}

// Depth is the number of messages still owed to consumers.
func (s QueueStats) Depth() int64 {
	return s.Ready + s.Delayed + s.Leased
}
