package domain

import "time"

type JobState string

const (
	JobPending    JobState = "pending"
	JobDispatched JobState = "dispatched"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
	JobCanceled   JobState = "canceled"
)

// Terminal reports whether the scheduler will never touch a job in this state
// again without operator intervention.
func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

type TargetKind string

const (
	TargetQueue TargetKind = "queue"
	TargetTopic TargetKind = "topic"
)

// Target is where a due job is delivered: one queue directly, or every queue
// subscribed to a topic.
type Target struct {
	Kind TargetKind
	Name string
}

func QueueTarget(name string) Target { return Target{Kind: TargetQueue, Name: name} }
func TopicTarget(name string) Target { return Target{Kind: TargetTopic, Name: name} }

func (t Target) String() string { return string(t.Kind) + ":" + t.Name }

type ScheduledJob struct {
	ID            string
	Target        Target
	Payload       []byte
	Headers       map[string]string
	DueTime       time.Time
	State         JobState
	Attempts      int
	Retry         RetryPolicy
	DispatchToken string
	DispatchedAt  *time.Time
	CompletedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exhausted reports whether another dispatch would exceed the retry budget.
func (j ScheduledJob) Exhausted() bool {
	return j.Attempts >= j.Retry.Normalize().MaxAttempts
}
