package domain

import "time"

// Job lifecycle event types.
const (
	EventJobCreated   = "job.created"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// JobEvent is the audit envelope published on each lifecycle transition.
type JobEvent struct {
	Type          string    `json:"type"`
	JobID         string    `json:"job_id"`
	UserID        string    `json:"user_id"`
	CompetitionID string    `json:"competition_id,omitempty"`
	NodeID        *int      `json:"node_id,omitempty"`
	Status        JobStatus `json:"status"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// EventPublisher (port) — optional; a nil-safe no-op implementation is used
// when no brokers are configured.
type EventPublisher interface {
	Publish(ctx Context, ev JobEvent) error
	Close() error
}
