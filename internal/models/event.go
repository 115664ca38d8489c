package models

import (
	"encoding/json"
	"time"
)

// Queue event types, hierarchical colon-separated tags.
const (
	EventJobQueued    = "job:queued"
	EventJobStarted   = "job:started"
	EventJobProgress  = "job:progress"
	EventJobCompleted = "job:completed"
	EventJobFailed    = "job:failed"
	EventJobCancelled = "job:cancelled"
	EventJobRetry     = "job:retry"
)

// Event is the envelope relayed across processes by the event bus.
type Event struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	OriginID      string          `json:"origin_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      uint64          `json:"sequence,omitempty"`
}

// Valid reports whether the envelope carries the required fields.
func (e *Event) Valid() bool {
	return e.Type != "" && e.OriginID != "" && !e.Timestamp.IsZero()
}

// QueueEvent is emitted by a queue instance on every job state change.
// One of the payload fields is populated depending on Type.
type QueueEvent struct {
	Type      string          `json:"type"`
	Queue     string          `json:"queue"`
	JobID     string          `json:"job_id"`
	Job       *Job            `json:"job,omitempty"`
	Progress  int             `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
