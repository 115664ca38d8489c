// Package models defines the core data types for jobd.
package models

import (
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states. Terminal states never transition elsewhere.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every lifecycle state, in state-machine order.
var AllStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority bounds. Lower numeric value is dispatched earlier.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// JobError carries a structured failure recorded on a job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Well-known job failure codes.
const (
	ErrCodeHandlerError    = "HANDLER_ERROR"
	ErrCodeHandlerNotFound = "HANDLER_NOT_FOUND"
	ErrCodeHandlerPanic    = "HANDLER_PANIC"
	ErrCodeJobTimeout      = "JOB_TIMEOUT"
	ErrCodeJobCancelled    = "JOB_CANCELLED"
)

// Job represents one unit of work submitted to a queue.
// The job store is the single owner of the record; runtime components fetch
// the current state and write through store operations.
type Job struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Queue string `json:"queue"`

	Data json.RawMessage `json:"data,omitempty"`

	Status   JobStatus `json:"status"`
	Priority int       `json:"priority"`  // 1..10, lower processed first
	QueuedAt int64     `json:"queued_at"` // epoch micros, monotonic within a process

	TimeoutMS  int64 `json:"timeout_ms"`
	MaxRetries int   `json:"max_retries"`
	Retries    int   `json:"retries"`

	Progress        int    `json:"progress"` // 0..100
	ProgressMessage string `json:"progress_message,omitempty"`

	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	FailedAt    time.Time `json:"failed_at,omitzero"`

	Result json.RawMessage   `json:"result,omitempty"`
	Error  *JobError         `json:"error,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Score returns the dequeue ordering key: priority dominates, the enqueue
// timestamp breaks ties FIFO. A strictly smaller score is processed first.
func (j *Job) Score() float64 {
	return ScoreFor(j.Priority, j.QueuedAt)
}

// ScoreFor computes the ordering score for a priority and enqueue timestamp.
func ScoreFor(priority int, queuedAt int64) float64 {
	return float64(priority) + float64(queuedAt)/1e13
}

// Timeout returns the execution budget as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// Clone returns a deep copy of the job. Stores hand out clones so callers
// can never mutate the owned record.
func (j *Job) Clone() *Job {
	c := *j
	if j.Data != nil {
		c.Data = append(json.RawMessage(nil), j.Data...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Meta != nil {
		c.Meta = make(map[string]string, len(j.Meta))
		for k, v := range j.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// lastMicros backs NowMicros. Coarse clocks can return the same microsecond
// twice; score ties inside one process would then collide.
var lastMicros atomic.Int64

// NowMicros returns the current time in epoch microseconds, strictly
// increasing within this process.
func NowMicros() int64 {
	for {
		now := time.Now().UnixMicro()
		last := lastMicros.Load()
		if now <= last {
			now = last + 1
		}
		if lastMicros.CompareAndSwap(last, now) {
			return now
		}
	}
}

// JobOptions overrides queue defaults at submission.
type JobOptions struct {
	Priority   int               // 1..10; 0 means PriorityDefault
	Timeout    time.Duration     // 0 means queue default
	MaxRetries *int              // nil means queue default
	Meta       map[string]string // user-supplied metadata
	DedupeKey  string            // used by AddUnique duplicate suppression
}

// FailOutcome is the decision returned by FailJob.
type FailOutcome string

const (
	// FailOutcomeRetried means the job went back to queued with its original score.
	FailOutcomeRetried FailOutcome = "retried"
	// FailOutcomeFailed means the retry cap was exhausted and the job is terminal.
	FailOutcomeFailed FailOutcome = "failed"
	// FailOutcomeNone means the job was not in running state; nothing changed.
	FailOutcomeNone FailOutcome = "none"
)

// SortKey selects the ordering for job listings.
type SortKey string

const (
	SortByQueuedAt SortKey = "queued_at"
	SortByPriority SortKey = "priority"
)

// JobFilter narrows and pages a job listing.
type JobFilter struct {
	Statuses  []JobStatus
	Type      string
	Limit     int // default 100
	Offset    int
	SortBy    SortKey // default SortByQueuedAt
	SortOrder string  // "asc" (default) or "desc"
}

// EffectiveLimit returns the page size with the default applied. A negative
// limit means unbounded.
func (f *JobFilter) EffectiveLimit() int {
	if f.Limit < 0 {
		return 1 << 31
	}
	if f.Limit == 0 {
		return 100
	}
	return f.Limit
}

// SortJobs orders a listing in place per the filter's sort key and
// direction. Priority sorting uses the score, so ties still break FIFO.
func SortJobs(jobs []*Job, filter JobFilter) {
	desc := filter.SortOrder == "desc"

	less := func(a, b *Job) bool { return a.QueuedAt < b.QueuedAt }
	if filter.SortBy == SortByPriority {
		less = func(a, b *Job) bool {
			if a.Score() != b.Score() {
				return a.Score() < b.Score()
			}
			return a.QueuedAt < b.QueuedAt
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if desc {
			return less(jobs[j], jobs[i])
		}
		return less(jobs[i], jobs[j])
	})
}

// QueueStats holds per-state counts for one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Total     int    `json:"total"`
}

// HealthStatus is the result of an adapter liveness probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// JobUpdate is a partial update applied through the job store. Nil fields
// are left untouched. A status change moves the job between state sets.
type JobUpdate struct {
	Status          *JobStatus
	Priority        *int
	Progress        *int
	ProgressMessage *string
	Result          json.RawMessage
	Error           *JobError
	CompletedAt     *time.Time
	FailedAt        *time.Time
	Meta            map[string]string
}
