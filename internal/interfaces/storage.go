// Package interfaces defines service contracts for jobd
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/jobd/internal/models"
)

// JobStore persists jobs and owns every lifecycle transition.
//
// Dequeue, CompleteJob, and FailJob must be atomic with respect to
// concurrent callers: exactly one caller observes each transition.
type JobStore interface {
	// Enqueue persists a fully-formed job in state queued and indexes it
	// under its queue's queued set.
	Enqueue(ctx context.Context, job *models.Job) error

	// Dequeue atomically claims the lowest-score queued job: transitions it
	// to running, sets StartedAt, and returns it. Returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context, queue string) (*models.Job, error)

	// Peek returns the lowest-score queued job without any state change.
	Peek(ctx context.Context, queue string) (*models.Job, error)

	// GetJob returns the full job record, or nil when unknown.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListJobs returns an ordered page of jobs for a queue.
	ListJobs(ctx context.Context, queue string, filter models.JobFilter) ([]*models.Job, error)

	// UpdateJob applies a partial update atomically. A status change moves
	// the id between state sets with the appropriate new score; a priority
	// change while queued rescores the entry in place.
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) error

	// RemoveJob deletes the job and its index entry. Reports whether a
	// removal occurred.
	RemoveJob(ctx context.Context, id string) (bool, error)

	// CompleteJob atomically moves a running job to completed, setting
	// CompletedAt, Progress=100, and the result. Returns false without
	// changes when the job is not running (idempotent no-op).
	CompleteJob(ctx context.Context, id string, result []byte) (bool, error)

	// FailJob records an attempt failure for a running job. When retries
	// remain it re-enqueues with the original score and an incremented
	// retry count; otherwise the job moves terminally to failed with
	// FailedAt set. The returned outcome tags the decision.
	FailJob(ctx context.Context, id string, jobErr *models.JobError) (models.FailOutcome, error)

	// GetQueueStats returns per-state counts and the total for a queue.
	GetQueueStats(ctx context.Context, queue string) (*models.QueueStats, error)

	// ResetRunningJobs moves every running job of a queue back to queued,
	// keeping original scores. Called on startup to recover jobs that were
	// in flight when the previous process crashed.
	ResetRunningJobs(ctx context.Context, queue string) (int, error)

	// PurgeJobs removes terminal jobs whose completion precedes the cutoff.
	PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int, error)

	// HealthCheck probes the backend and reports latency.
	HealthCheck(ctx context.Context) (*models.HealthStatus, error)

	Close() error
}
