package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

// JobContext is the execution scope handed to a handler for one attempt.
type JobContext interface {
	// JobID returns the id of the job being executed.
	JobID() string

	// Data returns the validated input payload.
	Data() json.RawMessage

	// Meta returns the user-supplied metadata.
	Meta() map[string]string

	// Logger returns a logger scoped with job_id and job_type.
	Logger() *common.Logger

	// Progress reports completion percentage (0..100) with an optional
	// message. It writes through the job store and emits job:progress.
	// Progress is monotonically non-decreasing within one attempt.
	Progress(ctx context.Context, percent int, message string) error
}

// JobHandler executes one job attempt. The context carries the attempt's
// cancellation signal and timeout budget; honouring it is the handler's
// responsibility. The returned payload is stored as the job result.
type JobHandler func(ctx context.Context, jc JobContext) (json.RawMessage, error)

// Schema validates a raw payload. Implementations must not mutate the value.
type Schema interface {
	// SafeParse reports whether the value conforms, with one issue per
	// violation when it does not.
	SafeParse(value []byte) (bool, []models.SchemaIssue)
}

// EventBus relays typed events across processes.
type EventBus interface {
	// Publish serialises the event and fans it out to peer processes.
	Publish(ctx context.Context, event *models.Event) error

	// Subscribe registers a handler for events whose type matches the
	// pattern (e.g. "job:*"). The returned closure unsubscribes; it never
	// fails, release errors are logged and swallowed.
	Subscribe(pattern string, handler func(*models.Event)) (func(), error)

	// HealthCheck reports bus liveness including breaker state.
	HealthCheck(ctx context.Context) (*models.HealthStatus, error)

	Close() error
}

// StopOptions controls queue shutdown.
type StopOptions struct {
	Graceful bool          // wait for in-flight handlers to drain
	Timeout  time.Duration // drain deadline for graceful stops
}

// SubscriptionCallbacks receive the lifecycle events of a single job.
// Nil callbacks are skipped.
type SubscriptionCallbacks struct {
	OnProgress  func(percent int, message string)
	OnCompleted func(result json.RawMessage)
	OnFailed    func(jobErr *models.JobError)
	OnCancelled func(reason string)
}

// QueueService is the multi-queue façade exposed to submitters.
type QueueService interface {
	// Add validates data against the job type's input schema and enqueues.
	Add(ctx context.Context, queue, jobType string, data []byte, opts *models.JobOptions) (string, error)

	// AddUnique enqueues only when no queued job with the same type and
	// dedupe key exists. Returns the existing id when suppressed.
	AddUnique(ctx context.Context, queue, jobType string, data []byte, opts *models.JobOptions) (string, error)

	// GetJob resolves a job by id. An empty queue name consults the
	// id-to-queue cache, then the shared store.
	GetJob(ctx context.Context, id, queue string) (*models.Job, error)

	// CancelJob signals the running attempt (when live) and records the
	// job as cancelled.
	CancelJob(ctx context.Context, id, queue, reason string) error

	// ListJobs pages jobs for one queue.
	ListJobs(ctx context.Context, queue string, filter models.JobFilter) ([]*models.Job, error)

	// GetQueueStats returns counts for one queue.
	GetQueueStats(ctx context.Context, queue string) (*models.QueueStats, error)

	// GetAllStats returns counts for every queue.
	GetAllStats(ctx context.Context) (map[string]*models.QueueStats, error)

	// StartAll starts every queue's processing loop.
	StartAll(ctx context.Context) error

	// StopAll stops every queue.
	StopAll(ctx context.Context, opts StopOptions) error

	// Subscribe attaches per-job callbacks; the closure unsubscribes.
	Subscribe(id string, callbacks SubscriptionCallbacks) func()
}
