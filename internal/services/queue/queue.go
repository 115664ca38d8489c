// Package queue implements job queues: typed submission, the processing
// loop with a concurrency cap, attempt execution with timeout and
// cancellation, and the multi-queue service façade.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

const defaultDrainTimeout = 30 * time.Second

// Queue is one named queue: a submission surface plus a processing loop
// that claims jobs from the store and runs their handlers.
type Queue struct {
	name     string
	store    interfaces.JobStore
	registry *Registry
	emitter  *emitter
	logger   *common.Logger

	concurrency    int
	defaultTimeout time.Duration
	maxRetries     int
	pollInterval   time.Duration

	mu         sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	inflight   map[string]context.CancelFunc // job id -> attempt cancel
	wg         sync.WaitGroup                // live attempt goroutines
}

// NewQueue builds a queue from its configuration. The store may be shared
// with other queues and other processes.
func NewQueue(cfg common.QueueConfig, store interfaces.JobStore, registry *Registry, logger *common.Logger) *Queue {
	return &Queue{
		name:           cfg.Name,
		store:          store,
		registry:       registry,
		emitter:        newEmitter(logger),
		logger:         logger.Child(map[string]string{"queue": cfg.Name}),
		concurrency:    cfg.GetConcurrency(),
		defaultTimeout: cfg.GetDefaultTimeout(),
		maxRetries:     cfg.GetMaxRetries(),
		pollInterval:   cfg.GetPollInterval(),
		inflight:       make(map[string]context.CancelFunc),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a job and emits job:queued. The payload is assumed to be
// validated by the service layer.
func (q *Queue) Add(ctx context.Context, jobType string, data []byte, opts *models.JobOptions) (*models.Job, error) {
	if opts == nil {
		opts = &models.JobOptions{}
	}

	priority := opts.Priority
	if priority == 0 {
		priority = models.PriorityDefault
	}
	if priority < models.PriorityHighest || priority > models.PriorityLowest {
		return nil, fmt.Errorf("priority %d out of range %d..%d",
			priority, models.PriorityHighest, models.PriorityLowest)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	maxRetries := q.maxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Queue:      q.name,
		Data:       data,
		Status:     models.JobStatusQueued,
		Priority:   priority,
		QueuedAt:   models.NowMicros(),
		TimeoutMS:  timeout.Milliseconds(),
		MaxRetries: maxRetries,
		Meta:       opts.Meta,
	}

	if err := q.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Int("priority", priority).
		Msg("Job queued")

	q.emitter.emit(&models.QueueEvent{
		Type:      models.EventJobQueued,
		Queue:     q.name,
		JobID:     job.ID,
		Job:       job.Clone(),
		Timestamp: time.Now(),
	})
	return job, nil
}

// Start begins the processing loop. Jobs left running by a previous process
// are requeued first. Starting a started queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}

	if _, err := q.store.ResetRunningJobs(ctx, q.name); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q.running = true
	q.cancelLoop = cancel
	q.loopDone = make(chan struct{})

	go q.runLoop(loopCtx, q.loopDone)

	q.logger.Info().
		Int("concurrency", q.concurrency).
		Dur("default_timeout", q.defaultTimeout).
		Int("max_retries", q.maxRetries).
		Msg("Queue started")
	return nil
}

// Stop halts the loop. A graceful stop waits for in-flight attempts up to
// the drain deadline; a forceful stop (or an expired deadline) cancels
// them, leaving their store records to be requeued on the next Start.
func (q *Queue) Stop(ctx context.Context, opts interfaces.StopOptions) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancelLoop := q.cancelLoop
	loopDone := q.loopDone
	q.mu.Unlock()

	cancelLoop()
	<-loopDone

	drained := false
	if opts.Graceful {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultDrainTimeout
		}
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			drained = true
		case <-time.After(timeout):
			q.logger.Warn().Dur("timeout", timeout).Msg("Drain deadline exceeded, cancelling in-flight jobs")
		case <-ctx.Done():
		}
	}

	if !drained {
		q.mu.Lock()
		for _, cancel := range q.inflight {
			cancel()
		}
		q.mu.Unlock()
		q.wg.Wait()
	}

	q.logger.Info().Bool("graceful", opts.Graceful).Msg("Queue stopped")
	return nil
}

// CancelJob cancels a job. A queued job is simply moved to cancelled; a
// running job additionally has its attempt context cancelled. Cancelling a
// settled job is a no-op.
func (q *Queue) CancelJob(ctx context.Context, id, reason string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return &models.OperationError{Op: "CANCEL_JOB", Key: id, Cause: models.ErrNoTransition}
	}
	if job.Status.IsTerminal() {
		return nil
	}

	q.mu.Lock()
	if cancel, ok := q.inflight[id]; ok {
		cancel()
	}
	q.mu.Unlock()

	status := models.JobStatusCancelled
	now := time.Now()
	update := models.JobUpdate{
		Status:      &status,
		CompletedAt: &now,
		Error: &models.JobError{
			Message: reason,
			Code:    models.ErrCodeJobCancelled,
		},
	}
	if err := q.store.UpdateJob(ctx, id, update); err != nil {
		return err
	}

	q.logger.Info().Str("job_id", id).Str("reason", reason).Msg("Job cancelled")
	q.emitter.emit(&models.QueueEvent{
		Type:      models.EventJobCancelled,
		Queue:     q.name,
		JobID:     id,
		Reason:    reason,
		Timestamp: now,
	})
	return nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs pages this queue's jobs.
func (q *Queue) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return q.store.ListJobs(ctx, q.name, filter)
}

// GetStats returns this queue's per-state counts.
func (q *Queue) GetStats(ctx context.Context) (*models.QueueStats, error) {
	return q.store.GetQueueStats(ctx, q.name)
}

// OnEvent registers an in-process listener for this queue's events.
func (q *Queue) OnEvent(fn func(*models.QueueEvent)) func() {
	return q.emitter.subscribe(fn)
}

// runLoop claims jobs while capacity allows and hands them to executors.
func (q *Queue) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("Processing loop panicked")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if q.inflightCount() >= q.concurrency {
			q.idle(ctx)
			continue
		}

		job, err := q.store.Dequeue(ctx, q.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn().Err(err).Msg("Dequeue failed")
			q.idle(ctx)
			continue
		}
		if job == nil {
			q.idle(ctx)
			continue
		}

		// The attempt gets its own context: stopping the loop must not kill
		// jobs that a graceful stop still wants to drain.
		execCtx, cancel := context.WithCancel(context.Background())
		q.mu.Lock()
		q.inflight[job.ID] = cancel
		q.mu.Unlock()

		q.wg.Add(1)
		go q.execute(execCtx, cancel, job)
	}
}

// attemptResult is what one handler invocation produced.
type attemptResult struct {
	data   json.RawMessage
	jobErr *models.JobError
}

// execute runs one claimed job to an outcome.
func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, job *models.Job) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, job.ID)
		q.mu.Unlock()
		cancel()
	}()

	q.emitter.emit(&models.QueueEvent{
		Type:      models.EventJobStarted,
		Queue:     q.name,
		JobID:     job.ID,
		Job:       job.Clone(),
		Timestamp: time.Now(),
	})

	def, ok := q.registry.Lookup(q.name, job.Type)
	if !ok {
		q.failTerminal(job, &models.JobError{
			Message: fmt.Sprintf("no handler registered for job type %q", job.Type),
			Code:    models.ErrCodeHandlerNotFound,
		})
		return
	}

	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	execCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	jc := newJobContext(job, q.store, q.emitter, q.logger)

	resCh := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- attemptResult{jobErr: &models.JobError{
					Message: fmt.Sprintf("handler panicked: %v", r),
					Code:    models.ErrCodeHandlerPanic,
					Stack:   string(debug.Stack()),
				}}
			}
		}()
		data, err := def.Handler(execCtx, jc)
		if err != nil {
			resCh <- attemptResult{jobErr: &models.JobError{
				Message: err.Error(),
				Code:    models.ErrCodeHandlerError,
			}}
			return
		}
		resCh <- attemptResult{data: data}
	}()

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			q.failAttempt(job, &models.JobError{
				Message: fmt.Sprintf("execution exceeded %s", timeout),
				Code:    models.ErrCodeJobTimeout,
			})
		}
		// Cancelled: whoever cancelled already recorded the outcome, or the
		// job stays running for crash recovery after a forceful stop.
		return

	case res := <-resCh:
		if res.jobErr != nil {
			q.failAttempt(job, res.jobErr)
			return
		}

		done, err := q.store.CompleteJob(context.Background(), job.ID, res.data)
		if err != nil {
			q.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to record completion")
			return
		}
		if !done {
			// Lost the race with a cancellation.
			return
		}

		q.logger.Debug().Str("job_id", job.ID).Msg("Job completed")
		q.emitter.emit(&models.QueueEvent{
			Type:      models.EventJobCompleted,
			Queue:     q.name,
			JobID:     job.ID,
			Result:    res.data,
			Timestamp: time.Now(),
		})
	}
}

// failAttempt records a failed attempt; the store decides between a retry
// and a terminal failure.
func (q *Queue) failAttempt(job *models.Job, jobErr *models.JobError) {
	outcome, err := q.store.FailJob(context.Background(), job.ID, jobErr)
	if err != nil {
		q.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to record attempt failure")
		return
	}

	switch outcome {
	case models.FailOutcomeRetried:
		q.logger.Info().
			Str("job_id", job.ID).
			Str("code", jobErr.Code).
			Msg("Job attempt failed, requeued")
		q.emitter.emit(&models.QueueEvent{
			Type:      models.EventJobRetry,
			Queue:     q.name,
			JobID:     job.ID,
			Error:     jobErr,
			Timestamp: time.Now(),
		})

	case models.FailOutcomeFailed:
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("code", jobErr.Code).
			Str("error", jobErr.Message).
			Msg("Job failed permanently")
		q.emitter.emit(&models.QueueEvent{
			Type:      models.EventJobFailed,
			Queue:     q.name,
			JobID:     job.ID,
			Error:     jobErr,
			Timestamp: time.Now(),
		})
	}
	// FailOutcomeNone: the job was already settled elsewhere.
}

// failTerminal marks a job failed without consuming retry attempts, for
// failures no retry can fix.
func (q *Queue) failTerminal(job *models.Job, jobErr *models.JobError) {
	status := models.JobStatusFailed
	now := time.Now()
	update := models.JobUpdate{
		Status:   &status,
		Error:    jobErr,
		FailedAt: &now,
	}
	if err := q.store.UpdateJob(context.Background(), job.ID, update); err != nil {
		q.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to record terminal failure")
		return
	}

	q.logger.Warn().
		Str("job_id", job.ID).
		Str("code", jobErr.Code).
		Str("error", jobErr.Message).
		Msg("Job failed permanently")
	q.emitter.emit(&models.QueueEvent{
		Type:      models.EventJobFailed,
		Queue:     q.name,
		JobID:     job.ID,
		Error:     jobErr,
		Timestamp: now,
	})
}

func (q *Queue) inflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// idle waits one poll interval or until the loop context ends.
func (q *Queue) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollInterval):
	}
}
