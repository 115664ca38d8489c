// Package badger provides a BadgerHold-backed persistent job store for
// single-process deployments that need jobs to survive restarts.
package badger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// Store implements interfaces.JobStore on BadgerHold. A store-level mutex
// serialises transitions; BadgerHold provides the durability. This mirrors
// the in-memory adapter's guarantees with persistence added.
type Store struct {
	mu     sync.Mutex
	db     *badgerhold.Store
	logger *common.Logger
}

// NewStore opens (or creates) a BadgerHold store at the given directory.
func NewStore(logger *common.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory %s: %w", path, err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // Disable default badger logger

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("BadgerHold job store opened")

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Enqueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Upsert(job.ID, job.Clone()); err != nil {
		return &models.OperationError{Op: "ENQUEUE", Key: job.ID, Cause: err}
	}
	return nil
}

func (s *Store) Dequeue(_ context.Context, queue string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.headLocked(queue)
	if err != nil {
		return nil, &models.OperationError{Op: "DEQUEUE", Key: queue, Cause: err}
	}
	if job == nil {
		return nil, nil
	}

	job.Status = models.JobStatusRunning
	job.StartedAt = time.Now()
	if err := s.db.Update(job.ID, job); err != nil {
		return nil, &models.OperationError{Op: "DEQUEUE", Key: job.ID, Cause: err}
	}
	return job.Clone(), nil
}

func (s *Store) Peek(_ context.Context, queue string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.headLocked(queue)
	if err != nil {
		return nil, &models.OperationError{Op: "PEEK", Key: queue, Cause: err}
	}
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, "GET_JOB")
}

func (s *Store) ListJobs(_ context.Context, queue string, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}

	for _, status := range statuses {
		var batch []models.Job
		query := badgerhold.Where("Queue").Eq(queue).And("Status").Eq(status)
		if err := s.db.Find(&batch, query); err != nil {
			return nil, &models.OperationError{Op: "LIST_JOBS", Key: queue, Cause: err}
		}
		for i := range batch {
			job := batch[i]
			if filter.Type != "" && job.Type != filter.Type {
				continue
			}
			jobs = append(jobs, &job)
		}
	}

	models.SortJobs(jobs, filter)

	offset := filter.Offset
	if offset > len(jobs) {
		offset = len(jobs)
	}
	end := offset + filter.EffectiveLimit()
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end], nil
}

func (s *Store) UpdateJob(_ context.Context, id string, update models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id, "UPDATE_JOB")
	if err != nil {
		return err
	}
	if job == nil {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: models.ErrNoTransition}
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Priority != nil {
		job.Priority = *update.Priority
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.ProgressMessage != nil {
		job.ProgressMessage = *update.ProgressMessage
	}
	if update.Result != nil {
		job.Result = append([]byte(nil), update.Result...)
	}
	if update.Error != nil {
		e := *update.Error
		job.Error = &e
	}
	if update.CompletedAt != nil {
		job.CompletedAt = *update.CompletedAt
	}
	if update.FailedAt != nil {
		job.FailedAt = *update.FailedAt
	}
	if update.Meta != nil {
		job.Meta = update.Meta
	}

	if err := s.db.Update(id, job); err != nil {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: err}
	}
	return nil
}

func (s *Store) RemoveJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Delete(id, models.Job{})
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, &models.OperationError{Op: "REMOVE_JOB", Key: id, Cause: err}
	}
	return true, nil
}

func (s *Store) CompleteJob(_ context.Context, id string, result []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id, "COMPLETE_JOB")
	if err != nil {
		return false, err
	}
	if job == nil || job.Status != models.JobStatusRunning {
		return false, nil
	}

	job.Status = models.JobStatusCompleted
	job.CompletedAt = time.Now()
	job.Progress = 100
	if result != nil {
		job.Result = append([]byte(nil), result...)
	}
	if err := s.db.Update(id, job); err != nil {
		return false, &models.OperationError{Op: "COMPLETE_JOB", Key: id, Cause: err}
	}
	return true, nil
}

func (s *Store) FailJob(_ context.Context, id string, jobErr *models.JobError) (models.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id, "FAIL_JOB")
	if err != nil {
		return models.FailOutcomeNone, err
	}
	if job == nil || job.Status != models.JobStatusRunning {
		return models.FailOutcomeNone, nil
	}

	job.Retries++
	outcome := models.FailOutcomeRetried

	if job.Retries > job.MaxRetries {
		job.Status = models.JobStatusFailed
		job.FailedAt = time.Now()
		if jobErr != nil {
			e := *jobErr
			job.Error = &e
		}
		outcome = models.FailOutcomeFailed
	} else {
		// Retry keeps QueuedAt, so the original score is preserved.
		job.Status = models.JobStatusQueued
		job.StartedAt = time.Time{}
		job.Progress = 0
		job.ProgressMessage = ""
		job.Error = nil
	}

	if err := s.db.Update(id, job); err != nil {
		return models.FailOutcomeNone, &models.OperationError{Op: "FAIL_JOB", Key: id, Cause: err}
	}
	return outcome, nil
}

func (s *Store) GetQueueStats(_ context.Context, queue string) (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.QueueStats{Queue: queue}
	for _, status := range models.AllStatuses {
		count, err := s.db.Count(models.Job{}, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(status))
		if err != nil {
			return nil, &models.OperationError{Op: "STATS", Key: queue, Cause: err}
		}
		n := int(count)
		switch status {
		case models.JobStatusQueued:
			stats.Queued = n
		case models.JobStatusRunning:
			stats.Running = n
		case models.JobStatusCompleted:
			stats.Completed = n
		case models.JobStatusFailed:
			stats.Failed = n
		case models.JobStatusCancelled:
			stats.Cancelled = n
		}
		stats.Total += n
	}
	return stats, nil
}

func (s *Store) ResetRunningJobs(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []models.Job
	query := badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusRunning)
	if err := s.db.Find(&running, query); err != nil {
		return 0, &models.OperationError{Op: "RESET_RUNNING", Key: queue, Cause: err}
	}

	for i := range running {
		job := running[i]
		job.Status = models.JobStatusQueued
		job.StartedAt = time.Time{}
		job.Progress = 0
		job.ProgressMessage = ""
		if err := s.db.Update(job.ID, &job); err != nil {
			return 0, &models.OperationError{Op: "RESET_RUNNING", Key: job.ID, Cause: err}
		}
	}
	return len(running), nil
}

func (s *Store) PurgeJobs(_ context.Context, queue string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		var batch []models.Job
		query := badgerhold.Where("Queue").Eq(queue).And("Status").Eq(status)
		if err := s.db.Find(&batch, query); err != nil {
			return count, &models.OperationError{Op: "PURGE", Key: queue, Cause: err}
		}
		for i := range batch {
			job := batch[i]
			at := job.CompletedAt
			if status == models.JobStatusFailed {
				at = job.FailedAt
			}
			if at.IsZero() || !at.Before(olderThan) {
				continue
			}
			if err := s.db.Delete(job.ID, models.Job{}); err != nil {
				return count, &models.OperationError{Op: "PURGE", Key: job.ID, Cause: err}
			}
			count++
		}
	}
	return count, nil
}

func (s *Store) HealthCheck(_ context.Context) (*models.HealthStatus, error) {
	start := time.Now()
	// A cheap read proves the value log is still serviceable.
	if _, err := s.db.Count(models.Job{}, badgerhold.Where("ID").Eq("__health__")); err != nil {
		return &models.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return &models.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// headLocked returns the lowest-score queued job of a queue, or nil.
func (s *Store) headLocked(queue string) (*models.Job, error) {
	var queued []models.Job
	query := badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusQueued)
	if err := s.db.Find(&queued, query); err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	head := &queued[0]
	for i := 1; i < len(queued); i++ {
		if queued[i].Score() < head.Score() {
			head = &queued[i]
		}
	}
	return head.Clone(), nil
}

// getLocked fetches a job by id, mapping not-found to nil.
func (s *Store) getLocked(id, op string) (*models.Job, error) {
	var job models.Job
	err := s.db.Get(id, &job)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &models.OperationError{Op: op, Key: id, Cause: err}
	}
	return &job, nil
}

// Compile-time check
var _ interfaces.JobStore = (*Store)(nil)
