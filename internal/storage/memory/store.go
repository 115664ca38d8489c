// Package memory provides the in-memory job store. It is the default
// adapter and the conformance oracle for the persistent adapters.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// member is one entry in a per-(queue,state) ordered set.
type member struct {
	id    string
	score float64
}

// Store implements interfaces.JobStore with a single coarse lock, which
// makes every transition trivially atomic within one process.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	sets   map[string]map[models.JobStatus][]member // queue -> state -> score-ordered ids
	logger *common.Logger
}

// NewStore creates an empty in-memory job store.
func NewStore(logger *common.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*models.Job),
		sets:   make(map[string]map[models.JobStatus][]member),
		logger: logger,
	}
}

func (s *Store) Enqueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := job.Clone()
	s.jobs[stored.ID] = stored
	s.insertLocked(stored.Queue, models.JobStatusQueued, member{id: stored.ID, score: stored.Score()})
	return nil
}

func (s *Store) Dequeue(_ context.Context, queue string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.stateLocked(queue, models.JobStatusQueued)
	if len(queued) == 0 {
		return nil, nil
	}

	head := queued[0]
	s.sets[queue][models.JobStatusQueued] = queued[1:]

	job := s.jobs[head.id]
	now := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = now
	s.insertLocked(queue, models.JobStatusRunning, member{id: job.ID, score: float64(now.UnixMicro())})

	return job.Clone(), nil
}

func (s *Store) Peek(_ context.Context, queue string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.stateLocked(queue, models.JobStatusQueued)
	if len(queued) == 0 {
		return nil, nil
	}
	return s.jobs[queued[0].id].Clone(), nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, queue string, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}

	var jobs []*models.Job
	for _, status := range statuses {
		for _, m := range s.stateLocked(queue, status) {
			job := s.jobs[m.id]
			if filter.Type != "" && job.Type != filter.Type {
				continue
			}
			jobs = append(jobs, job)
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

	page := make([]*models.Job, 0, end-offset)
	for _, job := range jobs[offset:end] {
		page = append(page, job.Clone())
	}
	return page, nil
}

func (s *Store) UpdateJob(_ context.Context, id string, update models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: models.ErrNoTransition}
	}

	oldStatus := job.Status

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

	switch {
	case update.Status != nil && *update.Status != oldStatus:
		job.Status = *update.Status
		s.removeLocked(job.Queue, oldStatus, id)
		score := float64(time.Now().UnixMicro())
		if job.Status == models.JobStatusQueued {
			score = job.Score()
		}
		s.insertLocked(job.Queue, job.Status, member{id: id, score: score})

	case update.Priority != nil && oldStatus == models.JobStatusQueued:
		// rescore in place after a priority change
		s.removeLocked(job.Queue, oldStatus, id)
		s.insertLocked(job.Queue, oldStatus, member{id: id, score: job.Score()})
	}

	return nil
}

func (s *Store) RemoveJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	s.removeLocked(job.Queue, job.Status, id)
	delete(s.jobs, id)
	return true, nil
}

func (s *Store) CompleteJob(_ context.Context, id string, result []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusRunning {
		return false, nil
	}

	now := time.Now()
	s.removeLocked(job.Queue, models.JobStatusRunning, id)
	job.Status = models.JobStatusCompleted
	job.CompletedAt = now
	job.Progress = 100
	if result != nil {
		job.Result = append([]byte(nil), result...)
	}
	s.insertLocked(job.Queue, models.JobStatusCompleted, member{id: id, score: float64(now.UnixMicro())})
	return true, nil
}

func (s *Store) FailJob(_ context.Context, id string, jobErr *models.JobError) (models.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusRunning {
		return models.FailOutcomeNone, nil
	}

	s.removeLocked(job.Queue, models.JobStatusRunning, id)
	job.Retries++

	if job.Retries > job.MaxRetries {
		now := time.Now()
		job.Status = models.JobStatusFailed
		job.FailedAt = now
		if jobErr != nil {
			e := *jobErr
			job.Error = &e
		}
		s.insertLocked(job.Queue, models.JobStatusFailed, member{id: id, score: float64(now.UnixMicro())})
		return models.FailOutcomeFailed, nil
	}

	// Retry: back to queued with the original score so newer work of the
	// same priority cannot overtake it.
	job.Status = models.JobStatusQueued
	job.StartedAt = time.Time{}
	job.Progress = 0
	job.ProgressMessage = ""
	job.Error = nil
	s.insertLocked(job.Queue, models.JobStatusQueued, member{id: id, score: job.Score()})
	return models.FailOutcomeRetried, nil
}

func (s *Store) GetQueueStats(_ context.Context, queue string) (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.QueueStats{Queue: queue}
	stats.Queued = len(s.stateLocked(queue, models.JobStatusQueued))
	stats.Running = len(s.stateLocked(queue, models.JobStatusRunning))
	stats.Completed = len(s.stateLocked(queue, models.JobStatusCompleted))
	stats.Failed = len(s.stateLocked(queue, models.JobStatusFailed))
	stats.Cancelled = len(s.stateLocked(queue, models.JobStatusCancelled))
	stats.Total = stats.Queued + stats.Running + stats.Completed + stats.Failed + stats.Cancelled
	return stats, nil
}

func (s *Store) ResetRunningJobs(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.stateLocked(queue, models.JobStatusRunning)
	count := len(running)
	for _, m := range running {
		job := s.jobs[m.id]
		job.Status = models.JobStatusQueued
		job.StartedAt = time.Time{}
		job.Progress = 0
		job.ProgressMessage = ""
		s.insertLocked(queue, models.JobStatusQueued, member{id: m.id, score: job.Score()})
	}
	if states, ok := s.sets[queue]; ok {
		states[models.JobStatusRunning] = nil
	}
	return count, nil
}

func (s *Store) PurgeJobs(_ context.Context, queue string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		var kept []member
		for _, m := range s.stateLocked(queue, status) {
			job := s.jobs[m.id]
			at := job.CompletedAt
			if status == models.JobStatusFailed {
				at = job.FailedAt
			}
			if !at.IsZero() && at.Before(olderThan) {
				delete(s.jobs, m.id)
				count++
				continue
			}
			kept = append(kept, m)
		}
		if s.sets[queue] != nil {
			s.sets[queue][status] = kept
		}
	}
	return count, nil
}

func (s *Store) HealthCheck(_ context.Context) (*models.HealthStatus, error) {
	return &models.HealthStatus{Healthy: true}, nil
}

func (s *Store) Close() error {
	return nil
}

// stateLocked returns the ordered set for a queue and state.
func (s *Store) stateLocked(queue string, status models.JobStatus) []member {
	states, ok := s.sets[queue]
	if !ok {
		return nil
	}
	return states[status]
}

// insertLocked inserts a member keeping the set ordered by ascending score.
func (s *Store) insertLocked(queue string, status models.JobStatus, m member) {
	states, ok := s.sets[queue]
	if !ok {
		states = make(map[models.JobStatus][]member)
		s.sets[queue] = states
	}

	set := states[status]
	idx := sort.Search(len(set), func(i int) bool { return set[i].score > m.score })
	set = append(set, member{})
	copy(set[idx+1:], set[idx:])
	set[idx] = m
	states[status] = set
}

// removeLocked removes an id from a state set.
func (s *Store) removeLocked(queue string, status models.JobStatus, id string) {
	set := s.stateLocked(queue, status)
	for i, m := range set {
		if m.id == id {
			s.sets[queue][status] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

// Compile-time check
var _ interfaces.JobStore = (*Store)(nil)
