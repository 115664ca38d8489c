// Package redis provides the distributed job store and the connection
// supervisor for Redis-backed deployments. State transitions run as
// server-side scripts so concurrent workers on separate processes never
// claim or finish the same job twice.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// Key layout:
//
//	{prefix}:queue:{name}:{state}  zset of job ids, scored for ordering
//	{prefix}:job:{id}              hash with the full job record
//
// Queued-set scores are priority + queuedAt/1e13; every other set is
// scored by the transition time in epoch micros, which doubles as the
// retention index for purging.

// Store implements interfaces.JobStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *common.Logger
}

// NewStore builds a job store on the supervisor's data connection.
// The supervisor keeps ownership of the connection lifecycle.
func NewStore(conns *Connections, prefix string, logger *common.Logger) *Store {
	return NewStoreFromClient(conns.Data, prefix, logger)
}

// NewStoreFromClient builds a job store on an existing client.
func NewStoreFromClient(client *redis.Client, prefix string, logger *common.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) Enqueue(ctx context.Context, job *models.Job) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.ID), jobToHash(job))
		pipe.ZAdd(ctx, s.queueKey(job.Queue, models.JobStatusQueued), redis.Z{
			Score:  job.Score(),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return &models.OperationError{Op: "ENQUEUE", Key: job.ID, Cause: err}
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, queue string) (*models.Job, error) {
	keys := []string{
		s.queueKey(queue, models.JobStatusQueued),
		s.queueKey(queue, models.JobStatusRunning),
	}
	now := strconv.FormatInt(models.NowMicros(), 10)

	res, err := dequeueScript.Run(ctx, s.client, keys, s.jobKeyPrefix(), now).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &models.OperationError{Op: "DEQUEUE", Key: queue, Cause: err}
	}

	id, _ := res.(string)
	job, err := s.fetchJob(ctx, id)
	if err != nil {
		return nil, &models.OperationError{Op: "DEQUEUE", Key: id, Cause: err}
	}
	return job, nil
}

func (s *Store) Peek(ctx context.Context, queue string) (*models.Job, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(queue, models.JobStatusQueued), 0, 0).Result()
	if err != nil {
		return nil, &models.OperationError{Op: "PEEK", Key: queue, Cause: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	job, err := s.fetchJob(ctx, ids[0])
	if err != nil {
		return nil, &models.OperationError{Op: "PEEK", Key: ids[0], Cause: err}
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.fetchJob(ctx, id)
	if err != nil {
		return nil, &models.OperationError{Op: "GET_JOB", Key: id, Cause: err}
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, queue string, filter models.JobFilter) ([]*models.Job, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}

	var jobs []*models.Job
	for _, status := range statuses {
		ids, err := s.client.ZRange(ctx, s.queueKey(queue, status), 0, -1).Result()
		if err != nil {
			return nil, &models.OperationError{Op: "LIST_JOBS", Key: queue, Cause: err}
		}
		for _, id := range ids {
			job, err := s.fetchJob(ctx, id)
			if err != nil {
				return nil, &models.OperationError{Op: "LIST_JOBS", Key: id, Cause: err}
			}
			if job == nil {
				continue // id purged between ZRANGE and HGETALL
			}
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
	return jobs[offset:end], nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	job, err := s.fetchJob(ctx, id)
	if err != nil {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: err}
	}
	if job == nil {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: models.ErrNoTransition}
	}

	priority := job.Priority
	newStatus := ""
	requeueScore := float64(0)
	pairs := make([]any, 0, 16)

	if update.Priority != nil {
		priority = *update.Priority
		pairs = append(pairs, "priority", strconv.Itoa(priority))
		requeueScore = models.ScoreFor(priority, job.QueuedAt)
	}
	if update.Status != nil {
		newStatus = string(*update.Status)
		pairs = append(pairs, "status", newStatus)
		if *update.Status == models.JobStatusQueued {
			requeueScore = models.ScoreFor(priority, job.QueuedAt)
		}
	}
	if update.Progress != nil {
		pairs = append(pairs, "progress", strconv.Itoa(*update.Progress))
	}
	if update.ProgressMessage != nil {
		pairs = append(pairs, "progress_message", *update.ProgressMessage)
	}
	if update.Result != nil {
		pairs = append(pairs, "result", string(update.Result))
	}
	if update.Error != nil {
		raw, _ := json.Marshal(update.Error)
		pairs = append(pairs, "error", string(raw))
	}
	if update.CompletedAt != nil {
		pairs = append(pairs, "completed_at", encodeTime(*update.CompletedAt))
	}
	if update.FailedAt != nil {
		pairs = append(pairs, "failed_at", encodeTime(*update.FailedAt))
	}
	if update.Meta != nil {
		raw, _ := json.Marshal(update.Meta)
		pairs = append(pairs, "meta", string(raw))
	}

	argv := []any{
		s.queueSetPrefix(job.Queue),
		id,
		newStatus,
		strconv.FormatInt(models.NowMicros(), 10),
		strconv.FormatFloat(requeueScore, 'f', -1, 64),
	}
	argv = append(argv, pairs...)

	res, err := updateScript.Run(ctx, s.client, []string{s.jobKey(id)}, argv...).Int()
	if err != nil {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: err}
	}
	if res == 0 {
		return &models.OperationError{Op: "UPDATE_JOB", Key: id, Cause: models.ErrNoTransition}
	}
	return nil
}

func (s *Store) RemoveJob(ctx context.Context, id string) (bool, error) {
	vals, err := s.client.HMGet(ctx, s.jobKey(id), "queue", "status").Result()
	if err != nil {
		return false, &models.OperationError{Op: "REMOVE_JOB", Key: id, Cause: err}
	}
	queue, _ := vals[0].(string)
	status, _ := vals[1].(string)
	if queue == "" {
		return false, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.queueKey(queue, models.JobStatus(status)), id)
		pipe.Del(ctx, s.jobKey(id))
		return nil
	})
	if err != nil {
		return false, &models.OperationError{Op: "REMOVE_JOB", Key: id, Cause: err}
	}
	return true, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte) (bool, error) {
	job, err := s.fetchJob(ctx, id)
	if err != nil {
		return false, &models.OperationError{Op: "COMPLETE_JOB", Key: id, Cause: err}
	}
	if job == nil {
		return false, nil
	}

	keys := []string{
		s.queueKey(job.Queue, models.JobStatusRunning),
		s.queueKey(job.Queue, models.JobStatusCompleted),
		s.jobKey(id),
	}
	now := strconv.FormatInt(models.NowMicros(), 10)

	res, err := completeScript.Run(ctx, s.client, keys, id, now, string(result)).Int()
	if err != nil {
		return false, &models.OperationError{Op: "COMPLETE_JOB", Key: id, Cause: err}
	}
	return res == 1, nil
}

func (s *Store) FailJob(ctx context.Context, id string, jobErr *models.JobError) (models.FailOutcome, error) {
	job, err := s.fetchJob(ctx, id)
	if err != nil {
		return models.FailOutcomeNone, &models.OperationError{Op: "FAIL_JOB", Key: id, Cause: err}
	}
	if job == nil {
		return models.FailOutcomeNone, nil
	}

	errJSON := ""
	if jobErr != nil {
		raw, _ := json.Marshal(jobErr)
		errJSON = string(raw)
	}

	keys := []string{
		s.queueKey(job.Queue, models.JobStatusRunning),
		s.queueKey(job.Queue, models.JobStatusQueued),
		s.queueKey(job.Queue, models.JobStatusFailed),
		s.jobKey(id),
	}
	now := strconv.FormatInt(models.NowMicros(), 10)

	res, err := failScript.Run(ctx, s.client, keys, id, now, errJSON).Text()
	if err != nil {
		return models.FailOutcomeNone, &models.OperationError{Op: "FAIL_JOB", Key: id, Cause: err}
	}
	return models.FailOutcome(res), nil
}

func (s *Store) GetQueueStats(ctx context.Context, queue string) (*models.QueueStats, error) {
	cmds := make(map[models.JobStatus]*redis.IntCmd, len(models.AllStatuses))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range models.AllStatuses {
			cmds[status] = pipe.ZCard(ctx, s.queueKey(queue, status))
		}
		return nil
	})
	if err != nil {
		return nil, &models.OperationError{Op: "STATS", Key: queue, Cause: err}
	}

	stats := &models.QueueStats{Queue: queue}
	stats.Queued = int(cmds[models.JobStatusQueued].Val())
	stats.Running = int(cmds[models.JobStatusRunning].Val())
	stats.Completed = int(cmds[models.JobStatusCompleted].Val())
	stats.Failed = int(cmds[models.JobStatusFailed].Val())
	stats.Cancelled = int(cmds[models.JobStatusCancelled].Val())
	stats.Total = stats.Queued + stats.Running + stats.Completed + stats.Failed + stats.Cancelled
	return stats, nil
}

func (s *Store) ResetRunningJobs(ctx context.Context, queue string) (int, error) {
	keys := []string{
		s.queueKey(queue, models.JobStatusRunning),
		s.queueKey(queue, models.JobStatusQueued),
	}
	moved, err := resetRunningScript.Run(ctx, s.client, keys, s.jobKeyPrefix()).Int()
	if err != nil {
		return 0, &models.OperationError{Op: "RESET_RUNNING", Key: queue, Cause: err}
	}
	if moved > 0 {
		s.logger.Info().Str("queue", queue).Int("count", moved).Msg("Requeued orphaned running jobs")
	}
	return moved, nil
}

func (s *Store) PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int, error) {
	// Terminal sets are scored by transition time, so a range query finds
	// everything finished before the cutoff.
	max := "(" + strconv.FormatInt(olderThan.UnixMicro(), 10)

	count := 0
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		key := s.queueKey(queue, status)
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return count, &models.OperationError{Op: "PURGE", Key: queue, Cause: err}
		}
		if len(ids) == 0 {
			continue
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids {
				pipe.ZRem(ctx, key, id)
				pipe.Del(ctx, s.jobKey(id))
			}
			return nil
		})
		if err != nil {
			return count, &models.OperationError{Op: "PURGE", Key: queue, Cause: err}
		}
		count += len(ids)
	}
	return count, nil
}

func (s *Store) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &models.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return &models.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

// Close is a no-op: the connection supervisor owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// fetchJob loads and decodes a job hash; a missing id yields nil.
func (s *Store) fetchJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return hashToJob(fields)
}

func (s *Store) queueKey(queue string, status models.JobStatus) string {
	return s.prefix + ":queue:" + queue + ":" + string(status)
}

// queueSetPrefix is the state-set key minus the state, consumed by
// updateScript to build source and destination keys.
func (s *Store) queueSetPrefix(queue string) string {
	return s.prefix + ":queue:" + queue + ":"
}

func (s *Store) jobKey(id string) string {
	return s.prefix + ":job:" + id
}

func (s *Store) jobKeyPrefix() string {
	return s.prefix + ":job:"
}

// Compile-time check
var _ interfaces.JobStore = (*Store)(nil)
