// Package storagetest holds the conformance suite every job store adapter
// must pass. The in-memory adapter defines the expected behaviour; the
// persistent adapters prove they match it by running the same suite.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) interfaces.JobStore

// RunJobStoreSuite runs the full conformance suite against an adapter.
func RunJobStoreSuite(t *testing.T, factory Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("FIFOWithinPriority", func(t *testing.T) { testFIFOWithinPriority(t, factory(t)) })
	t.Run("PriorityWins", func(t *testing.T) { testPriorityWins(t, factory(t)) })
	t.Run("PeekDoesNotClaim", func(t *testing.T) { testPeekDoesNotClaim(t, factory(t)) })
	t.Run("RetryPreservesPosition", func(t *testing.T) { testRetryPreservesPosition(t, factory(t)) })
	t.Run("TerminalAfterRetryCap", func(t *testing.T) { testTerminalAfterRetryCap(t, factory(t)) })
	t.Run("CompleteIsIdempotent", func(t *testing.T) { testCompleteIsIdempotent(t, factory(t)) })
	t.Run("FailRequiresRunning", func(t *testing.T) { testFailRequiresRunning(t, factory(t)) })
	t.Run("ConcurrentDequeue", func(t *testing.T) { testConcurrentDequeue(t, factory(t)) })
	t.Run("UpdateJob", func(t *testing.T) { testUpdateJob(t, factory(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, factory(t)) })
	t.Run("RemoveJob", func(t *testing.T) { testRemoveJob(t, factory(t)) })
	t.Run("QueueStats", func(t *testing.T) { testQueueStats(t, factory(t)) })
	t.Run("ResetRunningJobs", func(t *testing.T) { testResetRunningJobs(t, factory(t)) })
	t.Run("PurgeJobs", func(t *testing.T) { testPurgeJobs(t, factory(t)) })
	t.Run("HealthCheck", func(t *testing.T) { testHealthCheck(t, factory(t)) })
}

// newJob builds a queued job with sensible defaults.
func newJob(id, queue string, priority int) *models.Job {
	return &models.Job{
		ID:         id,
		Type:       "test",
		Queue:      queue,
		Data:       []byte(`{"n":1}`),
		Status:     models.JobStatusQueued,
		Priority:   priority,
		QueuedAt:   models.NowMicros(),
		TimeoutMS:  30000,
		MaxRetries: 3,
	}
}

func testRoundTrip(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	job := newJob("rt-1", "reports", 2)
	job.Meta = map[string]string{"tenant": "acme"}
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.GetJob(ctx, "rt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rt-1", got.ID)
	assert.Equal(t, "test", got.Type)
	assert.Equal(t, "reports", got.Queue)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, job.QueuedAt, got.QueuedAt)
	assert.Equal(t, int64(30000), got.TimeoutMS)
	assert.Equal(t, 3, got.MaxRetries)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Meta)
	assert.True(t, got.StartedAt.IsZero())

	missing, err := store.GetJob(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testFIFOWithinPriority(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Enqueue(ctx, newJob(fmt.Sprintf("fifo-%d", i), "q", models.PriorityDefault)))
	}

	for i := 0; i < 3; i++ {
		job, err := store.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, fmt.Sprintf("fifo-%d", i), job.ID)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.False(t, job.StartedAt.IsZero())
	}

	job, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue dequeues nil")
}

func testPriorityWins(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("low", "q", models.PriorityLowest)))
	require.NoError(t, store.Enqueue(ctx, newJob("mid", "q", models.PriorityDefault)))
	require.NoError(t, store.Enqueue(ctx, newJob("high", "q", models.PriorityHighest)))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := store.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func testPeekDoesNotClaim(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	empty, err := store.Peek(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, store.Enqueue(ctx, newJob("peek-1", "q", 5)))
	require.NoError(t, store.Enqueue(ctx, newJob("peek-2", "q", 5)))

	head, err := store.Peek(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "peek-1", head.ID)
	assert.Equal(t, models.JobStatusQueued, head.Status)

	stats, err := store.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued, "peek must not claim")

	claimed, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "peek-1", claimed.ID)
}

func testRetryPreservesPosition(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("first", "q", 5)))
	require.NoError(t, store.Enqueue(ctx, newJob("second", "q", 5)))

	job, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "first", job.ID)

	outcome, err := store.FailJob(ctx, "first", &models.JobError{Message: "boom", Code: "HANDLER_ERROR"})
	require.NoError(t, err)
	require.Equal(t, models.FailOutcomeRetried, outcome)

	got, err := store.GetJob(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.True(t, got.StartedAt.IsZero(), "retry clears the attempt start")
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.ProgressMessage)
	assert.Nil(t, got.Error, "retry clears the attempt error")

	// The retried job keeps its original score, so a job enqueued after it
	// at the same priority cannot overtake.
	next, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "first", next.ID)
}

func testTerminalAfterRetryCap(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	job := newJob("doomed", "q", 5)
	job.MaxRetries = 2
	require.NoError(t, store.Enqueue(ctx, job))

	outcomes := []models.FailOutcome{
		models.FailOutcomeRetried,
		models.FailOutcomeRetried,
		models.FailOutcomeFailed,
	}
	for attempt, want := range outcomes {
		claimed, err := store.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)

		outcome, err := store.FailJob(ctx, "doomed", &models.JobError{Message: "boom", Code: "HANDLER_ERROR"})
		require.NoError(t, err)
		assert.Equal(t, want, outcome, "attempt %d", attempt)
	}

	got, err := store.GetJob(ctx, "doomed")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Retries)
	assert.False(t, got.FailedAt.IsZero())
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)

	next, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, next, "terminal jobs never requeue")
}

func testCompleteIsIdempotent(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("done", "q", 5)))
	_, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)

	first, err := store.CompleteJob(ctx, "done", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.CompleteJob(ctx, "done", []byte(`{"ok":false}`))
	require.NoError(t, err)
	assert.False(t, second, "second completion must be a no-op")

	got, err := store.GetJob(ctx, "done")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.False(t, got.CompletedAt.IsZero())
	assert.JSONEq(t, `{"ok":true}`, string(got.Result), "first result wins")
}

func testFailRequiresRunning(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("idle", "q", 5)))

	outcome, err := store.FailJob(ctx, "idle", &models.JobError{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.FailOutcomeNone, outcome, "queued jobs cannot fail an attempt")

	outcome, err = store.FailJob(ctx, "ghost", &models.JobError{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.FailOutcomeNone, outcome)

	done, err := store.CompleteJob(ctx, "idle", nil)
	require.NoError(t, err)
	assert.False(t, done, "queued jobs cannot complete")
}

func testConcurrentDequeue(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, store.Enqueue(ctx, newJob(fmt.Sprintf("c-%02d", i), "q", 5)))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.Dequeue(ctx, "q")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total, "every job claimed")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testUpdateJob(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("upd", "q", 5)))

	progress := 40
	message := "halfway there"
	require.NoError(t, store.UpdateJob(ctx, "upd", models.JobUpdate{
		Progress:        &progress,
		ProgressMessage: &message,
	}))

	got, err := store.GetJob(ctx, "upd")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "halfway there", got.ProgressMessage)
	assert.Equal(t, models.JobStatusQueued, got.Status, "partial update leaves status alone")

	// A priority change while queued reorders the queue.
	require.NoError(t, store.Enqueue(ctx, newJob("upd-2", "q", 5)))
	highest := models.PriorityHighest
	require.NoError(t, store.UpdateJob(ctx, "upd-2", models.JobUpdate{Priority: &highest}))

	head, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "upd-2", head.ID, "promoted job wins the queue")

	// A status change moves the job between state sets.
	cancelled := models.JobStatusCancelled
	now := time.Now()
	require.NoError(t, store.UpdateJob(ctx, "upd", models.JobUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		Error:       &models.JobError{Message: "caller gave up", Code: "JOB_CANCELLED"},
	}))

	stats, err := store.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Cancelled)

	err = store.UpdateJob(ctx, "no-such-id", models.JobUpdate{Progress: &progress})
	assert.Error(t, err)
}

func testListJobs(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := newJob(fmt.Sprintf("list-%d", i), "q", 5)
		if i%2 == 1 {
			job.Type = "other"
		}
		require.NoError(t, store.Enqueue(ctx, job))
	}
	// One running job, to prove status filters work.
	claimed, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "list-0", claimed.ID)

	all, err := store.ListJobs(ctx, "q", models.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5, "no filter lists every state")

	queued, err := store.ListJobs(ctx, "q", models.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusQueued},
	})
	require.NoError(t, err)
	assert.Len(t, queued, 4)

	typed, err := store.ListJobs(ctx, "q", models.JobFilter{Type: "other"})
	require.NoError(t, err)
	assert.Len(t, typed, 2)

	// Paging law: len == min(limit, max(0, n-offset)).
	page, err := store.ListJobs(ctx, "q", models.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Limit:    3,
		Offset:   2,
	})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	past, err := store.ListJobs(ctx, "q", models.JobFilter{Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, past)

	desc, err := store.ListJobs(ctx, "q", models.JobFilter{
		Statuses:  []models.JobStatus{models.JobStatusQueued},
		SortOrder: "desc",
	})
	require.NoError(t, err)
	require.Len(t, desc, 4)
	assert.Equal(t, "list-4", desc[0].ID, "desc puts the newest first")

	other, err := store.ListJobs(ctx, "empty-queue", models.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testRemoveJob(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("rm", "q", 5)))

	removed, err := store.RemoveJob(ctx, "rm")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveJob(ctx, "rm")
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := store.GetJob(ctx, "rm")
	require.NoError(t, err)
	assert.Nil(t, got)

	stats, err := store.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued, "removal empties the state set")
}

func testQueueStats(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Enqueue(ctx, newJob(fmt.Sprintf("st-%d", i), "q", 5)))
	}
	_, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, "q")
	require.NoError(t, err)
	done, err := store.CompleteJob(ctx, "st-0", nil)
	require.NoError(t, err)
	require.True(t, done)

	stats, err := store.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, stats.Queued+stats.Running+stats.Completed+stats.Failed+stats.Cancelled, stats.Total)

	empty, err := store.GetQueueStats(ctx, "empty-queue")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
}

func testResetRunningJobs(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("res-0", "q", 5)))
	require.NoError(t, store.Enqueue(ctx, newJob("res-1", "q", 5)))
	require.NoError(t, store.Enqueue(ctx, newJob("res-2", "q", 5)))

	_, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, "q")
	require.NoError(t, err)

	moved, err := store.ResetRunningJobs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	stats, err := store.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 0, stats.Running)

	// Recovered jobs keep their original order.
	head, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "res-0", head.ID)

	moved, err = store.ResetRunningJobs(ctx, "untouched-queue")
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func testPurgeJobs(t *testing.T, store interfaces.JobStore) {
	defer store.Close()
	ctx := context.Background()

	// One completed, one terminally failed, one still queued.
	require.NoError(t, store.Enqueue(ctx, newJob("old-done", "q", 5)))
	doomed := newJob("old-failed", "q", 5)
	doomed.MaxRetries = 0
	require.NoError(t, store.Enqueue(ctx, doomed))
	require.NoError(t, store.Enqueue(ctx, newJob("still-queued", "q", 5)))

	_, err := store.Dequeue(ctx, "q")
	require.NoError(t, err)
	done, err := store.CompleteJob(ctx, "old-done", nil)
	require.NoError(t, err)
	require.True(t, done)

	_, err = store.Dequeue(ctx, "q")
	require.NoError(t, err)
	outcome, err := store.FailJob(ctx, "old-failed", &models.JobError{Message: "boom"})
	require.NoError(t, err)
	require.Equal(t, models.FailOutcomeFailed, outcome)

	purged, err := store.PurgeJobs(ctx, "q", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	for _, id := range []string{"old-done", "old-failed"} {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, "%s should be purged", id)
	}

	kept, err := store.GetJob(ctx, "still-queued")
	require.NoError(t, err)
	assert.NotNil(t, kept, "queued jobs are never purged")

	// A cutoff in the past keeps everything.
	purged, err = store.PurgeJobs(ctx, "q", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}

func testHealthCheck(t *testing.T, store interfaces.JobStore) {
	defer store.Close()

	health, err := store.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}
