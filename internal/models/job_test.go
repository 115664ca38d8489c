package models

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMicrosIsStrictlyIncreasing(t *testing.T) {
	prev := NowMicros()
	for i := 0; i < 10000; i++ {
		next := NowMicros()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNowMicrosUnderConcurrency(t *testing.T) {
	const perWorker = 2000
	var mu sync.Mutex
	seen := make(map[int64]bool, 8*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, perWorker)
			for i := range local {
				local[i] = NowMicros()
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range local {
				assert.False(t, seen[v], "duplicate timestamp %d", v)
				seen[v] = true
			}
		}()
	}
	wg.Wait()
}

func TestScoreOrdersPriorityThenTime(t *testing.T) {
	now := NowMicros()

	high := ScoreFor(PriorityHighest, now)
	low := ScoreFor(PriorityLowest, now)
	assert.Less(t, high, low, "lower priority value wins")

	earlier := ScoreFor(5, now)
	later := ScoreFor(5, now+1)
	assert.Less(t, earlier, later, "FIFO within one priority")

	// Priority always dominates the timestamp component.
	muchLater := ScoreFor(PriorityHighest, now+int64(time.Hour/time.Microsecond))
	assert.Less(t, muchLater, ScoreFor(2, now))
}

func TestCloneIsDeep(t *testing.T) {
	job := &Job{
		ID:     "c-1",
		Data:   []byte(`{"a":1}`),
		Result: []byte(`{"b":2}`),
		Error:  &JobError{Message: "boom"},
		Meta:   map[string]string{"k": "v"},
	}

	clone := job.Clone()
	clone.Data[2] = 'x'
	clone.Result[2] = 'x'
	clone.Error.Message = "changed"
	clone.Meta["k"] = "changed"

	assert.Equal(t, `{"a":1}`, string(job.Data))
	assert.Equal(t, `{"b":2}`, string(job.Result))
	assert.Equal(t, "boom", job.Error.Message)
	assert.Equal(t, "v", job.Meta["k"])
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, 100, (&JobFilter{}).EffectiveLimit())
	assert.Equal(t, 25, (&JobFilter{Limit: 25}).EffectiveLimit())
	assert.Equal(t, 1<<31, (&JobFilter{Limit: -1}).EffectiveLimit())
}

func TestSortJobs(t *testing.T) {
	base := NowMicros()
	jobs := []*Job{
		{ID: "late-low", Priority: 9, QueuedAt: base + 3},
		{ID: "early-low", Priority: 9, QueuedAt: base + 1},
		{ID: "late-high", Priority: 1, QueuedAt: base + 2},
	}

	SortJobs(jobs, JobFilter{SortBy: SortByPriority})
	assert.Equal(t, "late-high", jobs[0].ID)
	assert.Equal(t, "early-low", jobs[1].ID)
	assert.Equal(t, "late-low", jobs[2].ID)

	SortJobs(jobs, JobFilter{SortBy: SortByQueuedAt, SortOrder: "desc"})
	assert.Equal(t, "late-low", jobs[0].ID)
	assert.Equal(t, "early-low", jobs[2].ID)
}
