package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
	"github.com/bobmcallan/jobd/internal/services/queue"
	"github.com/bobmcallan/jobd/internal/storage/memory"
)

const testQueue = "work"

// eventLog records queue events in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []*models.QueueEvent
}

func (l *eventLog) record(ev *models.QueueEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) last(eventType string) *models.QueueEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			return l.events[i]
		}
	}
	return nil
}

// newTestQueue builds a started queue over a fresh in-memory store with the
// given handlers registered under the test queue name.
func newTestQueue(t *testing.T, defs ...queue.Definition) (*queue.Queue, *memory.Store, *eventLog) {
	t.Helper()

	store := memory.NewStore(common.NewSilentLogger())
	registry, err := queue.NewRegistry(defs...)
	require.NoError(t, err)

	cfg := common.QueueConfig{
		Name:           testQueue,
		Concurrency:    4,
		DefaultTimeout: "5s",
		PollInterval:   "5ms",
	}
	q := queue.NewQueue(cfg, store, registry, common.NewSilentLogger())

	log := &eventLog{}
	q.OnEvent(log.record)

	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		q.Stop(context.Background(), interfaces.StopOptions{})
	})
	return q, store, log
}

func def(jobType string, handler interfaces.JobHandler) queue.Definition {
	return queue.Definition{Queue: testQueue, Type: jobType, Handler: handler}
}

// waitForStatus blocks until the job reaches the wanted state.
func waitForStatus(t *testing.T, store interfaces.JobStore, id string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), id)
		require.NoError(t, err)
		return job != nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func intPtr(n int) *int { return &n }

func TestLifecycleEventOrder(t *testing.T) {
	q, store, log := newTestQueue(t, def("ok", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		return json.RawMessage(`{"answer":42}`), nil
	}))

	job, err := q.Add(context.Background(), "ok", []byte(`{}`), nil)
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusCompleted)
	assert.JSONEq(t, `{"answer":42}`, string(got.Result))
	assert.Equal(t, 100, got.Progress)

	require.Eventually(t, func() bool { return log.last(models.EventJobCompleted) != nil },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		models.EventJobQueued,
		models.EventJobStarted,
		models.EventJobCompleted,
	}, log.types())

	completed := log.last(models.EventJobCompleted)
	assert.Equal(t, job.ID, completed.JobID)
	assert.JSONEq(t, `{"answer":42}`, string(completed.Result))
}

func TestHandlerErrorRetriesThenFails(t *testing.T) {
	var attempts atomic.Int32
	q, store, log := newTestQueue(t, def("flaky", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("downstream unavailable")
	}))

	job, err := q.Add(context.Background(), "flaky", []byte(`{}`), &models.JobOptions{
		MaxRetries: intPtr(1),
	})
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusFailed)
	assert.Equal(t, int32(2), attempts.Load(), "one retry means two attempts")
	assert.Equal(t, 2, got.Retries)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrCodeHandlerError, got.Error.Code)
	assert.Equal(t, "downstream unavailable", got.Error.Message)

	require.Eventually(t, func() bool { return log.last(models.EventJobFailed) != nil },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		models.EventJobQueued,
		models.EventJobStarted,
		models.EventJobRetry,
		models.EventJobStarted,
		models.EventJobFailed,
	}, log.types())
}

func TestTimeoutFailsTheAttempt(t *testing.T) {
	q, store, _ := newTestQueue(t, def("slow", func(ctx context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	job, err := q.Add(context.Background(), "slow", []byte(`{}`), &models.JobOptions{
		Timeout:    30 * time.Millisecond,
		MaxRetries: intPtr(0),
	})
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrCodeJobTimeout, got.Error.Code)
}

func TestTimeoutRetriesWhileAttemptsRemain(t *testing.T) {
	var attempts atomic.Int32
	q, store, _ := newTestQueue(t, def("slow-once", func(ctx context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	job, err := q.Add(context.Background(), "slow-once", []byte(`{}`), &models.JobOptions{
		Timeout:    30 * time.Millisecond,
		MaxRetries: intPtr(2),
	})
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, got.Retries)
	assert.Nil(t, got.Error)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	observedCancel := make(chan struct{})
	q, store, log := newTestQueue(t, def("blocked", func(ctx context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(observedCancel)
		return nil, ctx.Err()
	}))

	job, err := q.Add(context.Background(), "blocked", []byte(`{}`), nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.CancelJob(context.Background(), job.ID, "caller gave up"))

	select {
	case <-observedCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context never cancelled")
	}

	got := waitForStatus(t, store, job.ID, models.JobStatusCancelled)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrCodeJobCancelled, got.Error.Code)
	assert.Equal(t, "caller gave up", got.Error.Message)

	ev := log.last(models.EventJobCancelled)
	require.NotNil(t, ev)
	assert.Equal(t, "caller gave up", ev.Reason)

	// The unwinding handler must not turn the cancellation into a failure.
	time.Sleep(50 * time.Millisecond)
	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Nil(t, log.last(models.EventJobFailed))
}

func TestCancelQueuedJob(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	q, store, _ := newTestQueue(t, def("gate", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		running.Add(1)
		<-release
		return nil, nil
	}))
	defer close(release)

	// Fill every slot so the target cannot be claimed.
	for i := 0; i < 4; i++ {
		_, err := q.Add(context.Background(), "gate", []byte(`{}`), nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return running.Load() == 4 },
		2*time.Second, 5*time.Millisecond)

	job, err := q.Add(context.Background(), "gate", []byte(`{}`), nil)
	require.NoError(t, err)

	require.NoError(t, q.CancelJob(context.Background(), job.ID, "no longer needed"))

	got := waitForStatus(t, store, job.ID, models.JobStatusCancelled)
	require.NotNil(t, got.Error)
	assert.Equal(t, "no longer needed", got.Error.Message)

	// Cancelling an already-settled job is a no-op.
	require.NoError(t, q.CancelJob(context.Background(), job.ID, "again"))
	again, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", again.Error.Message)

	// Unknown ids are an error.
	assert.Error(t, q.CancelJob(context.Background(), "no-such-job", "whatever"))
}

func TestConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int32
	release := make(chan struct{})

	q, store, _ := newTestQueue(t, def("gated", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil, nil
	}))

	const total = 10
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		job, err := q.Add(context.Background(), "gated", []byte(`{}`), nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return current.Load() == 4 },
		2*time.Second, 5*time.Millisecond, "all slots should fill")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), peak.Load(), "in-flight count must never exceed the cap")

	close(release)
	for _, id := range ids {
		waitForStatus(t, store, id, models.JobStatusCompleted)
	}
	assert.Equal(t, int32(4), peak.Load())
}

func TestGracefulStopDrains(t *testing.T) {
	started := make(chan struct{})
	q, store, _ := newTestQueue(t, def("steady", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}))

	job, err := q.Add(context.Background(), "steady", []byte(`{}`), nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Stop(context.Background(), interfaces.StopOptions{
		Graceful: true,
		Timeout:  5 * time.Second,
	}))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status, "graceful stop waits for the attempt")
}

func TestForcefulStopLeavesOrphanForRecovery(t *testing.T) {
	started := make(chan struct{})
	q, store, _ := newTestQueue(t, def("stuck", func(ctx context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	job, err := q.Add(context.Background(), "stuck", []byte(`{}`), nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Stop(context.Background(), interfaces.StopOptions{Graceful: false}))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status, "forceful stop leaves the record for crash recovery")

	// The next start requeues the orphan.
	moved, err := store.ResetRunningJobs(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestUnregisteredTypeFailsWithoutRetries(t *testing.T) {
	q, store, log := newTestQueue(t, def("known", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		return nil, nil
	}))

	job, err := q.Add(context.Background(), "unknown-type", []byte(`{}`), nil)
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrCodeHandlerNotFound, got.Error.Code)
	assert.Equal(t, 0, got.Retries, "a missing handler is not a retryable attempt")
	assert.False(t, got.FailedAt.IsZero())
	assert.Nil(t, log.last(models.EventJobRetry))
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	q, store, _ := newTestQueue(t, def("buggy", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		panic("nil map write")
	}))

	job, err := q.Add(context.Background(), "buggy", []byte(`{}`), &models.JobOptions{MaxRetries: intPtr(0)})
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrCodeHandlerPanic, got.Error.Code)
	assert.Contains(t, got.Error.Message, "nil map write")
	assert.NotEmpty(t, got.Error.Stack)
}

func TestProgressReportingIsMonotonic(t *testing.T) {
	q, store, log := newTestQueue(t, def("stepped", func(ctx context.Context, jc interfaces.JobContext) (json.RawMessage, error) {
		if err := jc.Progress(ctx, 60, "over halfway"); err != nil {
			return nil, err
		}
		if err := jc.Progress(ctx, 40, "stale update"); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	}))

	job, err := q.Add(context.Background(), "stepped", []byte(`{}`), nil)
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, models.JobStatusCompleted)

	var percents []int
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Type == models.EventJobProgress {
			percents = append(percents, ev.Progress)
		}
	}
	log.mu.Unlock()
	assert.Equal(t, []int{60, 60}, percents, "progress never moves backwards within an attempt")
}

func TestAddValidatesPriority(t *testing.T) {
	q, _, _ := newTestQueue(t, def("ok", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		return nil, nil
	}))

	_, err := q.Add(context.Background(), "ok", []byte(`{}`), &models.JobOptions{Priority: 11})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	job, err := q.Add(context.Background(), "ok", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityDefault, job.Priority)
}

func TestStartIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, def("ok", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		return nil, nil
	}))

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(context.Background(), interfaces.StopOptions{}))
	require.NoError(t, q.Stop(context.Background(), interfaces.StopOptions{}))
}

func TestFirstAttemptFailureSucceedsOnRetry(t *testing.T) {
	var attempts atomic.Int32
	q, store, log := newTestQueue(t, def("transient", func(_ context.Context, _ interfaces.JobContext) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	job, err := q.Add(context.Background(), "transient", []byte(`{}`), nil)
	require.NoError(t, err)

	got := waitForStatus(t, store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, got.Retries)
	assert.Nil(t, got.Error, "the winning attempt clears the earlier error")
	require.NotNil(t, log.last(models.EventJobRetry))
}
