package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Options{FailureThreshold: 3, ResetTimeout: time.Minute, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, StateClosed, b.State())
		assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open rejects without invoking the operation.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	var openErr *models.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 3, openErr.Failures)
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Options{FailureThreshold: 3, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))

	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive to open")
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New(Options{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.GetStats().ConsecutiveFailures)
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New(Options{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := New(Options{FailureThreshold: 1, ResetTimeout: time.Millisecond, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go b.Execute(ctx, func(context.Context) error {
		close(probeStarted)
		<-release
		return nil
	})
	<-probeStarted

	// While the probe is in flight, further calls are rejected.
	err := b.Execute(ctx, succeeding)
	var openErr *models.CircuitOpenError
	assert.ErrorAs(t, err, &openErr)

	close(release)
	require.Eventually(t, func() bool { return b.State() == StateClosed },
		time.Second, time.Millisecond)
}

func TestSuccessThresholdRequiresMultipleProbes(t *testing.T) {
	b := New(Options{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     time.Millisecond,
		Logger:           common.NewSilentLogger(),
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, b.State(), "one probe is not enough")

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestZeroSuccessThresholdClosesAfterOneProbe(t *testing.T) {
	b := New(Options{
		FailureThreshold: 1,
		SuccessThreshold: 0,
		ResetTimeout:     time.Millisecond,
		Logger:           common.NewSilentLogger(),
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestManualOpenAndClose(t *testing.T) {
	b := New(Options{ResetTimeout: time.Minute, Logger: common.NewSilentLogger()})

	b.Open()
	assert.Equal(t, StateOpen, b.State())
	assert.Error(t, b.Execute(context.Background(), succeeding))

	b.Close()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeeding))
}

func TestCallbacksFireOnTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			transitions = append(transitions, name)
			mu.Unlock()
		}
	}

	b := New(Options{
		FailureThreshold: 1,
		ResetTimeout:     5 * time.Millisecond,
		OnOpen:           record("open"),
		OnClose:          record("close"),
		OnHalfOpen:       record("half-open"),
		Logger:           common.NewSilentLogger(),
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen },
		time.Second, time.Millisecond)
	require.NoError(t, b.Execute(ctx, succeeding))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"open", "half-open", "close"}, transitions)
}

func TestPanickingCallbackDoesNotBreakStateMachine(t *testing.T) {
	b := New(Options{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnOpen:           func() { panic("callback bug") },
		Logger:           common.NewSilentLogger(),
	})

	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestStatsSnapshot(t *testing.T) {
	b := New(Options{FailureThreshold: 5, Logger: common.NewSilentLogger()})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))

	stats := b.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, "boom", stats.LastFailure)
	assert.False(t, stats.LastFailureAt.IsZero())
}
