// Package breaker implements a three-state circuit breaker guarding calls
// into a flaky external dependency.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Options configures a Breaker.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker (default 5).
	FailureThreshold int

	// SuccessThreshold is the probe-success count that closes a half-open
	// breaker (default 1; 0 is normalised to 1, closing after one probe).
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe. Zero transitions to half-open immediately.
	ResetTimeout time.Duration

	// Transition callbacks. Invoked in a protected scope: a panicking
	// callback is logged and never alters the state machine.
	OnOpen     func()
	OnClose    func()
	OnHalfOpen func()

	Logger *common.Logger
}

// Stats is a snapshot of the breaker's counters.
type Stats struct {
	State               State
	ConsecutiveFailures int
	ProbeSuccesses      int
	LastFailure         string
	LastFailureAt       time.Time
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	probeSuccesses      int
	probeInFlight       bool
	lastFailure         error
	lastFailureAt       time.Time
	resetTimer          *time.Timer

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	onOpen     func()
	onClose    func()
	onHalfOpen func()

	logger *common.Logger
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	if opts.ResetTimeout < 0 {
		opts.ResetTimeout = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		resetTimeout:     opts.ResetTimeout,
		onOpen:           opts.OnOpen,
		onClose:          opts.OnClose,
		onHalfOpen:       opts.OnHalfOpen,
		logger:           logger,
	}
}

// Execute runs op through the breaker. In the open state the call is
// rejected immediately with a CircuitOpenError; in half-open at most one
// probe is admitted at a time.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		err := b.rejectLocked()
		b.mu.Unlock()
		return err

	case StateHalfOpen:
		if b.probeInFlight {
			err := b.rejectLocked()
			b.mu.Unlock()
			return err
		}
		b.probeInFlight = true
		b.mu.Unlock()

		err := op(ctx)

		b.mu.Lock()
		b.probeInFlight = false
		if b.state == StateHalfOpen {
			if err != nil {
				b.recordFailureLocked(err)
				b.toOpenLocked()
			} else {
				b.probeSuccesses++
				if b.probeSuccesses >= b.successThreshold {
					b.toClosedLocked()
				}
			}
		}
		b.mu.Unlock()
		return err

	default: // StateClosed
		b.mu.Unlock()

		err := op(ctx)

		b.mu.Lock()
		if b.state == StateClosed {
			if err != nil {
				b.recordFailureLocked(err)
				if b.consecutiveFailures >= b.failureThreshold {
					b.toOpenLocked()
				}
			} else {
				b.consecutiveFailures = 0
			}
		}
		b.mu.Unlock()
		return err
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns a snapshot of the breaker counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lastFailure := ""
	if b.lastFailure != nil {
		lastFailure = b.lastFailure.Error()
	}
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		ProbeSuccesses:      b.probeSuccesses,
		LastFailure:         lastFailure,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Open forces the breaker open and arms the reset timer.
func (b *Breaker) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.toOpenLocked()
	}
}

// Close forces the breaker closed, clearing counters and any pending timer.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.toClosedLocked()
	}
}

// rejectLocked builds the rejection error from the current snapshot.
func (b *Breaker) rejectLocked() error {
	lastFailure := ""
	if b.lastFailure != nil {
		lastFailure = b.lastFailure.Error()
	}
	return &models.CircuitOpenError{
		State:        string(b.state),
		Failures:     b.consecutiveFailures,
		LastFailure:  lastFailure,
		ResetTimeout: b.resetTimeout,
	}
}

func (b *Breaker) recordFailureLocked(err error) {
	b.consecutiveFailures++
	b.lastFailure = err
	b.lastFailureAt = time.Now()
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.probeSuccesses = 0
	b.stopTimerLocked()
	b.resetTimer = time.AfterFunc(b.resetTimeout, b.onResetTimer)
	b.logger.Warn().
		Int("failures", b.consecutiveFailures).
		Dur("reset_timeout", b.resetTimeout).
		Msg("Circuit breaker opened")
	b.fire(b.onOpen)
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probeSuccesses = 0
	b.stopTimerLocked()
	b.logger.Info().Msg("Circuit breaker closed")
	b.fire(b.onClose)
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.probeSuccesses = 0
	b.probeInFlight = false
	b.logger.Info().Msg("Circuit breaker half-open")
	b.fire(b.onHalfOpen)
}

// onResetTimer moves an open breaker to half-open when the timer expires.
func (b *Breaker) onResetTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.toHalfOpenLocked()
	}
}

func (b *Breaker) stopTimerLocked() {
	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
}

// fire invokes a transition callback in a protected scope. Callback panics
// are logged and never alter the state machine.
func (b *Breaker) fire(cb func()) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Circuit breaker callback panicked")
		}
	}()
	cb()
}
