package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for attempt outcomes and registry misuse.
var (
	ErrJobTimeout       = errors.New("job execution timed out")
	ErrJobCancelled     = errors.New("job execution was cancelled")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrQueueStopped     = errors.New("queue is not running")
	ErrNoTransition     = errors.New("no state transition occurred")
)

// SchemaIssue is one validation failure at a path within the input.
type SchemaIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports input data that failed the job type's schema.
type ValidationError struct {
	Queue  string
	Type   string
	Issues []SchemaIssue
	Value  []byte // the offending input
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return fmt.Sprintf("invalid input for %s/%s: %s", e.Queue, e.Type, strings.Join(msgs, "; "))
}

// QueueNotFoundError reports a submission to an unknown queue.
type QueueNotFoundError struct {
	Queue     string
	Available []string
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("queue %q not found (available: %s)", e.Queue, strings.Join(e.Available, ", "))
}

// HandlerNotFoundError reports a job type with no registered handler.
type HandlerNotFoundError struct {
	Queue      string
	Type       string
	Registered []string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler for job type %q on queue %q (registered: %s)",
		e.Type, e.Queue, strings.Join(e.Registered, ", "))
}

// maxCauseLen caps the backend error text carried by an OperationError.
const maxCauseLen = 256

// OperationError wraps a backend operation failure with the operation tag
// and, when relevant, the key it touched.
type OperationError struct {
	Op    string // "ENQUEUE", "DEQUEUE", "COMPLETE_JOB", ...
	Key   string
	Cause error
}

func (e *OperationError) Error() string {
	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
		if len(cause) > maxCauseLen {
			cause = cause[:maxCauseLen] + "..."
		}
	}
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %s", e.Op, e.Key, cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, cause)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Connection failure classifications.
const (
	ConnRefused    = "CONNECTION_REFUSED"
	ConnTimeout    = "TIMEOUT"
	ConnAuthFailed = "AUTH_FAILED"
	ConnUnknown    = "UNKNOWN"
)

// ConnectionError classifies an initial backend connection failure.
type ConnectionError struct {
	Code  string // ConnRefused | ConnTimeout | ConnAuthFailed | ConnUnknown
	Host  string
	Port  int
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s:%d failed (%s): %v", e.Host, e.Port, e.Code, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// CircuitOpenError is returned by the breaker when rejecting calls.
type CircuitOpenError struct {
	State        string
	Failures     int
	LastFailure  string
	ResetTimeout time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s: rejecting call (failures=%d, reset=%s)",
		e.State, e.Failures, e.ResetTimeout)
}
