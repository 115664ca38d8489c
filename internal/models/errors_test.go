package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationErrorTruncatesLongCauses(t *testing.T) {
	cause := errors.New(strings.Repeat("x", 1000))
	err := &OperationError{Op: "ENQUEUE", Key: "j-1", Cause: cause}

	msg := err.Error()
	assert.Contains(t, msg, "ENQUEUE failed for j-1")
	assert.Contains(t, msg, "...")
	assert.Less(t, len(msg), 400)

	assert.ErrorIs(t, err, cause, "unwrap reaches the backend error")
}

func TestOperationErrorWithoutKey(t *testing.T) {
	err := &OperationError{Op: "STATS", Cause: errors.New("boom")}
	assert.Equal(t, "STATS failed: boom", err.Error())
}

func TestValidationErrorListsIssues(t *testing.T) {
	err := &ValidationError{
		Queue: "reports",
		Type:  "render",
		Issues: []SchemaIssue{
			{Path: "pages", Message: "must be >= 1"},
			{Path: "(root)", Message: "report_id is required"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "reports/render")
	assert.Contains(t, msg, "pages: must be >= 1")
	assert.Contains(t, msg, "report_id is required")
}

func TestConnectionErrorUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &ConnectionError{Code: ConnRefused, Host: "redis.internal", Port: 6379, Cause: cause}

	assert.Contains(t, err.Error(), "redis.internal:6379")
	assert.Contains(t, err.Error(), ConnRefused)
	assert.ErrorIs(t, err, cause)

	var connErr *ConnectionError
	require.ErrorAs(t, error(err), &connErr)
	assert.Equal(t, ConnRefused, connErr.Code)
}

func TestEventValid(t *testing.T) {
	assert.False(t, (&Event{}).Valid())
	assert.False(t, (&Event{Type: "job:queued", OriginID: "p"}).Valid())

	ev := &Event{Type: "job:queued", OriginID: "p"}
	ev.Timestamp = ev.Timestamp.Add(1) // any non-zero instant
	assert.True(t, ev.Valid())
}
