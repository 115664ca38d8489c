package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bobmcallan/jobd/internal/models"
)

// The job hash encodes numeric fields as strings and timestamps as epoch
// microseconds; structured fields (data, result, error, meta) are JSON.
// An empty string means "unset" for optional fields.

// jobToHash flattens a job into hash field/value pairs.
func jobToHash(job *models.Job) map[string]any {
	fields := map[string]any{
		"id":               job.ID,
		"type":             job.Type,
		"queue":            job.Queue,
		"status":           string(job.Status),
		"priority":         strconv.Itoa(job.Priority),
		"queued_at":        strconv.FormatInt(job.QueuedAt, 10),
		"timeout_ms":       strconv.FormatInt(job.TimeoutMS, 10),
		"max_retries":      strconv.Itoa(job.MaxRetries),
		"retries":          strconv.Itoa(job.Retries),
		"progress":         strconv.Itoa(job.Progress),
		"progress_message": job.ProgressMessage,
		"started_at":       encodeTime(job.StartedAt),
		"completed_at":     encodeTime(job.CompletedAt),
		"failed_at":        encodeTime(job.FailedAt),
		"data":             string(job.Data),
		"result":           string(job.Result),
	}

	if job.Error != nil {
		raw, _ := json.Marshal(job.Error)
		fields["error"] = string(raw)
	} else {
		fields["error"] = ""
	}
	if len(job.Meta) > 0 {
		raw, _ := json.Marshal(job.Meta)
		fields["meta"] = string(raw)
	} else {
		fields["meta"] = ""
	}

	return fields
}

// hashToJob parses a job back out of its hash representation.
func hashToJob(fields map[string]string) (*models.Job, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, nil
	}

	job := &models.Job{
		ID:              fields["id"],
		Type:            fields["type"],
		Queue:           fields["queue"],
		Status:          models.JobStatus(fields["status"]),
		ProgressMessage: fields["progress_message"],
	}

	var err error
	if job.Priority, err = parseInt(fields, "priority"); err != nil {
		return nil, err
	}
	if job.QueuedAt, err = parseInt64(fields, "queued_at"); err != nil {
		return nil, err
	}
	if job.TimeoutMS, err = parseInt64(fields, "timeout_ms"); err != nil {
		return nil, err
	}
	if job.MaxRetries, err = parseInt(fields, "max_retries"); err != nil {
		return nil, err
	}
	if job.Retries, err = parseInt(fields, "retries"); err != nil {
		return nil, err
	}
	if job.Progress, err = parseInt(fields, "progress"); err != nil {
		return nil, err
	}

	job.StartedAt = decodeTime(fields["started_at"])
	job.CompletedAt = decodeTime(fields["completed_at"])
	job.FailedAt = decodeTime(fields["failed_at"])

	if raw := fields["data"]; raw != "" {
		job.Data = json.RawMessage(raw)
	}
	if raw := fields["result"]; raw != "" {
		job.Result = json.RawMessage(raw)
	}
	if raw := fields["error"]; raw != "" {
		var jobErr models.JobError
		if err := json.Unmarshal([]byte(raw), &jobErr); err != nil {
			return nil, fmt.Errorf("malformed error field for job %s: %w", job.ID, err)
		}
		job.Error = &jobErr
	}
	if raw := fields["meta"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Meta); err != nil {
			return nil, fmt.Errorf("malformed meta field for job %s: %w", job.ID, err)
		}
	}

	return job, nil
}

// encodeTime renders a timestamp as epoch micros, or "" for the zero value.
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// decodeTime parses an epoch-micros string; "" yields the zero value.
func decodeTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(micros)
}

func parseInt(fields map[string]string, name string) (int, error) {
	raw := fields[name]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed %s field %q: %w", name, raw, err)
	}
	return n, nil
}

func parseInt64(fields map[string]string, name string) (int64, error) {
	raw := fields[name]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s field %q: %w", name, raw, err)
	}
	return n, nil
}
