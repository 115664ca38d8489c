package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// jobContext is the per-attempt execution scope handed to a handler.
type jobContext struct {
	job     *models.Job
	store   interfaces.JobStore
	emitter *emitter
	logger  *common.Logger

	mu          sync.Mutex
	lastPercent int
}

func newJobContext(job *models.Job, store interfaces.JobStore, em *emitter, logger *common.Logger) *jobContext {
	return &jobContext{
		job:     job,
		store:   store,
		emitter: em,
		logger: logger.Child(map[string]string{
			"job_id":   job.ID,
			"job_type": job.Type,
		}),
	}
}

func (jc *jobContext) JobID() string {
	return jc.job.ID
}

func (jc *jobContext) Data() json.RawMessage {
	return jc.job.Data
}

func (jc *jobContext) Meta() map[string]string {
	return jc.job.Meta
}

func (jc *jobContext) Logger() *common.Logger {
	return jc.logger
}

// Progress writes a progress update through the store and emits
// job:progress. Percent is clamped to 0..100 and never moves backwards
// within the attempt.
func (jc *jobContext) Progress(ctx context.Context, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	jc.mu.Lock()
	if percent < jc.lastPercent {
		percent = jc.lastPercent
	}
	jc.lastPercent = percent
	jc.mu.Unlock()

	update := models.JobUpdate{
		Progress:        &percent,
		ProgressMessage: &message,
	}
	if err := jc.store.UpdateJob(ctx, jc.job.ID, update); err != nil {
		return err
	}

	jc.emitter.emit(&models.QueueEvent{
		Type:      models.EventJobProgress,
		Queue:     jc.job.Queue,
		JobID:     jc.job.ID,
		Progress:  percent,
		Message:   message,
		Timestamp: time.Now(),
	})
	return nil
}

var _ interfaces.JobContext = (*jobContext)(nil)
