package queue

import (
	"sync"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

// emitter fans queue events out to in-process listeners. Delivery is
// synchronous in emission order; a panicking listener is logged and the
// remaining listeners still run.
type emitter struct {
	mu     sync.Mutex
	subs   map[int]func(*models.QueueEvent)
	nextID int
	logger *common.Logger
}

func newEmitter(logger *common.Logger) *emitter {
	return &emitter{
		subs:   make(map[int]func(*models.QueueEvent)),
		logger: logger,
	}
}

// subscribe registers a listener; the closure removes it.
func (e *emitter) subscribe(fn func(*models.QueueEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
		})
	}
}

// emit delivers an event to a snapshot of the current listeners.
func (e *emitter) emit(ev *models.QueueEvent) {
	e.mu.Lock()
	listeners := make([]func(*models.QueueEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		e.deliver(fn, ev)
	}
}

func (e *emitter) deliver(fn func(*models.QueueEvent), ev *models.QueueEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("type", ev.Type).
				Str("job_id", ev.JobID).
				Interface("panic", r).
				Msg("Event listener panicked")
		}
	}()
	fn(ev)
}
