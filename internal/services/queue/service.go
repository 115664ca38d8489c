package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// metaDedupeKey is where AddUnique stashes the caller's dedupe key.
const metaDedupeKey = "dedupe_key"

// Service is the multi-queue façade. It validates submissions against the
// registry, routes them to queue instances over one shared store, fans
// lifecycle events out to per-job subscribers, and relays them across
// processes through the optional event bus.
type Service struct {
	store    interfaces.JobStore
	registry *Registry
	bus      interfaces.EventBus // nil disables cross-process relay
	originID string
	logger   *common.Logger

	queues     map[string]*Queue
	queueNames []string // sorted, for error messages

	cacheMu  sync.Mutex
	jobQueue map[string]string // job id -> queue name

	subsMu    sync.Mutex
	subs      map[string]map[int]interfaces.SubscriptionCallbacks
	nextSubID int

	seq      atomic.Uint64
	unsubs   []func()
	busUnsub func()
}

// NewService builds a service from queue configurations. The originID
// stamps outbound bus events so this process can drop its own echoes; an
// empty one gets a random identity.
func NewService(
	cfgs []common.QueueConfig,
	store interfaces.JobStore,
	registry *Registry,
	eventBus interfaces.EventBus,
	originID string,
	logger *common.Logger,
) (*Service, error) {
	if originID == "" {
		originID = uuid.NewString()
	}

	s := &Service{
		store:    store,
		registry: registry,
		bus:      eventBus,
		originID: originID,
		logger:   logger,
		queues:   make(map[string]*Queue, len(cfgs)),
		jobQueue: make(map[string]string),
		subs:     make(map[string]map[int]interfaces.SubscriptionCallbacks),
	}

	for _, cfg := range cfgs {
		q := NewQueue(cfg, store, registry, logger)
		s.queues[cfg.Name] = q
		s.queueNames = append(s.queueNames, cfg.Name)
		s.unsubs = append(s.unsubs, q.OnEvent(s.onQueueEvent))
	}
	sort.Strings(s.queueNames)

	if s.bus != nil {
		unsub, err := s.bus.Subscribe("job:*", s.onBusEvent)
		if err != nil {
			return nil, err
		}
		s.busUnsub = unsub
	}

	return s, nil
}

func (s *Service) Add(ctx context.Context, queue, jobType string, data []byte, opts *models.JobOptions) (string, error) {
	q, def, err := s.resolve(queue, jobType)
	if err != nil {
		return "", err
	}

	if def.Input != nil {
		if ok, issues := def.Input.SafeParse(data); !ok {
			return "", &models.ValidationError{
				Queue:  queue,
				Type:   jobType,
				Issues: issues,
				Value:  data,
			}
		}
	}

	job, err := q.Add(ctx, jobType, data, opts)
	if err != nil {
		return "", err
	}

	s.cacheMu.Lock()
	s.jobQueue[job.ID] = queue
	s.cacheMu.Unlock()

	return job.ID, nil
}

func (s *Service) AddUnique(ctx context.Context, queue, jobType string, data []byte, opts *models.JobOptions) (string, error) {
	if opts == nil || opts.DedupeKey == "" {
		return s.Add(ctx, queue, jobType, data, opts)
	}

	// Suppression window is the queued state only: once a duplicate starts
	// running, a fresh submission is legitimate again.
	existing, err := s.store.ListJobs(ctx, queue, models.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Type:     jobType,
		Limit:    -1,
	})
	if err != nil {
		return "", err
	}
	for _, job := range existing {
		if job.Meta[metaDedupeKey] == opts.DedupeKey {
			s.logger.Debug().
				Str("job_id", job.ID).
				Str("dedupe_key", opts.DedupeKey).
				Msg("Duplicate submission suppressed")
			return job.ID, nil
		}
	}

	withKey := *opts
	withKey.Meta = make(map[string]string, len(opts.Meta)+1)
	for k, v := range opts.Meta {
		withKey.Meta[k] = v
	}
	withKey.Meta[metaDedupeKey] = opts.DedupeKey

	return s.Add(ctx, queue, jobType, data, &withKey)
}

func (s *Service) GetJob(ctx context.Context, id, queue string) (*models.Job, error) {
	// The store is keyed by id alone; the queue argument and the cache only
	// exist so callers without the queue name still resolve.
	return s.store.GetJob(ctx, id)
}

func (s *Service) CancelJob(ctx context.Context, id, queue, reason string) error {
	if queue == "" {
		queue = s.lookupQueue(ctx, id)
	}

	q, ok := s.queues[queue]
	if !ok {
		return &models.QueueNotFoundError{Queue: queue, Available: s.queueNames}
	}
	return q.CancelJob(ctx, id, reason)
}

func (s *Service) ListJobs(ctx context.Context, queue string, filter models.JobFilter) ([]*models.Job, error) {
	q, ok := s.queues[queue]
	if !ok {
		return nil, &models.QueueNotFoundError{Queue: queue, Available: s.queueNames}
	}
	return q.ListJobs(ctx, filter)
}

func (s *Service) GetQueueStats(ctx context.Context, queue string) (*models.QueueStats, error) {
	q, ok := s.queues[queue]
	if !ok {
		return nil, &models.QueueNotFoundError{Queue: queue, Available: s.queueNames}
	}
	return q.GetStats(ctx)
}

func (s *Service) GetAllStats(ctx context.Context) (map[string]*models.QueueStats, error) {
	all := make(map[string]*models.QueueStats, len(s.queues))
	for name, q := range s.queues {
		stats, err := q.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		all[name] = stats
	}
	return all, nil
}

func (s *Service) StartAll(ctx context.Context) error {
	start := time.Now()
	for _, name := range s.queueNames {
		if err := s.queues[name].Start(ctx); err != nil {
			return err
		}
	}
	s.logger.Info().
		Int("queues", len(s.queues)).
		Dur("elapsed", time.Since(start)).
		Msg("All queues started")
	return nil
}

func (s *Service) StopAll(ctx context.Context, opts interfaces.StopOptions) error {
	start := time.Now()

	var wg sync.WaitGroup
	for _, q := range s.queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			if err := q.Stop(ctx, opts); err != nil {
				s.logger.Error().Str("queue", q.Name()).Err(err).Msg("Queue stop failed")
			}
		}(q)
	}
	wg.Wait()

	if s.busUnsub != nil {
		s.busUnsub()
		s.busUnsub = nil
	}

	s.logger.Info().
		Int("queues", len(s.queues)).
		Dur("elapsed", time.Since(start)).
		Msg("All queues stopped")
	return nil
}

func (s *Service) Subscribe(id string, callbacks interfaces.SubscriptionCallbacks) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	subID := s.nextSubID
	s.nextSubID++

	byJob, ok := s.subs[id]
	if !ok {
		byJob = make(map[int]interfaces.SubscriptionCallbacks)
		s.subs[id] = byJob
	}
	byJob[subID] = callbacks

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs[id], subID)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
		})
	}
}

// resolve maps a (queue, type) pair to its queue instance and definition.
func (s *Service) resolve(queue, jobType string) (*Queue, Definition, error) {
	q, ok := s.queues[queue]
	if !ok {
		return nil, Definition{}, &models.QueueNotFoundError{Queue: queue, Available: s.queueNames}
	}
	def, ok := s.registry.Lookup(queue, jobType)
	if !ok {
		return nil, Definition{}, &models.HandlerNotFoundError{
			Queue:      queue,
			Type:       jobType,
			Registered: s.registry.TypesFor(queue),
		}
	}
	return q, def, nil
}

// lookupQueue resolves a job id to its queue, consulting the cache first.
func (s *Service) lookupQueue(ctx context.Context, id string) string {
	s.cacheMu.Lock()
	name, ok := s.jobQueue[id]
	s.cacheMu.Unlock()
	if ok {
		return name
	}

	if job, err := s.store.GetJob(ctx, id); err == nil && job != nil {
		return job.Queue
	}
	return ""
}

// onQueueEvent handles every local queue event: per-job subscribers first,
// then the cross-process relay.
func (s *Service) onQueueEvent(ev *models.QueueEvent) {
	s.dispatch(ev)

	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Str("type", ev.Type).Err(err).Msg("Failed to encode queue event")
		return
	}
	envelope := &models.Event{
		Type:      ev.Type,
		Data:      payload,
		Timestamp: time.Now(),
		OriginID:  s.originID,
		Sequence:  s.seq.Add(1),
	}
	// Relay failures must not disturb job processing.
	if err := s.bus.Publish(context.Background(), envelope); err != nil {
		s.logger.Warn().Str("type", ev.Type).Err(err).Msg("Event relay failed")
	}
}

// onBusEvent handles events relayed from peer processes. Echoes of this
// process's own events are dropped by origin id.
func (s *Service) onBusEvent(ev *models.Event) {
	if ev.OriginID == s.originID {
		return
	}

	var qev models.QueueEvent
	if err := json.Unmarshal(ev.Data, &qev); err != nil {
		s.logger.Warn().Str("type", ev.Type).Err(err).Msg("Dropping malformed relayed event")
		return
	}
	s.dispatch(&qev)
}

// dispatch routes one queue event to the job's subscribers. Terminal
// events also evict the id-to-queue cache entry.
func (s *Service) dispatch(ev *models.QueueEvent) {
	s.subsMu.Lock()
	byJob := s.subs[ev.JobID]
	callbacks := make([]interfaces.SubscriptionCallbacks, 0, len(byJob))
	for _, cb := range byJob {
		callbacks = append(callbacks, cb)
	}
	s.subsMu.Unlock()

	for _, cb := range callbacks {
		switch ev.Type {
		case models.EventJobProgress:
			if cb.OnProgress != nil {
				cb.OnProgress(ev.Progress, ev.Message)
			}
		case models.EventJobCompleted:
			if cb.OnCompleted != nil {
				cb.OnCompleted(ev.Result)
			}
		case models.EventJobFailed:
			if cb.OnFailed != nil {
				cb.OnFailed(ev.Error)
			}
		case models.EventJobCancelled:
			if cb.OnCancelled != nil {
				cb.OnCancelled(ev.Reason)
			}
		}
	}

	switch ev.Type {
	case models.EventJobCompleted, models.EventJobFailed, models.EventJobCancelled:
		s.cacheMu.Lock()
		delete(s.jobQueue, ev.JobID)
		s.cacheMu.Unlock()
	}
}

var _ interfaces.QueueService = (*Service)(nil)
