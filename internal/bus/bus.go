// Package bus relays typed events between processes over Redis pub/sub.
// Publishing runs through a circuit breaker so a degraded Redis sheds
// event traffic instead of stalling job processing.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/jobd/internal/breaker"
	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// Payloads above this size are almost always a mistake (a result blob
// that should have stayed in the store), so they get logged.
const largePayloadBytes = 64 * 1024

const publishResetTimeout = 5 * time.Second

var errBusClosed = errors.New("event bus is closed")

// RedisBus implements interfaces.EventBus on Redis pub/sub. Event types map
// to channels as "{prefix}:{type}", so subscribers can glob with patterns
// like "job:*". One upstream PSUBSCRIBE is shared per pattern no matter how
// many local handlers attach to it.
type RedisBus struct {
	publisher  *redis.Client
	subscriber *redis.Client
	prefix     string
	breaker    *breaker.Breaker
	logger     *common.Logger

	mu     sync.Mutex
	subs   map[string]*patternSub // keyed by the translated channel pattern
	closed bool
}

// patternSub is one upstream subscription fanning out to local handlers.
type patternSub struct {
	pubsub   *redis.PubSub
	handlers map[int]func(*models.Event)
	nextID   int
}

// New creates a bus on dedicated publisher and subscriber clients. The two
// must be distinct: a subscribed connection cannot issue commands.
func New(publisher, subscriber *redis.Client, prefix string, logger *common.Logger) *RedisBus {
	b := &RedisBus{
		publisher:  publisher,
		subscriber: subscriber,
		prefix:     prefix,
		logger:     logger,
		subs:       make(map[string]*patternSub),
	}
	b.breaker = breaker.New(breaker.Options{
		ResetTimeout: publishResetTimeout,
		Logger:       logger,
	})
	return b
}

func (b *RedisBus) Publish(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return &models.OperationError{Op: "PUBLISH", Key: event.Type, Cause: err}
	}
	if len(payload) > largePayloadBytes {
		b.logger.Warn().
			Str("type", event.Type).
			Int("bytes", len(payload)).
			Msg("Large event payload, consider referencing the job store instead")
	}

	channel := b.channel(event.Type)
	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.publisher.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		return &models.OperationError{Op: "PUBLISH", Key: channel, Cause: err}
	}
	return nil
}

func (b *RedisBus) Subscribe(pattern string, handler func(*models.Event)) (func(), error) {
	channelPattern := b.channel(pattern)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &models.OperationError{Op: "SUBSCRIBE", Key: pattern, Cause: errBusClosed}
	}

	sub, ok := b.subs[channelPattern]
	if !ok {
		pubsub := b.subscriber.PSubscribe(context.Background(), channelPattern)
		sub = &patternSub{
			pubsub:   pubsub,
			handlers: make(map[int]func(*models.Event)),
		}
		b.subs[channelPattern] = sub
		go b.dispatch(channelPattern, sub)
	}

	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = handler

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { b.release(channelPattern, id) })
	}
	return unsubscribe, nil
}

// release detaches one handler and drops the upstream subscription when the
// last handler for its pattern is gone.
func (b *RedisBus) release(channelPattern string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channelPattern]
	if !ok {
		return
	}
	delete(sub.handlers, id)
	if len(sub.handlers) > 0 {
		return
	}

	delete(b.subs, channelPattern)
	if err := sub.pubsub.Close(); err != nil {
		b.logger.Warn().Str("pattern", channelPattern).Err(err).Msg("Failed to close pub/sub subscription")
	}
}

// dispatch decodes messages off one upstream subscription and fans them out.
// Malformed payloads are dropped with a log line; a panicking handler never
// takes down the loop or its siblings.
func (b *RedisBus) dispatch(channelPattern string, sub *patternSub) {
	for msg := range sub.pubsub.Channel() {
		var event models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn().Str("channel", msg.Channel).Err(err).Msg("Dropping malformed event")
			continue
		}
		if !event.Valid() {
			b.logger.Warn().Str("channel", msg.Channel).Msg("Dropping event with incomplete envelope")
			continue
		}

		b.mu.Lock()
		handlers := make([]func(*models.Event), 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			b.invoke(channelPattern, h, &event)
		}
	}
}

func (b *RedisBus) invoke(channelPattern string, handler func(*models.Event), event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("pattern", channelPattern).
				Str("type", event.Type).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

func (b *RedisBus) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	if state := b.breaker.State(); state != breaker.StateClosed {
		return &models.HealthStatus{Healthy: false, Detail: "publish breaker " + string(state)}, nil
	}

	start := time.Now()
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		return &models.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return &models.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for pattern, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil {
			b.logger.Warn().Str("pattern", pattern).Err(err).Msg("Failed to close pub/sub subscription")
		}
	}
	b.subs = make(map[string]*patternSub)
	return nil
}

// channel translates an event type or pattern to its Redis channel name.
func (b *RedisBus) channel(eventType string) string {
	if b.prefix == "" {
		return eventType
	}
	return b.prefix + ":" + eventType
}

// Breaker exposes the publish breaker for health endpoints and tests.
func (b *RedisBus) Breaker() *breaker.Breaker {
	return b.breaker
}

var _ interfaces.EventBus = (*RedisBus)(nil)
