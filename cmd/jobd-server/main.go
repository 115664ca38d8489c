package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/jobd/internal/bus"
	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/schema"
	"github.com/bobmcallan/jobd/internal/services/queue"
	"github.com/bobmcallan/jobd/internal/storage/badger"
	"github.com/bobmcallan/jobd/internal/storage/memory"
	redisstore "github.com/bobmcallan/jobd/internal/storage/redis"
)

func main() {
	configPath := os.Getenv("JOBD_CONFIG")

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.GetLevel())
	common.PrintBanner(config, logger)

	ctx := context.Background()

	// Storage adapter
	var store interfaces.JobStore
	var conns *redisstore.Connections

	switch adapter := config.Storage.GetAdapter(); adapter {
	case "memory":
		store = memory.NewStore(logger)
	case "badger":
		store, err = badger.NewStore(logger, config.Storage.Path)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open badger store")
		}
	case "redis":
		conns, err = redisstore.Connect(ctx, config.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		store = redisstore.NewStore(conns, config.Redis.GetKeyPrefix(), logger)
	default:
		logger.Fatal().Str("adapter", adapter).Msg("Unknown storage adapter")
	}

	// Optional cross-process event relay
	var eventBus interfaces.EventBus
	if config.Service.EnableBus {
		if conns == nil {
			conns, err = redisstore.Connect(ctx, config.Redis, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to connect to redis for event bus")
			}
		}
		eventBus = bus.New(conns.Publisher, conns.Subscriber, config.Service.GetChannelPrefix(), logger)
	}

	registry, err := queue.NewRegistry(builtinDefinitions(config)...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build handler registry")
	}

	service, err := queue.NewService(config.Queues, store, registry, eventBus, config.Service.OriginID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build queue service")
	}

	if err := service.StartAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start queues")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received")
	common.PrintShutdownBanner(logger)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := service.StopAll(stopCtx, interfaces.StopOptions{Graceful: true, Timeout: 10 * time.Second}); err != nil {
		logger.Error().Err(err).Msg("Queue shutdown failed")
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			logger.Error().Err(err).Msg("Event bus close failed")
		}
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Store close failed")
	}
	if conns != nil {
		if err := conns.Close(); err != nil {
			logger.Error().Err(err).Msg("Redis close failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

// builtinDefinitions registers the diagnostic job types every configured
// queue supports: echo returns its input, sleep holds a slot for a duration.
func builtinDefinitions(config *common.Config) []queue.Definition {
	var defs []queue.Definition
	for _, qc := range config.Queues {
		defs = append(defs,
			queue.Definition{
				Queue:   qc.Name,
				Type:    "echo",
				Input:   schema.Any{},
				Handler: echoHandler,
			},
			queue.Definition{
				Queue: qc.Name,
				Type:  "sleep",
				Input: schema.MustJSON(`{
					"type": "object",
					"properties": {
						"duration_ms": {"type": "integer", "minimum": 0}
					},
					"required": ["duration_ms"]
				}`),
				Handler: sleepHandler,
			},
		)
	}
	return defs
}

func echoHandler(_ context.Context, jc interfaces.JobContext) (json.RawMessage, error) {
	return jc.Data(), nil
}

func sleepHandler(ctx context.Context, jc interfaces.JobContext) (json.RawMessage, error) {
	var input struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(jc.Data(), &input); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(input.DurationMS) * time.Millisecond):
	}
	return json.RawMessage(`{"slept": true}`), nil
}
