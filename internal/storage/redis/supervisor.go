package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

// Reconnect policy for the initial handshake.
const (
	maxConnectAttempts = 10
	backoffBase        = 100 * time.Millisecond
	backoffCap         = 3 * time.Second
)

// Connections supervises the three logical clients a Redis deployment
// needs: commands, publishing, and a dedicated subscriber. Pub/sub puts a
// connection into subscriber mode, so it can never share with the others.
type Connections struct {
	Data       *redis.Client
	Publisher  *redis.Client
	Subscriber *redis.Client

	addr   string
	logger *common.Logger
}

// Connect validates the settings, dials all three clients and verifies each
// with a PING, retrying with exponential backoff. On any unrecoverable
// failure everything already opened is torn down and a classified
// *models.ConnectionError is returned.
func Connect(ctx context.Context, cfg common.RedisConfig, logger *common.Logger) (*Connections, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conns := &Connections{addr: cfg.Addr(), logger: logger}

	names := []string{"data", "publisher", "subscriber"}
	targets := []**redis.Client{&conns.Data, &conns.Publisher, &conns.Subscriber}

	for i, name := range names {
		client := newClient(cfg)
		if err := pingWithRetry(ctx, client, name, logger); err != nil {
			client.Close()
			conns.Close()
			return nil, classify(err, cfg.Host, cfg.GetPort())
		}
		*targets[i] = client
	}

	logger.Info().
		Str("addr", conns.addr).
		Int("db", cfg.DB).
		Bool("tls", cfg.TLS).
		Msg("Redis connections established")

	return conns, nil
}

// newClient builds one client from the shared settings.
func newClient(cfg common.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.GetConnectTimeout(),
		ReadTimeout:  cfg.GetCommandTimeout(),
		WriteTimeout: cfg.GetCommandTimeout(),
		MaxRetries:   cfg.GetMaxRetries(),
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// pingWithRetry verifies a client with exponential backoff,
// min(100ms * 2^attempt, 3s), giving up after maxConnectAttempts.
// Auth failures abort immediately: retrying a bad password cannot help.
func pingWithRetry(ctx context.Context, client *redis.Client, name string, logger *common.Logger) error {
	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := client.Ping(ctx).Err(); err != nil {
			lastErr = err
			if isAuthError(err) {
				return err
			}
			logger.Warn().
				Str("connection", name).
				Int("attempt", attempt+1).
				Err(err).
				Msg("Redis ping failed, retrying")
			continue
		}
		return nil
	}
	return lastErr
}

// classify maps a dial or ping failure to a stable error code.
func classify(err error, host string, port int) error {
	var connErr *models.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}

	code := models.ConnUnknown
	switch {
	case isAuthError(err):
		code = models.ConnAuthFailed
	case isTimeout(err):
		code = models.ConnTimeout
	case isRefused(err):
		code = models.ConnRefused
	}

	return &models.ConnectionError{Code: code, Host: host, Port: port, Cause: err}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid password")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

// HealthCheck pings the data connection and reports the round-trip latency.
func (c *Connections) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	start := time.Now()
	if err := c.Data.Ping(ctx).Err(); err != nil {
		return &models.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return &models.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

// Close shuts down whichever clients were opened.
func (c *Connections) Close() error {
	var errs []error
	for _, client := range []*redis.Client{c.Data, c.Publisher, c.Subscriber} {
		if client != nil {
			if err := client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
