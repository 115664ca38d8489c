package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobd/internal/common"
	"github.com/bobmcallan/jobd/internal/models"
)

// miniredisConfig maps a miniredis instance to connection settings.
func miniredisConfig(mr *miniredis.Miniredis) common.RedisConfig {
	port, _ := strconv.Atoi(mr.Port())
	return common.RedisConfig{Host: mr.Host(), Port: port}
}

func TestConnectValidatesEagerly(t *testing.T) {
	_, err := Connect(context.Background(), common.RedisConfig{}, common.NewSilentLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")

	_, err = Connect(context.Background(), common.RedisConfig{Host: "localhost", Port: 70000}, common.NewSilentLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestConnectEstablishesThreeClients(t *testing.T) {
	mr := miniredis.RunT(t)

	conns, err := Connect(context.Background(), miniredisConfig(mr), common.NewSilentLogger())
	require.NoError(t, err)
	defer conns.Close()

	assert.NotNil(t, conns.Data)
	assert.NotNil(t, conns.Publisher)
	assert.NotNil(t, conns.Subscriber)

	health, err := conns.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Greater(t, health.Latency, time.Duration(0))
}

func TestConnectAuthFailureAbortsImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	cfg := miniredisConfig(mr)
	cfg.Password = "wrong"

	start := time.Now()
	_, err := Connect(context.Background(), cfg, common.NewSilentLogger())
	require.Error(t, err)

	var connErr *models.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, models.ConnAuthFailed, connErr.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "auth failures must not burn the retry budget")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"refused", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), models.ConnRefused},
		{"deadline", context.DeadlineExceeded, models.ConnTimeout},
		{"noauth", errors.New("NOAUTH Authentication required."), models.ConnAuthFailed},
		{"wrongpass", errors.New("WRONGPASS invalid username-password pair"), models.ConnAuthFailed},
		{"other", errors.New("something else entirely"), models.ConnUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err, "localhost", 6379)
			var connErr *models.ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.Equal(t, tc.code, connErr.Code)
			assert.Equal(t, "localhost", connErr.Host)
			assert.Equal(t, 6379, connErr.Port)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
