package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	code, err := runWithRedis(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis integration setup:", err)
	}
	os.Exit(code)
}

// runWithRedis starts one container for the whole package. Short runs skip it.
func runWithRedis(m *testing.M) (int, error) {
	if testing.Short() {
		return m.Run(), nil
	}

	ctx := context.Background()
	ctr, err := redis.Run(ctx, "redis:7-alpine", redis.WithLogLevel(redis.LogLevelWarning))
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			fmt.Fprintln(os.Stderr, "terminate redis container:", err)
		}
	}()
	if err != nil {
		return 1, fmt.Errorf("start container: %w", err)
	}

	if testRedisURL, err = ctr.ConnectionString(ctx); err != nil {
		return 1, fmt.Errorf("connection string: %w", err)
	}
	return m.Run(), nil
}

// setupTestClient hands out a client on an emptied database.
func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a redis container")
	}

	client, err := NewClient(t.Context(), testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.FlushDB(t.Context()).Err())
	return client
}

// unreachableClient points at a port nothing listens on.
func unreachableClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("pings the server", func(t *testing.T) {
		client := setupTestClient(t)
		assert.NoError(t, client.Ping(t.Context()).Err())
	})

	t.Run("rejects a malformed url", func(t *testing.T) {
		_, err := NewClient(t.Context(), "not a url")
		assert.Error(t, err)
	})

	t.Run("fails fast when nothing listens", func(t *testing.T) {
		assert.Error(t, unreachableClient(t).Ping(t.Context()).Err())
	})
}
