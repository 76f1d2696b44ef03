//go:build integration

package redishost_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/syncedstore/pkg/redishost"
	"github.com/dyluth/syncedstore/pkg/syncedstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

func joinRoom(t *testing.T, redisURL, room string) (*redishost.Participant, *syncedstore.Storage) {
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	p, err := redishost.Connect(context.Background(), redishost.Options{
		Redis:    opts,
		Room:     room,
		Writable: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	store, err := syncedstore.Init(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(store.Destroy)

	storage, err := store.ConnectStorage(syncedstore.MainStorage, map[string]any{"hello": "hello"})
	require.NoError(t, err)
	return p, storage
}

// TestIntegration_TwoReplicasConverge runs the replicated store against a real Redis.
func TestIntegration_TwoReplicasConverge(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	_, s1 := joinRoom(t, redisURL, "integration")
	_, s2 := joinRoom(t, redisURL, "integration")

	require.Eventually(t, func() bool {
		return s1.IsWritable() && s2.IsWritable()
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, s1.SetState(context.Background(), map[string]any{
		"world":  "world",
		"nested": map[string]any{"list": []any{1, 2, 3}},
	}))

	require.Eventually(t, func() bool {
		v, ok := s2.Get("world")
		return ok && v == "world"
	}, 10*time.Second, 50*time.Millisecond)

	nested, ok := s2.Get("nested")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"list": []any{float64(1), float64(2), float64(3)}}, nested)
	assert.Equal(t, "hello", s2.State()["hello"])
}
