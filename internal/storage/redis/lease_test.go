package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func setupLeaseStore(t *testing.T) *LeaseStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := NewLeaseStore(ctx, Config{Addr: endpoint, Prefix: "test:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLeaseStore(t *testing.T) {
	store := setupLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "lease:alice:T", "tok-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "lease:alice:T", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// foreign holder cannot release or refresh
	require.NoError(t, store.Release(ctx, "lease:alice:T", "tok-b"))
	ok, err = store.Refresh(ctx, "lease:alice:T", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Refresh(ctx, "lease:alice:T", "tok-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "lease:alice:T", "tok-a"))
	ok, err = store.Acquire(ctx, "lease:alice:T", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	store := setupLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "lease:bob:T", "tok-a", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := store.Acquire(ctx, "lease:bob:T", "tok-b", time.Minute)
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}
