//go:build integration

package sideeffects

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisDeduplicator(t *testing.T) {
	ctx := context.Background()

	client, err := NewRedisClient(startRedis(t))
	require.NoError(t, err)

	defer client.Close()

	d := NewRedisDeduplicator(client, "")

	ok, err := d.Claim(ctx, "order-1:2:receipt", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "order-1:2:receipt", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, "order-1:2:receipt"))

	ok, err = d.Claim(ctx, "order-1:2:receipt", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
