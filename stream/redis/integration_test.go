// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package redis

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags integration ./stream/redis/...

const (
	redisImage = "redis:7-alpine"
	redisPort  = "6379/tcp"
)

func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// startRedis runs a Redis server container for the duration of t and returns
// its address.
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if !dockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{redisPort},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(redisPort),
				wait.ForLog("Ready to accept connections"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping: could not create container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, redisPort)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestBrokerConformanceRealServer(t *testing.T) {
	addr := startRedis(t)

	testutil.RunBrokerSuite(t, func(t *testing.T) stream.Broker {
		b, err := New(redis.NewClient(&redis.Options{Addr: addr}), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}, testutil.SkipCancelUnblock())
}
