package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisService = &service{
	name: "redis",
	start: func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
	},
}

// GetRedisAddress returns host:port of the shared Redis container, used by
// the Redis repository, lease and messenger suites.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisService.get(t)
}
