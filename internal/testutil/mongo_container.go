package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongoService = &service{
	name: "mongo",
	start: func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
	},
	address: func(endpoint string) string { return "mongodb://" + endpoint },
}

// GetMongoURI returns a connection URI for the shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoService.get(t)
}
