package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "fluxgraph"
	pgPassword = "fluxgraph"
	pgDatabase = "fluxgraph_test"
)

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

var postgresService = &service{
	name: "postgres",
	start: func(ctx context.Context) (testcontainers.Container, error) {
		// The flow_contexts table is created by the store itself; the SQL
		// probe only waits until the server accepts pgx connections.
		ready := wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return postgresDSN(host + ":" + port.Port())
		}).WithQuery("SELECT 1")

		return testcontainers.Run(ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(wait.ForListeningPort("5432/tcp"), ready).WithDeadline(2*time.Minute),
			),
		)
	},
	address: postgresDSN,
}

// GetPostgresDSN returns a pgx connection URL for the shared PostgreSQL
// container. Callers must import the pgx stdlib driver.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresService.get(t)
}
