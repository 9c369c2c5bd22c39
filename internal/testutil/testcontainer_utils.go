// Package testutil starts throwaway backing services for integration tests.
// Each service is started at most once per test binary; the testcontainers
// reaper removes it when the binary exits. Tests are skipped under -short or
// when no container runtime is available.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startupTimeout is generous for CI environments.
const startupTimeout = 3 * time.Minute

// service is a container shared by every test of the binary.
type service struct {
	name  string
	start func(ctx context.Context) (testcontainers.Container, error)
	// address turns the container's host:port into what tests connect to.
	address func(endpoint string) string

	once sync.Once
	addr string
	err  error
}

// get starts the container on first use and returns its address, skipping
// t when the service cannot run here.
func (s *service) get(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s-backed test in -short mode", s.name)
	}

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		c, err := s.start(ctx)
		if err != nil {
			s.err = err
			return
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			s.err = err
			return
		}
		s.addr = endpoint
		if s.address != nil {
			s.addr = s.address(endpoint)
		}
	})

	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.addr
}
