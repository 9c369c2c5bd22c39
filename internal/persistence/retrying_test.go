package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// flakyRepo fails the first n saves.
type flakyRepo struct {
	*InMemoryStore
	failures int
	calls    int
}

func (f *flakyRepo) Save(ctx context.Context, fc *api.FlowContext) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.InMemoryStore.Save(ctx, fc)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	repo := &flakyRepo{InMemoryStore: NewInMemoryStore(), failures: 2}
	r := NewRetrying(repo, api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	require.NoError(t, r.Save(context.Background(), sampleContext("r1", "t", 0)))
	assert.Equal(t, 3, repo.calls)
}

func TestRetryingGivesUp(t *testing.T) {
	repo := &flakyRepo{InMemoryStore: NewInMemoryStore(), failures: 10}
	r := NewRetrying(repo, api.RetryPolicy{MaxAttempts: 2})

	err := r.Save(context.Background(), sampleContext("r2", "t", 0))
	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, "r2", exhausted.ID)
	assert.Equal(t, 2, repo.calls)
}

func TestRetryingDoesNotRetryNotFound(t *testing.T) {
	r := NewRetrying(NewInMemoryStore(), api.RetryPolicy{MaxAttempts: 5})

	_, err := r.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, api.ErrContextNotFound)

	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}
