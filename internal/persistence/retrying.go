package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// RetryExhaustedError is returned by Retrying once every attempt failed.
type RetryExhaustedError struct {
	Op       string
	ID       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("persistence: %s %s failed after %d attempts: %v", e.Op, e.ID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Retrying wraps a ContextRepository and retries failed calls according to
// a RetryPolicy. Not-found results and context cancellation are returned
// immediately.
type Retrying struct {
	repo   api.ContextRepository
	policy api.RetryPolicy
}

var _ api.ContextRepository = (*Retrying)(nil)

// NewRetrying returns repo wrapped with policy.
func NewRetrying(repo api.ContextRepository, policy api.RetryPolicy) *Retrying {
	return &Retrying{repo: repo, policy: policy}
}

// Unwrap returns the wrapped repository.
func (r *Retrying) Unwrap() api.ContextRepository {
	return r.repo
}

func (r *Retrying) Save(ctx context.Context, fc *api.FlowContext) error {
	return r.do(ctx, "save", fc.ID, func() error {
		return r.repo.Save(ctx, fc)
	})
}

func (r *Retrying) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	var out *api.FlowContext
	err := r.do(ctx, "find", id, func() error {
		var err error
		out, err = r.repo.FindByID(ctx, id)
		return err
	})
	return out, err
}

func (r *Retrying) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	var out []*api.FlowContext
	err := r.do(ctx, "find trace", traceID, func() error {
		var err error
		out, err = r.repo.FindByTrace(ctx, traceID)
		return err
	})
	return out, err
}

func (r *Retrying) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	var out []*api.FlowContext
	err := r.do(ctx, "list", filter.StreamID, func() error {
		var err error
		out, err = r.repo.List(ctx, filter)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", id, func() error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *Retrying) do(ctx context.Context, op, id string, fn func() error) error {
	var (
		permanent error
		attempts  int
	)
	err := r.policy.Do(ctx, func(attempt int) error {
		attempts = attempt
		err := fn()
		if errors.Is(err, api.ErrContextNotFound) {
			permanent = err
			return nil
		}
		return err
	})
	switch {
	case permanent != nil:
		return permanent
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &RetryExhaustedError{Op: op, ID: id, Attempts: attempts, Err: err}
	}
}
