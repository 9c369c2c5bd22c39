// Package scheduler owns the worker pools of an engine: one pool per graph
// node, each a task queue drained by a fixed number of workers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/fluxgraph/internal/taskqueue"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

var (
	// ErrClosed is returned when submitting to a closed scheduler.
	ErrClosed = errors.New("scheduler: closed")
	// ErrPoolLimit is returned when starting a pool would exceed MaxPools.
	ErrPoolLimit = errors.New("scheduler: pool limit reached")
)

// Config controls pool construction.
type Config struct {
	// DefaultParallelism is used for pools created with parallelism <= 0.
	DefaultParallelism int
	// QueueCapacity pre-sizes each pool's queue.
	QueueCapacity int
	// MaxPools caps the number of live pools. Zero means no cap.
	MaxPools int
	Logger        *slog.Logger
}

// Scheduler starts and stops node worker pools. Pools are keyed by stream
// identifier and node id.
type Scheduler struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
	wg     sync.WaitGroup

	// inflight counts tasks enqueued but not yet processed, across pools.
	inflight atomic.Int64
}

// Pool is one node's queue and its workers.
type Pool struct {
	key         string
	queue       *taskqueue.InMemoryQueue
	parallelism int
	sched       *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a running Scheduler with no pools.
func New(cfg Config) *Scheduler {
	if cfg.DefaultParallelism <= 0 {
		cfg.DefaultParallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		pools:  make(map[string]*Pool),
	}
}

func poolKey(streamID, nodeID string) string {
	return streamID + "/" + nodeID
}

// Pool returns the pool for a node, starting it with parallelism workers
// that hand tasks to processor when it does not exist yet.
func (s *Scheduler) Pool(streamID, nodeID string, parallelism int, processor worker.Processor) (*Pool, error) {
	key := poolKey(streamID, nodeID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pools[key]; ok {
		return p, nil
	}
	if s.cfg.MaxPools > 0 && len(s.pools) >= s.cfg.MaxPools {
		return nil, ErrPoolLimit
	}
	if parallelism <= 0 {
		parallelism = s.cfg.DefaultParallelism
	}

	ctx, cancel := context.WithCancel(s.ctx)
	p := &Pool{
		key:         key,
		queue:       taskqueue.NewInMemoryQueue(s.cfg.QueueCapacity),
		parallelism: parallelism,
		sched:       s,
		ctx:         ctx,
		cancel:      cancel,
	}
	logger := s.cfg.Logger.With(slog.String("pool", key))

	s.wg.Add(parallelism)
	p.wg.Add(parallelism)
	for i := 0; i < parallelism; i++ {
		w := worker.New(processor, p.queue,
			worker.WithLogger(logger),
			worker.WithDoneHook(func() { s.inflight.Add(-1) }),
		)
		go func() {
			defer s.wg.Done()
			defer p.wg.Done()
			w.Run(p.ctx)
		}()
	}
	s.pools[key] = p
	return p, nil
}

// Len returns the number of live pools.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools)
}

// Lookup returns an existing pool.
func (s *Scheduler) Lookup(streamID, nodeID string) (*Pool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(streamID, nodeID)]
	return p, ok
}

// Remove stops a node's pool and waits for its workers to return. Tasks
// still queued are discarded. Removing an unknown pool is a no-op.
func (s *Scheduler) Remove(streamID, nodeID string) {
	s.mu.Lock()
	p, ok := s.pools[poolKey(streamID, nodeID)]
	if ok {
		delete(s.pools, p.key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.wg.Wait()
	s.inflight.Add(-int64(p.queue.Len()))
}

var _ taskqueue.Queue = (*Pool)(nil)

// Enqueue adds a task to the pool's queue and counts it as in flight. A task
// whose NotBefore lies in the future is held on a timer instead of occupying
// a worker.
func (p *Pool) Enqueue(ctx context.Context, task taskqueue.Task) error {
	s := p.sched
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	s.inflight.Add(1)
	if wait := time.Until(task.NotBefore); !task.NotBefore.IsZero() && wait > 0 {
		time.AfterFunc(wait, func() {
			if p.ctx.Err() != nil || p.queue.Enqueue(p.ctx, task) != nil {
				s.inflight.Add(-1)
			}
		})
		return nil
	}
	if err := p.queue.Enqueue(ctx, task); err != nil {
		s.inflight.Add(-1)
		return err
	}
	return nil
}

// Dequeue takes the next task from the pool's queue.
func (p *Pool) Dequeue(ctx context.Context) (*taskqueue.Task, error) {
	return p.queue.Dequeue(ctx)
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	return p.queue.Len()
}

// Parallelism returns the number of workers in the pool.
func (p *Pool) Parallelism() int {
	return p.parallelism
}

// InFlight returns the number of submitted tasks not yet processed.
func (s *Scheduler) InFlight() int64 {
	return s.inflight.Load()
}

// WaitIdle blocks until no task is queued or running, or ctx is done.
// Delayed flush tasks count as in flight until they run.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.inflight.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops every worker and waits for them to return. Tasks still queued
// are discarded; their contexts stay persisted at their last position.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
