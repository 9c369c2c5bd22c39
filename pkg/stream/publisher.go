// Package stream provides the push-based Emitter/Publisher primitive that
// connects graph nodes to each other and external producers to a graph.
//
// A Publisher delivers items to every registered Listener synchronously on
// the emitting goroutine. Three variants exist:
//
//   - NewPublisher: direct delivery. Items emitted while no listener is
//     registered are dropped and counted.
//   - NewBoundedEmitter: collects up to a fixed number of items. Start
//     replays them to the registered listeners and then completes the
//     emitter automatically. Suited to finite batch sources.
//   - NewStreamEmitter: buffers without bound until Start, then delivers
//     live until Complete or Fail. Suited to continuous external feeds such
//     as incremental model output.
//
// An emitter started before any listener registered keeps its buffer and
// replays it to the first listener that registers.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when emitting into a completed or failed publisher.
	ErrClosed = errors.New("stream: publisher closed")

	// ErrBufferFull is returned by a bounded emitter that reached capacity.
	ErrBufferFull = errors.New("stream: buffer full")
)

// Item is one emitted value tagged with a correlation token.
type Item[T any] struct {
	Data  T
	Token string
}

// Listener receives items and end-of-stream signals from a Publisher.
type Listener[T any] interface {
	OnNext(ctx context.Context, item Item[T])
	OnComplete(ctx context.Context)
	OnError(ctx context.Context, err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs[T any] struct {
	Next     func(ctx context.Context, item Item[T])
	Complete func(ctx context.Context)
	Error    func(ctx context.Context, err error)
}

func (l ListenerFuncs[T]) OnNext(ctx context.Context, item Item[T]) {
	if l.Next != nil {
		l.Next(ctx, item)
	}
}

func (l ListenerFuncs[T]) OnComplete(ctx context.Context) {
	if l.Complete != nil {
		l.Complete(ctx)
	}
}

func (l ListenerFuncs[T]) OnError(ctx context.Context, err error) {
	if l.Error != nil {
		l.Error(ctx, err)
	}
}

type mode int

const (
	modeDirect mode = iota
	modeBounded
	modeStream
)

// Publisher is the Emitter/Publisher primitive. It is safe for concurrent use.
type Publisher[T any] struct {
	mode     mode
	capacity int

	mu        sync.Mutex
	listeners []Listener[T]
	buffer    []Item[T]
	started   bool
	token     string // retags untagged buffered items on replay
	replaying bool
	closed    bool
	draining  bool // bounded: no more items are accepted
	ending    bool // terminal signal waits for the replay in progress
	err       error

	dropped atomic.Int64
}

// NewPublisher returns a direct publisher.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{mode: modeDirect}
}

// NewBoundedEmitter returns an emitter that buffers at most capacity items
// until Start, replays them and completes. capacity <= 0 means 1024.
func NewBoundedEmitter[T any](capacity int) *Publisher[T] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Publisher[T]{mode: modeBounded, capacity: capacity}
}

// NewStreamEmitter returns an unbounded emitter that buffers until Start and
// stays open until Complete or Fail.
func NewStreamEmitter[T any]() *Publisher[T] {
	return &Publisher[T]{mode: modeStream}
}

// Register adds a listener. A listener registered after the publisher
// closed immediately receives the terminal signal. The first listener of a
// started emitter receives the items buffered so far.
func (p *Publisher[T]) Register(l Listener[T]) {
	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		if err != nil {
			l.OnError(context.Background(), err)
		} else {
			l.OnComplete(context.Background())
		}
		return
	}
	p.listeners = append(p.listeners, l)
	replay := p.mode != modeDirect && p.started && !p.replaying && len(p.listeners) == 1
	if replay {
		p.replaying = true
	}
	p.mu.Unlock()

	if replay {
		p.replay(context.Background())
	}
}

// Emit delivers data without a correlation token.
func (p *Publisher[T]) Emit(ctx context.Context, data T) error {
	return p.EmitToken(ctx, data, "")
}

// EmitToken delivers one item tagged with token.
func (p *Publisher[T]) EmitToken(ctx context.Context, data T, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := Item[T]{Data: data, Token: token}

	p.mu.Lock()
	if p.closed || p.draining || p.ending {
		p.mu.Unlock()
		return ErrClosed
	}
	switch p.mode {
	case modeBounded:
		if !p.started {
			if len(p.buffer) >= p.capacity {
				p.mu.Unlock()
				return ErrBufferFull
			}
			p.buffer = append(p.buffer, item)
			p.mu.Unlock()
			return nil
		}
	case modeStream:
		if !p.started || p.replaying || len(p.listeners) == 0 {
			p.buffer = append(p.buffer, item)
			p.mu.Unlock()
			return nil
		}
	case modeDirect:
		if len(p.listeners) == 0 {
			p.mu.Unlock()
			p.dropped.Add(1)
			return nil
		}
	}
	listeners := p.snapshot()
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnNext(ctx, item)
	}
	return nil
}

// Start replays buffered items to the registered listeners. A non-empty
// token retags buffered items that were emitted without one. A bounded
// emitter completes once the replay is done. Without listeners the buffer
// is kept for the first one to register.
func (p *Publisher[T]) Start(ctx context.Context, token string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.token = token
	if p.mode == modeBounded {
		p.draining = true
	}
	if len(p.listeners) == 0 || p.mode == modeDirect {
		p.mu.Unlock()
		return nil
	}
	p.replaying = true
	p.mu.Unlock()

	p.replay(ctx)
	return nil
}

// replay delivers the buffer to the current listeners until it is empty.
// Stream items emitted meanwhile queue up behind it, and a terminal signal
// raised meanwhile is delivered after it.
func (p *Publisher[T]) replay(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.buffer) == 0 {
			p.replaying = false
			ending, err := p.ending, p.err
			p.mu.Unlock()
			switch {
			case ending:
				p.terminate(ctx, err)
			case p.mode == modeBounded:
				p.Complete(ctx)
			}
			return
		}
		buffered := p.buffer
		p.buffer = nil
		listeners := p.snapshot()
		token := p.token
		p.mu.Unlock()

		for _, item := range buffered {
			if item.Token == "" {
				item.Token = token
			}
			for _, l := range listeners {
				l.OnNext(ctx, item)
			}
		}
	}
}

// Complete signals end of stream. It is idempotent.
func (p *Publisher[T]) Complete(ctx context.Context) {
	p.terminate(ctx, nil)
}

// Fail signals end of stream with an error. It is idempotent.
func (p *Publisher[T]) Fail(ctx context.Context, err error) {
	if err == nil {
		err = errors.New("stream: failed")
	}
	p.terminate(ctx, err)
}

func (p *Publisher[T]) terminate(ctx context.Context, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.mode == modeBounded && !p.started && err == nil {
		p.draining = true
		p.mu.Unlock()
		return
	}
	if p.replaying {
		p.ending = true
		p.err = err
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.err = err
	listeners := p.snapshot()
	p.mu.Unlock()

	for _, l := range listeners {
		if err != nil {
			l.OnError(ctx, err)
		} else {
			l.OnComplete(ctx)
		}
	}
}

// Closed reports whether Complete or Fail was called.
func (p *Publisher[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Err returns the error passed to Fail, if any.
func (p *Publisher[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Buffered returns the number of items waiting for Start or for a listener.
func (p *Publisher[T]) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Dropped returns how many items a direct publisher discarded for lack of
// listeners.
func (p *Publisher[T]) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher[T]) snapshot() []Listener[T] {
	out := make([]Listener[T], len(p.listeners))
	copy(out, p.listeners)
	return out
}
