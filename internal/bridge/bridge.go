// Package bridge runs blocking work on dedicated OS threads and hands the
// result back to a cooperative caller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PanickedText is the sentence shown to the user for ErrThreadPanicked.
const PanickedText = "The operation terminated unexpectedly."

var (
	// ErrSpawn is returned when no worker could be started.
	ErrSpawn = errors.New("failed to spawn worker thread")

	// ErrThreadPanicked is returned when a worker ended without producing a result.
	ErrThreadPanicked = errors.New("worker terminated without a result")
)

// Bridge starts one worker per call. There is no pool.
type Bridge struct {
	logger      zerolog.Logger
	mu          sync.RWMutex
	closed      bool
	outstanding atomic.Int64
}

// New creates a bridge.
func New(logger zerolog.Logger) *Bridge {
	return &Bridge{
		logger: logger.With().Str("component", "bridge").Logger(),
	}
}

// Close stops accepting new work. Workers already running finish normally.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Outstanding returns the number of workers that have not finished.
func (b *Bridge) Outstanding() int64 {
	return b.outstanding.Load()
}

// Pending is the handle to a running worker.
type Pending[T any] struct {
	name      string
	logger    zerolog.Logger
	done      chan struct{}
	value     T
	err       error
	abandoned atomic.Bool
}

// Spawn starts work on a goroutine locked to its own OS thread.
func Spawn[T any](b *Bridge, name string, work func() (T, error)) (*Pending[T], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("%w: %s: bridge closed", ErrSpawn, name)
	}

	p := &Pending[T]{
		name:   name,
		logger: b.logger.With().Str("worker", name).Logger(),
		done:   make(chan struct{}),
	}
	b.outstanding.Add(1)
	go p.run(b, work)
	return p, nil
}

func (p *Pending[T]) run(b *Bridge, work func() (T, error)) {
	// The thread is never unlocked, so the runtime retires it with the goroutine.
	runtime.LockOSThread()

	completed := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("worker panicked")
		}
		if !completed {
			var zero T
			p.value, p.err = zero, ErrThreadPanicked
		}
		b.outstanding.Add(-1)
		close(p.done)
		if p.abandoned.Load() {
			p.logger.Debug().Err(p.err).Msg("discarding result of abandoned worker")
		}
	}()

	p.value, p.err = work()
	completed = true
}

// Wait blocks until the worker finishes or ctx ends. Once the worker has
// finished every call returns the same outcome. If ctx ends first the worker
// keeps running and ctx.Err() is returned.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		p.abandoned.Store(true)
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the worker has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Run spawns work and waits for its result.
func Run[T any](ctx context.Context, b *Bridge, name string, work func() (T, error)) (T, error) {
	p, err := Spawn(b, name, work)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Wait(ctx)
}
