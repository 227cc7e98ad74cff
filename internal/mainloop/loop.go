// Package mainloop provides the single cooperative scheduler on which all
// presentation and error routing runs.
package mainloop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyRunning is returned by Run when the loop is already running.
	ErrAlreadyRunning = errors.New("main loop already running")

	// ErrStopped is returned by Invoke when the loop is no longer running.
	ErrStopped = errors.New("main loop stopped")
)

// Loop runs posted functions one at a time, in posting order, on the
// goroutine that called Run.
type Loop struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}

	running atomic.Bool
	stopped chan struct{}
	stop    sync.Once

	executed atomic.Uint64
	panicked atomic.Uint64
}

// New creates a loop. Functions may be posted before Run is called.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger:  logger.With().Str("component", "mainloop").Logger(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Post schedules fn on the loop. It never blocks. It returns false, and
// fn will never run, once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Invoke runs fn on the loop and waits for it to return. It must not be
// called from the loop itself.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}

	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// fn may have run just before the loop stopped.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run executes posted functions until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.stop.Do(l.close)

	l.logger.Debug().Msg("main loop started")
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.execute(fn)
			if ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Debug().
				Uint64("executed", l.executed.Load()).
				Int("dropped", l.Len()).
				Msg("main loop stopped")
			return nil
		case <-l.wake:
		}
	}
}

// close refuses further posts and drops whatever is still pending.
func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
	close(l.stopped)
}

// Stopped is closed when Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Len returns the number of functions waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn, true
}

// execute runs fn, keeping the loop alive if it panics.
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic in main loop function")
		}
	}()
	fn()
	l.executed.Add(1)
}
