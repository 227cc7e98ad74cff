// Package shutdown keeps the desktop process alive while work that must not
// be cut short is in progress, and lets it exit once quit has been requested
// and no such work remains.
package shutdown

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates no quit has been requested.
	StateRunning State = "running"
	// StateQuitPending indicates quit was requested while guards are held.
	StateQuitPending State = "quit_pending"
	// StateComplete indicates the process may exit.
	StateComplete State = "complete"
)

// Status represents the current shutdown status.
type Status struct {
	State          State           `json:"state"`
	Guards         int64           `json:"guards"`
	RunningBackups []RunningBackup `json:"running_backups"`
	Message        string          `json:"message,omitempty"`
}

// Registry counts outstanding guards. The process may exit only when quit
// has been requested and the count is zero.
type Registry struct {
	tracker *BackupTracker
	logger  zerolog.Logger

	count         atomic.Int64
	quitRequested atomic.Bool
	doneCh        chan struct{}
	doneOnce      sync.Once

	// idle waiters, closed when a release brings the count to zero
	idleMu  sync.Mutex
	idleChs []chan struct{}
}

// NewRegistry creates a new guard registry. tracker may be nil.
func NewRegistry(tracker *BackupTracker, logger zerolog.Logger) *Registry {
	return &Registry{
		tracker: tracker,
		logger:  logger.With().Str("component", "shutdown_registry").Logger(),
		doneCh:  make(chan struct{}),
	}
}

// Guard keeps the process alive until released.
type Guard struct {
	registry *Registry
	once     sync.Once
}

// Acquire increments the guard count. A guard taken after quit completed
// still counts; Idle reports when it has been released.
func (r *Registry) Acquire() *Guard {
	n := r.count.Add(1)
	r.logger.Debug().Int64("guards", n).Msg("guard acquired")
	if r.isFinished() {
		r.logger.Warn().Int64("guards", n).Msg("guard acquired after quit completed")
	}
	return &Guard{registry: r}
}

// Release decrements the guard count. Only the first call has an effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		r := g.registry
		n := r.count.Add(-1)
		r.logger.Debug().Int64("guards", n).Msg("guard released")
		if n < 0 {
			r.logger.Error().Int64("guards", n).Msg("guard count went negative")
		}
		if n == 0 {
			if r.quitRequested.Load() {
				r.finish()
			}
			r.notifyIdle()
		}
	})
}

// Do runs fn while holding a guard. The guard is released however fn ends.
func (r *Registry) Do(fn func() error) error {
	guard := r.Acquire()
	defer guard.Release()
	return fn()
}

// RequestQuit asks the process to exit. The request stays pending until the
// last guard is released.
func (r *Registry) RequestQuit() {
	if r.quitRequested.Swap(true) {
		return
	}
	n := r.count.Load()
	r.logger.Info().Int64("guards", n).Msg("quit requested")
	if n == 0 {
		r.finish()
	}
}

// QuitRequested reports whether RequestQuit has been called.
func (r *Registry) QuitRequested() bool {
	return r.quitRequested.Load()
}

func (r *Registry) finish() {
	r.doneOnce.Do(func() {
		r.logger.Info().Msg("no guards left, quitting")
		close(r.doneCh)
	})
}

func (r *Registry) isFinished() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}

// Idle returns a channel that is closed once no guard is held.
func (r *Registry) Idle() <-chan struct{} {
	ch := make(chan struct{})
	r.idleMu.Lock()
	defer r.idleMu.Unlock()
	if r.count.Load() == 0 {
		close(ch)
		return ch
	}
	r.idleChs = append(r.idleChs, ch)
	return ch
}

func (r *Registry) notifyIdle() {
	r.idleMu.Lock()
	defer r.idleMu.Unlock()
	if r.count.Load() != 0 {
		return
	}
	for _, ch := range r.idleChs {
		close(ch)
	}
	r.idleChs = nil
}

// Done returns a channel that is closed when the process may exit.
func (r *Registry) Done() <-chan struct{} {
	return r.doneCh
}

// Count returns the number of outstanding guards.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// GetState returns the current shutdown state.
func (r *Registry) GetState() State {
	if r.isFinished() && r.count.Load() == 0 {
		return StateComplete
	}
	if r.quitRequested.Load() {
		return StateQuitPending
	}
	return StateRunning
}

// GetStatus returns the current shutdown status.
func (r *Registry) GetStatus() Status {
	status := Status{
		State:          r.GetState(),
		Guards:         r.count.Load(),
		RunningBackups: []RunningBackup{},
	}
	if r.tracker != nil {
		status.RunningBackups = r.tracker.Running()
	}

	switch status.State {
	case StateRunning:
		status.Message = "Running normally"
	case StateQuitPending:
		status.Message = "Waiting for running operations before quitting"
	case StateComplete:
		status.Message = "Shutdown complete"
	}
	return status
}
