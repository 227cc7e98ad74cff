package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// ErrBackupRunning is returned when a configuration already has a running backup.
var ErrBackupRunning = errors.New("backup already running")

// RunningBackup describes one backup in progress.
type RunningBackup struct {
	ConfigID  config.ConfigID `json:"config_id"`
	RunID     uuid.UUID       `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
}

type trackedBackup struct {
	RunningBackup
	cancel context.CancelCauseFunc
}

// BackupTracker tracks running backups by configuration id.
type BackupTracker struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	running map[config.ConfigID]*trackedBackup
}

// NewBackupTracker creates a new backup tracker.
func NewBackupTracker(logger zerolog.Logger) *BackupTracker {
	return &BackupTracker{
		logger:  logger.With().Str("component", "backup_tracker").Logger(),
		running: make(map[config.ConfigID]*trackedBackup),
	}
}

// Register records a backup of id as running and returns its run id.
// cancel is called with the abort cause by Cancel and CancelAll.
func (t *BackupTracker) Register(id config.ConfigID, cancel context.CancelCauseFunc) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.running[id]; ok {
		return uuid.Nil, fmt.Errorf("%w: %s (run %s)", ErrBackupRunning, id, existing.RunID)
	}

	runID := uuid.New()
	t.running[id] = &trackedBackup{
		RunningBackup: RunningBackup{ConfigID: id, RunID: runID, StartedAt: time.Now()},
		cancel:        cancel,
	}
	t.logger.Debug().Str("config_id", string(id)).Str("run_id", runID.String()).Msg("backup registered")
	return runID, nil
}

// Unregister removes the run from the running set. A stale run id is ignored.
func (t *BackupTracker) Unregister(id config.ConfigID, runID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.running[id]; ok && existing.RunID == runID {
		delete(t.running, id)
		t.logger.Debug().Str("config_id", string(id)).Str("run_id", runID.String()).Msg("backup unregistered")
	}
}

// Cancel stops the running backup of id with cause. It reports whether a
// backup was running.
func (t *BackupTracker) Cancel(id config.ConfigID, cause error) bool {
	t.mu.RLock()
	tracked, ok := t.running[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}

	t.logger.Info().Str("config_id", string(id)).Err(cause).Msg("cancelling backup")
	if tracked.cancel != nil {
		tracked.cancel(cause)
	}
	return true
}

// CancelAll stops every running backup with cause and returns how many were
// running.
func (t *BackupTracker) CancelAll(cause error) int {
	t.mu.RLock()
	cancels := make([]context.CancelCauseFunc, 0, len(t.running))
	for _, tracked := range t.running {
		cancels = append(cancels, tracked.cancel)
	}
	t.mu.RUnlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel(cause)
		}
	}
	return len(cancels)
}

// IsRunning checks if a backup of id is running.
func (t *BackupTracker) IsRunning(id config.ConfigID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, running := t.running[id]
	return running
}

// Running returns the running backups ordered by configuration id.
func (t *BackupTracker) Running() []RunningBackup {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunningBackup, 0, len(t.running))
	for _, tracked := range t.running {
		out = append(out, tracked.RunningBackup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

// RunningCount returns the number of currently running backups.
func (t *BackupTracker) RunningCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.running)
}
