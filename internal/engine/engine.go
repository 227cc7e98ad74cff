// Package engine starts configured backups for the desktop process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/apperr"
	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/bridge"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/handler"
	"github.com/MacJediWizard/keldris-desktop/internal/health"
	"github.com/MacJediWizard/keldris-desktop/internal/history"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
	"github.com/MacJediWizard/keldris-desktop/internal/shutdown"
	"github.com/MacJediWizard/keldris-desktop/internal/ui"
)

// Runner performs the backup itself.
type Runner interface {
	Backup(ctx context.Context, cfg backup.ResticConfig, paths, excludes, tags []string) (*backup.BackupStats, error)
}

// Checker verifies a backup can start.
type Checker interface {
	Check(ctx context.Context, b *config.Backup) (*health.Report, error)
}

// Recorder stores finished runs.
type Recorder interface {
	Record(ctx context.Context, run *history.Run) error
}

// Options configures an Engine. Checker, History and Metrics may be nil.
type Options struct {
	Backups config.Backups
	Handler *handler.Handler
	Bridge  *bridge.Bridge
	Tracker *shutdown.BackupTracker
	Runner  Runner
	Checker Checker
	History Recorder
	Metrics *metrics.Metrics
}

// Engine runs backups as handler tasks. Each run holds the guard it was
// started with until it has finished.
type Engine struct {
	backups config.Backups
	handler *handler.Handler
	bridge  *bridge.Bridge
	tracker *shutdown.BackupTracker
	runner  Runner
	checker Checker
	history Recorder
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an engine.
func New(opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		backups: opts.Backups,
		handler: opts.Handler,
		bridge:  opts.Bridge,
		tracker: opts.Tracker,
		runner:  opts.Runner,
		checker: opts.Checker,
		history: opts.History,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "engine").Logger(),
	}
}

// StartBackup starts a backup of id and returns immediately. The guard is
// released once the run has ended, whatever its outcome.
func (e *Engine) StartBackup(id config.ConfigID, due *schedule.DueCause, guard *shutdown.Guard) {
	e.handler.Run(context.Background(), "backup "+string(id), func(ctx context.Context) error {
		defer guard.Release()
		return e.run(ctx, id, due)
	})
}

// Abort cancels the running backup of id. It reports whether one was running.
func (e *Engine) Abort(id config.ConfigID, reason backup.AbortReason) bool {
	return e.tracker.Cancel(id, backup.Aborted(reason))
}

// AbortAll cancels every running backup and returns how many were running.
func (e *Engine) AbortAll(reason backup.AbortReason) int {
	return e.tracker.CancelAll(backup.Aborted(reason))
}

func (e *Engine) run(ctx context.Context, id config.ConfigID, due *schedule.DueCause) error {
	b, err := e.backups.Get(id)
	if err != nil {
		e.logger.Warn().Str("config_id", string(id)).Err(err).Msg("backup requested for unknown configuration")
		return apperr.FromConfig(err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	runID, err := e.tracker.Register(id, cancel)
	if err != nil {
		return e.failure(b, backup.Busy(string(id)))
	}
	defer e.tracker.Unregister(id, runID)

	e.logger.Info().
		Str("config_id", string(id)).
		Str("run_id", runID.String()).
		Str("due", dueText(due)).
		Msg("backup started")

	run := &history.Run{
		ID:        runID,
		ConfigID:  id,
		DueKind:   dueKind(due),
		StartedAt: time.Now(),
	}

	stats, err := e.execute(runCtx, b)
	run.FinishedAt = time.Now()
	e.finish(ctx, run, stats, err)

	if err != nil {
		return e.failure(b, err)
	}
	if stats != nil && stats.Warning != "" {
		return apperr.FromMessage(apperr.NewMessageWithNotification(
			fmt.Sprintf("Backup “%s” completed with warnings.", b.DisplayName()),
			stats.Warning,
			ui.BackupWarningsNote(b.ID),
		))
	}
	return nil
}

// execute runs preflight and restic on a bridge worker. The wait ignores
// cancellation so the worker's own abort result is what gets reported.
func (e *Engine) execute(ctx context.Context, b *config.Backup) (*backup.BackupStats, error) {
	defer e.metrics.SetBridgeWorkers(e.bridge.Outstanding())

	pending, err := bridge.Spawn(e.bridge, "backup "+string(b.ID), func() (*backup.BackupStats, error) {
		if e.checker != nil {
			if _, err := e.checker.Check(ctx, b); err != nil {
				if abort := backup.CauseOf(ctx); abort != nil {
					return nil, abort
				}
				return nil, err
			}
		}
		if abort := backup.CauseOf(ctx); abort != nil {
			return nil, abort
		}
		return e.runner.Backup(ctx, resticConfig(b), b.Paths, b.Excludes, b.Tags)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.SetBridgeWorkers(e.bridge.Outstanding())
	return pending.Wait(context.WithoutCancel(ctx))
}

func (e *Engine) finish(ctx context.Context, run *history.Run, stats *backup.BackupStats, err error) {
	switch {
	case err == nil:
		run.Status = history.StatusCompleted
		if stats != nil {
			run.SnapshotID = stats.SnapshotID
			run.FilesNew = stats.FilesNew
			run.FilesChanged = stats.FilesChanged
			run.SizeBytes = stats.SizeBytes
			run.ErrorMessage = stats.Warning
		}
	case backup.IsUserAborted(err):
		run.Status = history.StatusCanceled
	case isAbort(err):
		run.Status = history.StatusAborted
		run.ErrorMessage = err.Error()
	default:
		run.Status = history.StatusFailed
		run.ErrorMessage = err.Error()
	}

	e.metrics.RecordBackup(string(run.Status))
	e.metrics.RecordBackupDuration(string(run.ConfigID), run.Duration().Seconds())

	event := e.logger.Info()
	if run.Status == history.StatusFailed || run.Status == history.StatusAborted {
		event = e.logger.Error().Err(err)
	}
	event.
		Str("config_id", string(run.ConfigID)).
		Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).
		Dur("duration", run.Duration()).
		Msg("backup finished")

	if e.history == nil {
		return
	}
	if err := e.history.Record(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to record backup run")
	}
}

// failure converts an engine error into what the handler presents. A user
// abort becomes a silent cancellation.
func (e *Engine) failure(b *config.Backup, err error) error {
	text := fmt.Sprintf("Backup “%s” failed.", b.DisplayName())
	if isAbort(err) {
		text = fmt.Sprintf("Backup “%s” was aborted.", b.DisplayName())
	}
	if errors.Is(err, bridge.ErrThreadPanicked) {
		return apperr.FromMessage(apperr.NewMessageWithNotification(text, bridge.PanickedText, ui.BackupFailedNote(b.ID)))
	}
	return apperr.IntoMessageWithNotification(apperr.FromEngine(err), text, ui.BackupFailedNote(b.ID))
}

func isAbort(err error) bool {
	var e *backup.Error
	return errors.As(err, &e) && e.Kind == backup.KindAborted
}

func resticConfig(b *config.Backup) backup.ResticConfig {
	cfg := backup.ResticConfig{Repository: b.Repository, Env: b.Env}
	if b.PasswordEnv != "" {
		cfg.Password = os.Getenv(b.PasswordEnv)
	}
	return cfg
}

func dueKind(due *schedule.DueCause) string {
	if due == nil {
		return "manual"
	}
	return string(due.Kind)
}

func dueText(due *schedule.DueCause) string {
	if due == nil {
		return "manual"
	}
	return due.String()
}
