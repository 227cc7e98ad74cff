package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-desktop/internal/apperr"
	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/bridge"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/handler"
	"github.com/MacJediWizard/keldris-desktop/internal/health"
	"github.com/MacJediWizard/keldris-desktop/internal/history"
	"github.com/MacJediWizard/keldris-desktop/internal/mainloop"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
	"github.com/MacJediWizard/keldris-desktop/internal/shutdown"
	"github.com/MacJediWizard/keldris-desktop/internal/ui"
)

type recordingPresenter struct {
	mu       sync.Mutex
	messages []apperr.Message
}

func (p *recordingPresenter) ShowMessage(_ ui.Window, msg apperr.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPresenter) Messages() []apperr.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]apperr.Message(nil), p.messages...)
}

// blockingRunner waits for cancellation unless result is set.
type blockingRunner struct {
	started chan *backup.ResticConfig
	stats   *backup.BackupStats
	err     error
	block   bool
}

func (r *blockingRunner) Backup(ctx context.Context, cfg backup.ResticConfig, _, _, _ []string) (*backup.BackupStats, error) {
	if r.started != nil {
		r.started <- &cfg
	}
	if r.block {
		<-ctx.Done()
		return nil, backup.CauseOf(ctx)
	}
	return r.stats, r.err
}

type checkerFunc func(ctx context.Context, b *config.Backup) (*health.Report, error)

func (f checkerFunc) Check(ctx context.Context, b *config.Backup) (*health.Report, error) {
	return f(ctx, b)
}

type memoryHistory struct {
	mu   sync.Mutex
	runs []*history.Run
}

func (h *memoryHistory) Record(_ context.Context, run *history.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *memoryHistory) Runs() []*history.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*history.Run(nil), h.runs...)
}

type harness struct {
	engine    *Engine
	handler   *handler.Handler
	registry  *shutdown.Registry
	presenter *recordingPresenter
	history   *memoryHistory
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, runner Runner, checker Checker) *harness {
	t.Helper()
	logger := zerolog.Nop()

	loop := mainloop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Stopped()
	})

	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	presenter := &recordingPresenter{}
	h := handler.New(loop, presenter, m, logger)
	tracker := shutdown.NewBackupTracker(logger)
	b := bridge.New(logger)
	t.Cleanup(b.Close)

	backups := config.Backups{}
	require.NoError(t, backups.Insert(&config.Backup{
		ID:          "docs",
		Title:       "Documents",
		Repository:  "s3:bucket/docs",
		PasswordEnv: "KELDRIS_TEST_DOCS_PASSWORD",
		Paths:       []string{"/home/user/Documents"},
	}))

	hist := &memoryHistory{}
	eng := New(Options{
		Backups: backups,
		Handler: h,
		Bridge:  b,
		Tracker: tracker,
		Runner:  runner,
		Checker: checker,
		History: hist,
		Metrics: m,
	}, logger)

	return &harness{
		engine:    eng,
		handler:   h,
		registry:  shutdown.NewRegistry(tracker, logger),
		presenter: presenter,
		history:   hist,
		metrics:   m,
	}
}

func (h *harness) waitRouted(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.handler.Wait(ctx))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestEngine_Success(t *testing.T) {
	t.Setenv("KELDRIS_TEST_DOCS_PASSWORD", "hunter2")
	runner := &blockingRunner{
		started: make(chan *backup.ResticConfig, 1),
		stats:   &backup.BackupStats{SnapshotID: "abc123", FilesNew: 3, SizeBytes: 1024},
	}
	h := newHarness(t, runner, nil)

	due := &schedule.DueCause{Kind: schedule.DueRegular, ScheduledAt: time.Now()}
	h.engine.StartBackup("docs", due, h.registry.Acquire())

	cfg := receive(t, runner.started)
	assert.Equal(t, "s3:bucket/docs", cfg.Repository)
	assert.Equal(t, "hunter2", cfg.Password)

	h.waitRouted(t)
	assert.Empty(t, h.presenter.Messages())
	assert.Equal(t, int64(0), h.registry.Count())

	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusCompleted, runs[0].Status)
	assert.Equal(t, "abc123", runs[0].SnapshotID)
	assert.Equal(t, "regular", runs[0].DueKind)
}

func TestEngine_WarningsAreShown(t *testing.T) {
	runner := &blockingRunner{stats: &backup.BackupStats{SnapshotID: "abc123", Warning: "exit status 3: permission denied"}}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Backup “Documents” completed with warnings.", msgs[0].Text)
	assert.Equal(t, "backup-warnings-docs", msgs[0].NotificationID)

	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusCompleted, runs[0].Status)
	assert.Equal(t, "exit status 3: permission denied", runs[0].ErrorMessage)
}

// A user abort ends the run without anything being shown.
func TestEngine_UserAbortIsSilent(t *testing.T) {
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 1), block: true}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	receive(t, runner.started)

	assert.True(t, h.engine.Abort("docs", backup.AbortUser))
	h.waitRouted(t)

	assert.Empty(t, h.presenter.Messages())
	assert.Equal(t, int64(0), h.registry.Count())
	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusCanceled, runs[0].Status)
	assert.Equal(t, "manual", runs[0].DueKind)
}

// Any other abort reason is shown with the failure notification id.
func TestEngine_ShutdownAbortIsShown(t *testing.T) {
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 1), block: true}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	receive(t, runner.started)

	assert.Equal(t, 1, h.engine.AbortAll(backup.AbortShutdown))
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Backup “Documents” was aborted.", msgs[0].Text)
	assert.Equal(t, backup.AbortShutdown.String(), msgs[0].SecondaryText)
	assert.Equal(t, "backup-failed-docs", msgs[0].NotificationID)
	assert.Equal(t, history.StatusAborted, h.history.Runs()[0].Status)
}

func TestEngine_UnknownConfiguration(t *testing.T) {
	h := newHarness(t, &blockingRunner{}, nil)

	h.engine.StartBackup("missing", nil, h.registry.Acquire())
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Could not find backup configuration with id “missing”.", msgs[0].Text)
	assert.Empty(t, h.history.Runs())
	assert.Equal(t, int64(0), h.registry.Count())
}

func TestEngine_Failure(t *testing.T) {
	runner := &blockingRunner{err: backup.Failed("backup", backup.ErrWrongPassword)}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Backup “Documents” failed.", msgs[0].Text)
	assert.Contains(t, msgs[0].SecondaryText, "wrong repository password")

	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusFailed, runs[0].Status)
}

func TestEngine_PreflightFailureSkipsRestic(t *testing.T) {
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 1)}
	checker := checkerFunc(func(context.Context, *config.Backup) (*health.Report, error) {
		return nil, backup.Preflight(health.ErrInsufficientSpace)
	})
	h := newHarness(t, runner, checker)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	h.waitRouted(t)

	assert.Empty(t, runner.started)
	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].SecondaryText, "insufficient free space")
}

// Aborting while the preflight runs is still a user abort.
func TestEngine_UserAbortDuringPreflight(t *testing.T) {
	checking := make(chan struct{})
	checker := checkerFunc(func(ctx context.Context, _ *config.Backup) (*health.Report, error) {
		close(checking)
		<-ctx.Done()
		return nil, backup.Preflight(fmt.Errorf("restic version: %w", ctx.Err()))
	})
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 1)}
	h := newHarness(t, runner, checker)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	receive(t, (<-chan struct{})(checking))

	assert.True(t, h.engine.Abort("docs", backup.AbortUser))
	h.waitRouted(t)

	assert.Empty(t, h.presenter.Messages())
	assert.Empty(t, runner.started)
	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusCanceled, runs[0].Status)
	assert.Equal(t, int64(0), h.registry.Count())
}

func TestEngine_BusyConfiguration(t *testing.T) {
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 2), block: true}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	receive(t, runner.started)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	require.Eventually(t, func() bool {
		return len(h.presenter.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.presenter.Messages()[0].SecondaryText, "already running")
	assert.Equal(t, int64(1), h.registry.Count())

	h.engine.Abort("docs", backup.AbortUser)
	h.waitRouted(t)
	assert.Equal(t, int64(0), h.registry.Count())
	assert.Len(t, h.presenter.Messages(), 1)
}

// The guard keeps a pending quit waiting until the run ends.
func TestEngine_GuardHoldsQuit(t *testing.T) {
	runner := &blockingRunner{started: make(chan *backup.ResticConfig, 1), block: true}
	h := newHarness(t, runner, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	receive(t, runner.started)

	h.registry.RequestQuit()
	select {
	case <-h.registry.Done():
		t.Fatal("quit completed while a backup was running")
	case <-time.After(50 * time.Millisecond):
	}

	h.engine.Abort("docs", backup.AbortUser)
	receive(t, h.registry.Done())
}

func TestEngine_AbortWithoutRun(t *testing.T) {
	h := newHarness(t, &blockingRunner{}, nil)
	assert.False(t, h.engine.Abort("docs", backup.AbortUser))
	assert.Equal(t, 0, h.engine.AbortAll(backup.AbortShutdown))
}

func TestEngine_ClosedBridge(t *testing.T) {
	runner := &blockingRunner{}
	h := newHarness(t, runner, nil)
	h.engine.bridge.Close()

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].SecondaryText, bridge.ErrSpawn.Error())
}

type panickingRunner struct{}

func (panickingRunner) Backup(context.Context, backup.ResticConfig, []string, []string, []string) (*backup.BackupStats, error) {
	panic("restic wrapper crashed")
}

func TestEngine_WorkerPanic(t *testing.T) {
	h := newHarness(t, panickingRunner{}, nil)

	h.engine.StartBackup("docs", nil, h.registry.Acquire())
	h.waitRouted(t)

	msgs := h.presenter.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Backup “Documents” failed.", msgs[0].Text)
	assert.Equal(t, bridge.PanickedText, msgs[0].SecondaryText)

	runs := h.history.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusFailed, runs[0].Status)
	assert.Equal(t, bridge.ErrThreadPanicked.Error(), runs[0].ErrorMessage)
}
