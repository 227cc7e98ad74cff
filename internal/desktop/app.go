// Package desktop wires the desktop process together and runs it until quit.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/apperr"
	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/bridge"
	"github.com/MacJediWizard/keldris-desktop/internal/command"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/engine"
	"github.com/MacJediWizard/keldris-desktop/internal/handler"
	"github.com/MacJediWizard/keldris-desktop/internal/health"
	"github.com/MacJediWizard/keldris-desktop/internal/history"
	"github.com/MacJediWizard/keldris-desktop/internal/ipc"
	"github.com/MacJediWizard/keldris-desktop/internal/mainloop"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/shutdown"
	"github.com/MacJediWizard/keldris-desktop/internal/ui"
)

// InitFailedText is shown when the remote surface cannot be started.
const InitFailedText = "Failed to spawn interface for scheduled backups."

// drainTimeout bounds the time spent routing final results and closing the
// socket after quit has completed.
const drainTimeout = 10 * time.Second

// Options overrides collaborators of the App. Zero fields get defaults.
type Options struct {
	Surface  ui.Surface
	Notifier ui.Notifier
	Runner   engine.Runner
	Checker  engine.Checker
}

// App holds the process-scoped state of the desktop runtime.
type App struct {
	cfg    *config.DesktopConfig
	logger zerolog.Logger

	loop      *mainloop.Loop
	registry  *shutdown.Registry
	tracker   *shutdown.BackupTracker
	bridge    *bridge.Bridge
	surface   ui.Surface
	handler   *handler.Handler
	metrics   *metrics.Metrics
	history   *history.SQLiteStore
	preflight *health.Preflight
	engine    *engine.Engine
	session   *ipc.Session
}

// New builds an App from cfg. Nothing runs until Run is called.
func New(cfg *config.DesktopConfig, opts Options, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	backups, err := cfg.BackupSet()
	if err != nil {
		return nil, fmt.Errorf("load backups: %w", err)
	}

	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	store, err := history.NewSQLiteStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger.With().Str("component", "app").Logger(),
		loop:      mainloop.New(logger),
		tracker:   shutdown.NewBackupTracker(logger),
		bridge:    bridge.New(logger),
		metrics:   m,
		history:   store,
		preflight: health.NewPreflight(cfg.ResticBinary, cfg.MinFreeBytes, logger),
	}
	a.registry = shutdown.NewRegistry(a.tracker, logger)

	a.surface = opts.Surface
	if a.surface == nil {
		a.surface = ui.NewHeadlessSurface(logger)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifierFor(cfg.Notifications, logger)
	}
	presenter := ui.NewPresenter(a.surface, notifier, logger)
	a.handler = handler.New(a.loop, presenter, m, logger)

	runner := opts.Runner
	if runner == nil {
		runner = backup.NewResticWithBinary(cfg.ResticBinary, logger)
	}
	var checker engine.Checker = a.preflight
	if opts.Checker != nil {
		checker = opts.Checker
	}
	a.engine = engine.New(engine.Options{
		Backups: backups,
		Handler: a.handler,
		Bridge:  a.bridge,
		Tracker: a.tracker,
		Runner:  runner,
		Checker: checker,
		History: store,
		Metrics: m,
	}, logger)

	a.session = ipc.NewSession(ipc.SessionConfig{
		SocketPath: cfg.SocketPath,
		Listener:   a.listen,
		Status:     a,
		Aborter:    a,
		Metrics:    m,
	}, logger)

	return a, nil
}

// notifierFor builds the configured passive notifiers. It returns nil when
// none are enabled.
func notifierFor(cfg config.NotificationConfig, logger zerolog.Logger) ui.Notifier {
	var notifiers ui.MultiNotifier
	if cfg.Desktop {
		notifiers = append(notifiers, ui.NewDesktopNotifier(logger))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, ui.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

// listen starts the dispatcher for a newly created command queue.
func (a *App) listen(queue *command.Queue) (func(), error) {
	d := command.NewDispatcher(queue, a.loop, a.registry, a.engine, a.surface, a.metrics, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("command dispatcher stopped")
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// Engine returns the backup engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// AbortBackup aborts the running backup of id on behalf of the user. The
// canceled run is recorded but not presented.
func (a *App) AbortBackup(id config.ConfigID) bool {
	return a.engine.Abort(id, backup.AbortUser)
}

// Registry returns the quit registry.
func (a *App) Registry() *shutdown.Registry {
	return a.registry
}

// Init creates the remote surface. A failure is presented, not returned.
func (a *App) Init(ctx context.Context) {
	if _, err := a.session.Connection(ctx); err != nil {
		a.logger.Error().Err(err).Str("socket", a.cfg.SocketPath).Msg("failed to start command listener")
		a.handler.Handle(apperr.ErrToMsg(err, InitFailedText))
		return
	}
	a.logger.Info().Str("socket", a.cfg.SocketPath).Msg("listening for commands")
}

// Quit asks the process to exit once no guard is held.
func (a *App) Quit() {
	a.registry.RequestQuit()
}

// interrupt handles a termination request. The first one asks to quit, any
// later one also aborts running backups.
func (a *App) interrupt() {
	if !a.registry.QuitRequested() {
		a.logger.Info().Int("running", a.tracker.RunningCount()).Msg("quit requested")
		a.registry.RequestQuit()
		return
	}

	n := a.engine.AbortAll(backup.AbortShutdown)
	a.logger.Warn().Int("aborted", n).Msg("aborting running backups")
}

// Run starts the main loop and the remote surface and blocks until quit has
// completed. Canceling ctx counts as one termination request.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	loopErr := make(chan error, 1)
	go func() { loopErr <- a.loop.Run(loopCtx) }()

	a.Init(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	canceled := ctx.Done()
	if err := a.await(a.registry.Done(), sigCh, &canceled, loopErr); err != nil {
		return err
	}

	// Commands racing quit may still hold guards. Stop taking commands, then
	// wait for those to be released too.
	a.logger.Info().Msg("quit complete, closing command listener")
	closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	sessionErr := a.session.Close(closeCtx)
	cancel()
	if n := a.registry.Count(); n > 0 {
		a.logger.Warn().Int64("guards", n).Msg("waiting for guards taken after quit")
		if err := a.await(a.registry.Idle(), sigCh, &canceled, loopErr); err != nil {
			return err
		}
	}

	a.logger.Info().Msg("shutting down")
	return a.shutdown(stopLoop, loopErr, sessionErr)
}

// await blocks until ready is closed, treating signals and the end of
// *canceled as termination requests.
func (a *App) await(ready <-chan struct{}, sigCh <-chan os.Signal, canceled *<-chan struct{}, loopErr <-chan error) error {
	for {
		select {
		case <-ready:
			return nil
		case sig := <-sigCh:
			a.logger.Info().Str("signal", sig.String()).Msg("received signal")
			a.interrupt()
		case <-*canceled:
			*canceled = nil
			a.interrupt()
		case err := <-loopErr:
			return fmt.Errorf("main loop: %w", err)
		}
	}
}

func (a *App) shutdown(stopLoop context.CancelFunc, loopErr <-chan error, sessionErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if sessionErr != nil {
		errs = append(errs, fmt.Errorf("close command listener: %w", sessionErr))
	}
	a.bridge.Close()
	if err := a.handler.Wait(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("results still pending at exit")
	}

	stopLoop()
	if err := <-loopErr; err != nil {
		errs = append(errs, fmt.Errorf("main loop: %w", err))
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}

// StatusReport is returned by GET /v1/status.
type StatusReport struct {
	Shutdown   shutdown.Status        `json:"shutdown"`
	Recent     []*history.Run         `json:"recent_runs"`
	RunCounts  map[history.Status]int `json:"run_counts"`
	Host       *health.HostState      `json:"host"`
	Configured []config.ConfigID      `json:"configured"`
}

// Status reports the state of the process.
func (a *App) Status(ctx context.Context) (any, error) {
	recent, err := a.history.Recent(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	counts, err := a.history.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	ids := make([]config.ConfigID, 0, len(a.cfg.Backups))
	for _, b := range a.cfg.Backups {
		ids = append(ids, b.ID)
	}

	a.metrics.SetGuards(a.registry.Count())
	a.metrics.SetBridgeWorkers(a.bridge.Outstanding())

	return &StatusReport{
		Shutdown:   a.registry.GetStatus(),
		Recent:     recent,
		RunCounts:  counts,
		Host:       a.preflight.Collect(ctx, a.cfg.DataDir),
		Configured: ids,
	}, nil
}
