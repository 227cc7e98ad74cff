package command

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/mainloop"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
	"github.com/MacJediWizard/keldris-desktop/internal/shutdown"
)

// BackupStarter starts backups. It owns guard and releases it when the
// backup operation has concluded, however it ends. StartBackup is called on
// the main loop and must not block; long work is spawned.
type BackupStarter interface {
	StartBackup(id config.ConfigID, due *schedule.DueCause, guard *shutdown.Guard)
}

// Views shows parts of the interface.
type Views interface {
	ShowOverview()
	ShowSchedule(id config.ConfigID)
}

// Dispatcher drains a Queue and executes each command on the main loop.
type Dispatcher struct {
	queue    *Queue
	loop     *mainloop.Loop
	registry *shutdown.Registry
	starter  BackupStarter
	views    Views
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(queue *Queue, loop *mainloop.Loop, registry *shutdown.Registry, starter BackupStarter, views Views, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		loop:     loop,
		registry: registry,
		starter:  starter,
		views:    views,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run dispatches commands until ctx ends or the queue is closed. Each
// command is handled on the main loop before the next one is taken. The
// queue is closed on return.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.queue.Close()
	d.logger.Debug().Msg("dispatcher started")

	for {
		cmd, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				d.logger.Debug().Int("dropped", d.queue.Len()).Msg("dispatcher stopped")
				return nil
			}
			return err
		}

		if err := d.loop.Invoke(ctx, func() { d.handle(cmd) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (d *Dispatcher) handle(cmd Command) {
	d.metrics.RecordCommand(cmd.Name())
	logger := d.logger.With().Str("command", cmd.Name()).Logger()

	switch c := cmd.(type) {
	case StartBackup:
		logger.Info().Str("config_id", string(c.ConfigID)).Bool("scheduled", c.DueCause != nil).Msg("received command")
		d.startBackup(c)
	case ShowOverview:
		logger.Info().Msg("received command")
		d.views.ShowOverview()
	case ShowSchedule:
		logger.Info().Str("config_id", string(c.ConfigID)).Msg("received command")
		d.views.ShowSchedule(c.ConfigID)
	default:
		logger.Error().Msg("unknown command")
	}
}

func (d *Dispatcher) startBackup(c StartBackup) {
	guard := d.registry.Acquire()
	d.metrics.SetGuards(d.registry.Count())

	handedOff := false
	defer func() {
		if !handedOff {
			guard.Release()
		}
	}()

	d.starter.StartBackup(c.ConfigID, c.DueCause, guard)
	handedOff = true
}
