// Package handler runs asynchronous tasks and routes every failure to the
// user, except cancellations the user asked for.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/apperr"
	"github.com/MacJediWizard/keldris-desktop/internal/mainloop"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/ui"
)

// TerminatedText is shown when a task ended by panicking.
const TerminatedText = "The operation terminated unexpectedly."

// Presenter shows a message anchored to a window.
type Presenter interface {
	ShowMessage(window ui.Window, msg apperr.Message)
}

// Task is a unit of asynchronous work.
type Task func(ctx context.Context) error

// Outcome is what routing did with a result.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuppressed
	OutcomeShown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeShown:
		return "shown"
	default:
		return "none"
	}
}

// Handler spawns tasks and routes their results on the main loop.
type Handler struct {
	core   *core
	window ui.Window
}

type core struct {
	loop      *mainloop.Loop
	presenter Presenter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	inflight  sync.WaitGroup
}

// New creates a handler anchored to the main window. m may be nil.
func New(loop *mainloop.Loop, presenter Presenter, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		core: &core{
			loop:      loop,
			presenter: presenter,
			metrics:   m,
			logger:    logger.With().Str("component", "handler").Logger(),
		},
		window: ui.MainWindow,
	}
}

// ErrorTransientFor returns a handler presenting its messages anchored to window.
func (h *Handler) ErrorTransientFor(window ui.Window) *Handler {
	return &Handler{core: h.core, window: window}
}

// Window returns the anchor messages are presented on.
func (h *Handler) Window() ui.Window {
	return h.window
}

// Spawn runs task on its own goroutine. Its result is routed on the main
// loop. Spawn never blocks.
func (h *Handler) Spawn(ctx context.Context, name string, task Task) {
	c := h.core
	c.inflight.Add(1)
	go func() {
		panicked, err := runTask(ctx, task)
		if panicked != nil {
			c.logger.Error().Str("task", name).Interface("panic", panicked).Msg("task panicked")
			c.metrics.RecordTask(metrics.OutcomePanicked)
			err = apperr.FromDisplay(TerminatedText, fmt.Errorf("%s: %v", name, panicked))
		}
		c.post(name, err, func() { h.route(name, err) })
	}()
}

// Run spawns task anchored to the main window.
func (h *Handler) Run(ctx context.Context, name string, task Task) {
	h.ErrorTransientFor(ui.MainWindow).Spawn(ctx, name, task)
}

// HandleSync routes an already computed result. It must be called on the
// main loop.
func (h *Handler) HandleSync(err error) Outcome {
	return h.route("", err)
}

// Handle routes err on the main loop, anchored to the main window. It may
// be called from any goroutine.
func (h *Handler) Handle(err error) {
	if err == nil {
		return
	}
	c := h.core
	c.inflight.Add(1)
	c.post("", err, func() { h.ErrorTransientFor(ui.MainWindow).route("", err) })
}

// post hands a result to the loop. A result arriving after the loop stopped
// is logged and released.
func (c *core) post(name string, err error, route func()) {
	posted := c.loop.Post(func() {
		defer c.inflight.Done()
		route()
	})
	if !posted {
		c.inflight.Done()
		c.logger.Warn().Str("task", name).AnErr("result", err).Msg("main loop stopped, result dropped")
	}
}

// Wait blocks until every spawned task has been routed, ctx ends or the
// main loop stops. Once the loop has stopped, results still pending on it
// are never routed and Wait returns mainloop.ErrStopped.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.core.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.core.loop.Stopped():
		select {
		case <-done:
			return nil
		default:
			return mainloop.ErrStopped
		}
	}
}

func (h *Handler) route(name string, err error) Outcome {
	c := h.core
	// Lift also maps a nil *apperr.Error stored in err to nil.
	e := apperr.Lift(err)
	if e == nil {
		c.metrics.RecordTask(metrics.OutcomeOK)
		return OutcomeNone
	}
	if e.Kind == apperr.KindUserCanceled {
		c.logger.Debug().Str("task", name).Msg("task canceled by user")
		c.metrics.RecordTask(metrics.OutcomeCanceled)
		return OutcomeSuppressed
	}

	c.metrics.RecordTask(metrics.OutcomeShown)
	c.presenter.ShowMessage(h.window, e.Message)
	return OutcomeShown
}

func runTask(ctx context.Context, task Task) (panicked any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	return nil, task(ctx)
}
