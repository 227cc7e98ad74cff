// Package ui defines the presentation collaborators of the desktop runtime:
// the visual surface, passive notifications and the message presenter.
package ui

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// Window identifies a presentation anchor.
type Window string

// MainWindow is the application's primary window.
const MainWindow Window = "main"

// Surface is the visual part of the application. All methods are called on
// the main loop.
type Surface interface {
	IsDisplayed() bool
	ShowOverview()
	ShowSchedule(id config.ConfigID)
	ShowDialog(window Window, text, secondary string)
}

// HeadlessSurface is the surface of a process without a visible window. It
// records what would have been shown to its log.
type HeadlessSurface struct {
	logger    zerolog.Logger
	displayed atomic.Bool
}

// NewHeadlessSurface creates a surface that is not displayed.
func NewHeadlessSurface(logger zerolog.Logger) *HeadlessSurface {
	return &HeadlessSurface{
		logger: logger.With().Str("component", "surface").Logger(),
	}
}

// SetDisplayed marks the surface as shown or hidden.
func (s *HeadlessSurface) SetDisplayed(displayed bool) {
	s.displayed.Store(displayed)
}

func (s *HeadlessSurface) IsDisplayed() bool {
	return s.displayed.Load()
}

func (s *HeadlessSurface) ShowOverview() {
	s.displayed.Store(true)
	s.logger.Info().Msg("showing overview")
}

func (s *HeadlessSurface) ShowSchedule(id config.ConfigID) {
	s.displayed.Store(true)
	s.logger.Info().Str("config_id", string(id)).Msg("showing schedule")
}

func (s *HeadlessSurface) ShowDialog(window Window, text, secondary string) {
	s.logger.Error().
		Str("window", string(window)).
		Str("secondary", secondary).
		Msg(text)
}
