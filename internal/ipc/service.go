// Package ipc is the remote surface of the desktop process: a small HTTP
// API on a unix socket that turns remote calls into queued commands.
package ipc

import (
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/command"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
)

// Sender queues commands.
type Sender interface {
	Send(cmd command.Command) error
}

// Service turns remote calls into commands. Remote callers never see a
// send failure; it is logged instead.
type Service struct {
	sender  Sender
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewService creates a service sending to sender. m may be nil.
func NewService(sender Sender, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		sender:  sender,
		metrics: m,
		logger:  logger.With().Str("component", "ipc_service").Logger(),
	}
}

// StartScheduledBackup requests a backup that became due.
func (s *Service) StartScheduledBackup(id config.ConfigID, due schedule.DueCause) {
	s.logger.Info().Str("config_id", string(id)).Str("due", due.String()).Msg("request to start scheduled backup")
	s.send(command.StartBackup{ConfigID: id, DueCause: &due})
}

// StartBackup requests a backup started by hand.
func (s *Service) StartBackup(id config.ConfigID) {
	s.logger.Info().Str("config_id", string(id)).Msg("request to start backup")
	s.send(command.StartBackup{ConfigID: id})
}

// ShowOverview requests the overview.
func (s *Service) ShowOverview() {
	s.logger.Info().Msg("request to show overview")
	s.send(command.ShowOverview{})
}

// ShowSchedule requests the schedule of id.
func (s *Service) ShowSchedule(id config.ConfigID) {
	s.logger.Info().Str("config_id", string(id)).Msg("request to show schedule")
	s.send(command.ShowSchedule{ConfigID: id})
}

func (s *Service) send(cmd command.Command) {
	if err := s.sender.Send(cmd); err != nil {
		s.metrics.RecordSendFailure(cmd.Name())
		s.logger.Error().Err(err).Str("command", cmd.Name()).Msg("failed to queue command")
	}
}
