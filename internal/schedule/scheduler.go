package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// Trigger asks the desktop process to start a scheduled backup.
type Trigger interface {
	StartScheduledBackup(ctx context.Context, id config.ConfigID, due DueCause) error
}

// Scheduler fires configured backup schedules through a Trigger.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  zerolog.Logger

	maxRetries int
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	ids    map[config.ConfigID]cron.EntryID
}

// NewScheduler creates a new scheduler.
func NewScheduler(trigger Trigger, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(),
		trigger:    trigger,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		maxRetries: 3,
		retryDelay: 30 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
		ids:        make(map[config.ConfigID]cron.EntryID),
	}
}

// Refresh replaces all registered schedules with those of backups.
// Backups without a schedule are skipped. It returns the number of
// registered schedules and the joined errors of invalid expressions.
func (s *Scheduler) Refresh(backups []*config.Backup) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.cron.Entries() {
		s.cron.Remove(entry.ID)
	}
	s.ids = make(map[config.ConfigID]cron.EntryID)

	var errs []error
	for _, b := range backups {
		if b.Schedule == "" {
			continue
		}
		id := b.ID
		entryID, err := s.cron.AddFunc(b.Schedule, func() {
			s.logger.Info().Str("config_id", string(id)).Msg("cron triggered backup")
			s.Fire(id, time.Now())
		})
		if err != nil {
			s.logger.Error().Err(err).Str("config_id", string(id)).Str("cron", b.Schedule).Msg("invalid cron expression")
			errs = append(errs, fmt.Errorf("schedule of %s: %w", id, err))
			continue
		}
		s.ids[id] = entryID
		s.logger.Info().Str("config_id", string(id)).Str("cron", b.Schedule).Msg("registered backup schedule")
	}

	s.logger.Info().Int("count", len(s.ids)).Msg("schedules refreshed")
	return len(s.ids), errors.Join(errs...)
}

// Next returns the next activation of the backup's schedule.
func (s *Scheduler) Next(id config.ConfigID) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.ids[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		// Not started yet; compute from the parsed schedule.
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing schedules and abandons pending retries. The returned
// context is done when running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// Fire triggers the backup of id as scheduled at scheduledAt. A failed
// trigger is retried with exponential backoff.
func (s *Scheduler) Fire(id config.ConfigID, scheduledAt time.Time) {
	due := DueCause{Kind: DueRegular, ScheduledAt: scheduledAt}
	logger := s.logger.With().Str("config_id", string(id)).Logger()

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * s.retryDelay
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			due = DueCause{Kind: DueRetry, ScheduledAt: scheduledAt, RetryCount: attempt}
		}

		err := s.trigger.StartScheduledBackup(s.ctx, id, due)
		if err == nil {
			logger.Debug().Str("due", due.String()).Msg("scheduled backup requested")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("failed to request scheduled backup")
	}

	logger.Error().Int("attempts", s.maxRetries+1).Msg("giving up on scheduled backup")
}
