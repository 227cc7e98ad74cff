package ui

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/apperr"
)

const (
	ellipsizeLimit = 410
	ellipsizeKeep  = 200

	notifyTimeout = 30 * time.Second
)

// Ellipsize shortens text longer than 410 characters to its first and last
// 200 characters joined by an ellipsis line.
func Ellipsize(text string) string {
	runes := []rune(text)
	if len(runes) <= ellipsizeLimit {
		return text
	}
	return string(runes[:ellipsizeKeep]) + "\n…\n" + string(runes[len(runes)-ellipsizeKeep:])
}

// Presenter shows messages to the user. ShowMessage must be called on the
// main loop.
type Presenter struct {
	surface  Surface
	notifier Notifier
	logger   zerolog.Logger
}

// NewPresenter creates a presenter. notifier may be nil.
func NewPresenter(surface Surface, notifier Notifier, logger zerolog.Logger) *Presenter {
	return &Presenter{
		surface:  surface,
		notifier: notifier,
		logger:   logger.With().Str("component", "presenter").Logger(),
	}
}

// ShowMessage presents msg as a dialog anchored to window when the surface
// is displayed, otherwise as a passive notification.
func (p *Presenter) ShowMessage(window Window, msg apperr.Message) {
	text := Ellipsize(msg.Text)
	secondary := Ellipsize(msg.SecondaryText)

	p.logger.Warn().
		Str("text", text).
		Str("secondary", secondary).
		Str("notification_id", msg.NotificationID).
		Msg("displaying error")

	if p.surface != nil && p.surface.IsDisplayed() {
		p.surface.ShowDialog(window, text, secondary)
		return
	}
	if p.notifier == nil {
		return
	}

	n := Notification{ID: msg.NotificationID, Title: text, Body: secondary}
	// Delivery happens off the loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := p.notifier.Notify(ctx, n); err != nil {
			p.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to send notification")
		}
	}()
}
