package ui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Notification is a passive message shown outside the application window.
type Notification struct {
	ID    string // empty when absent; equal ids replace each other
	Title string
	Body  string
}

// Notifier delivers passive notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier delivers every notification to all notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DesktopNotifier sends freedesktop notifications through notify-send.
type DesktopNotifier struct {
	binary string
	logger zerolog.Logger

	mu sync.Mutex
	// last notification id printed by notify-send, per notification id
	replaces map[string]string
}

// NewDesktopNotifier creates a notifier that runs notify-send.
func NewDesktopNotifier(logger zerolog.Logger) *DesktopNotifier {
	return NewDesktopNotifierWithBinary("notify-send", logger)
}

// NewDesktopNotifierWithBinary creates a desktop notifier with a custom binary path.
func NewDesktopNotifierWithBinary(binary string, logger zerolog.Logger) *DesktopNotifier {
	return &DesktopNotifier{
		binary:   binary,
		logger:   logger.With().Str("component", "desktop_notifier").Logger(),
		replaces: make(map[string]string),
	}
}

func (d *DesktopNotifier) Notify(ctx context.Context, n Notification) error {
	args := []string{"--app-name=Keldris", "--urgency=normal", "--print-id"}

	d.mu.Lock()
	if prev, ok := d.replaces[n.ID]; ok && n.ID != "" {
		args = append(args, "--replace-id="+prev)
	}
	d.mu.Unlock()

	args = append(args, n.Title)
	if n.Body != "" {
		args = append(args, n.Body)
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if n.ID != "" {
		if printed := strings.TrimSpace(stdout.String()); printed != "" {
			d.mu.Lock()
			d.replaces[n.ID] = printed
			d.mu.Unlock()
		}
	}

	d.logger.Debug().Str("notification_id", n.ID).Msg("desktop notification sent")
	return nil
}
