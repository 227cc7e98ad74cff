// Package apperr classifies failures of the interactive domain and the backup
// engine into messages shown to the user or silent cancellations.
package apperr

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// Message is a user-presentable error.
type Message struct {
	Text           string
	SecondaryText  string // empty when absent
	NotificationID string // empty when absent
}

// NewMessage returns a message with a primary and a secondary text.
func NewMessage(text, secondary string) Message {
	return Message{Text: text, SecondaryText: secondary}
}

// ShortMessage returns a message without secondary text.
func ShortMessage(text string) Message {
	return Message{Text: text}
}

// NewMessageWithNotification returns a message that replaces earlier
// notifications carrying the same id.
func NewMessageWithNotification(text, secondary, notificationID string) Message {
	return Message{Text: text, SecondaryText: secondary, NotificationID: notificationID}
}

func (m Message) String() string {
	if m.SecondaryText == "" {
		return m.Text
	}
	return m.Text + "\n\n" + m.SecondaryText
}

// Kind discriminates Error.
type Kind int

const (
	KindMessage Kind = iota
	KindUserCanceled
)

// Error is the interactive-domain error: either a message to present or a
// user cancellation that is never shown.
type Error struct {
	Kind    Kind
	Message Message
}

// ErrUserCanceled is the silent cancellation.
var ErrUserCanceled = &Error{Kind: KindUserCanceled}

// FromMessage wraps m as an Error.
func FromMessage(m Message) *Error {
	return &Error{Kind: KindMessage, Message: m}
}

func (e *Error) Error() string {
	if e.Kind == KindUserCanceled {
		return "canceled by user"
	}
	return e.Message.String()
}

// Is matches any user cancellation against ErrUserCanceled.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindUserCanceled && e.Kind == KindUserCanceled
}

// IsUserCanceled reports whether err is a user cancellation.
func IsUserCanceled(err error) bool {
	return errors.Is(err, ErrUserCanceled)
}

// FromDisplay turns any error into a message with text as primary and the
// error's rendering as secondary text.
func FromDisplay(text string, err error) *Error {
	return FromMessage(NewMessage(text, err.Error()))
}

// ErrToMsg is FromDisplay that passes nil through.
func ErrToMsg(err error, text string) *Error {
	if err == nil {
		return nil
	}
	return FromDisplay(text, err)
}

// FromBackupExists converts a duplicate configuration id.
func FromBackupExists(e *config.BackupExistsError) *Error {
	return FromMessage(ShortMessage(fmt.Sprintf("Backup with id “%s” already exists.", e.ID)))
}

// FromBackupNotFound converts a missing configuration id.
func FromBackupNotFound(e *config.BackupNotFoundError) *Error {
	return FromMessage(ShortMessage(fmt.Sprintf("Could not find backup configuration with id “%s”.", e.ID)))
}

// FromConfig converts a configuration failure.
func FromConfig(err error) *Error {
	var exists *config.BackupExistsError
	if errors.As(err, &exists) {
		return FromBackupExists(exists)
	}
	var notFound *config.BackupNotFoundError
	if errors.As(err, &notFound) {
		return FromBackupNotFound(notFound)
	}
	return FromDisplay("Configuration error", err)
}

// Lift converts any error into an Error. It never drops err, and an engine
// abort requested by the user always becomes ErrUserCanceled.
func Lift(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isConfigError(err) {
		return FromConfig(err)
	}
	var c Combined
	if errors.As(err, &c) {
		return IntoMessage(c, "An error occurred")
	}
	if IsEngineUserAborted(err) {
		return ErrUserCanceled
	}
	return FromDisplay("An error occurred", err)
}

func isConfigError(err error) bool {
	var exists *config.BackupExistsError
	var notFound *config.BackupNotFoundError
	return errors.As(err, &exists) || errors.As(err, &notFound)
}

// Combined holds exactly one of an interactive error or an engine error.
type Combined struct {
	UI     *Error
	Engine error
}

// FromEngine wraps an engine error.
func FromEngine(err error) Combined {
	return Combined{Engine: err}
}

// FromUI wraps an interactive error.
func FromUI(err *Error) Combined {
	return Combined{UI: err}
}

// Combine sorts err into the matching side: interactive and configuration
// errors go to UI, everything else is treated as an engine error.
func Combine(err error) Combined {
	var e *Error
	if errors.As(err, &e) {
		return FromUI(e)
	}
	if isConfigError(err) {
		return FromUI(FromConfig(err))
	}
	return FromEngine(err)
}

func (c Combined) Error() string {
	if c.UI != nil {
		return c.UI.Error()
	}
	if c.Engine != nil {
		return c.Engine.Error()
	}
	return "no error"
}

func (c Combined) Unwrap() error {
	if c.UI != nil {
		return c.UI
	}
	return c.Engine
}

// IntoMessage converts c into an interactive error. Only an engine abort
// requested by the user becomes a cancellation; every other engine error
// becomes a message with text as primary.
func IntoMessage(c Combined, text string) *Error {
	return IntoMessageWithNotification(c, text, "")
}

// IntoMessageWithNotification is IntoMessage attaching notificationID to
// engine failure messages.
func IntoMessageWithNotification(c Combined, text, notificationID string) *Error {
	if c.UI != nil {
		return c.UI
	}
	if c.Engine == nil {
		return nil
	}
	if IsEngineUserAborted(c.Engine) {
		return ErrUserCanceled
	}
	return FromMessage(NewMessageWithNotification(text, c.Engine.Error(), notificationID))
}

// IntoEngineError splits c into its interactive side or its engine side.
// Exactly one of the results is non-nil for a non-empty Combined.
func IntoEngineError(c Combined) (*Error, error) {
	if c.UI != nil {
		return c.UI, nil
	}
	return nil, c.Engine
}

// IsEngineUserAborted reports whether err is an engine abort requested by the
// user. Shutdown, metered, battery and left-running aborts do not match.
func IsEngineUserAborted(err error) bool {
	return backup.IsUserAborted(err)
}
