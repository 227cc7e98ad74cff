package backup

import (
	"context"
	"errors"
	"fmt"
)

// ErrRepositoryNotInitialized is returned when the repository has not been initialized.
var ErrRepositoryNotInitialized = errors.New("repository not initialized")

// ErrWrongPassword is returned when restic cannot open the repository with the given password.
var ErrWrongPassword = errors.New("wrong repository password")

// ErrResticNotFound is returned when the restic binary cannot be located.
var ErrResticNotFound = errors.New("restic binary not found")

// AbortReason says why a running backup was stopped before completion.
type AbortReason int

const (
	// AbortUser is an explicit stop requested by the user.
	AbortUser AbortReason = iota + 1
	// AbortShutdown is a stop caused by the application quitting.
	AbortShutdown
	// AbortMeteredConnection is a stop because only a metered connection was available.
	AbortMeteredConnection
	// AbortOnBattery is a stop because the machine switched to battery power.
	AbortOnBattery
	// AbortLeftRunning is a stop of a run that outlived its schedule window.
	AbortLeftRunning
)

func (r AbortReason) String() string {
	switch r {
	case AbortUser:
		return "Aborted on user request."
	case AbortShutdown:
		return "Aborted because the application was closed."
	case AbortMeteredConnection:
		return "Aborted because only a metered connection was available."
	case AbortOnBattery:
		return "Aborted because the computer is running on battery."
	case AbortLeftRunning:
		return "Aborted because the backup ran past its scheduled window."
	default:
		return fmt.Sprintf("Aborted (reason %d).", int(r))
	}
}

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindAborted   ErrorKind = "aborted"
	KindFailed    ErrorKind = "failed"
	KindPreflight ErrorKind = "preflight"
	KindBusy      ErrorKind = "busy"
)

// Error is a failure of the backup engine.
type Error struct {
	Kind   ErrorKind
	Reason AbortReason // set when Kind is KindAborted
	Op     string
	Err    error
}

// Aborted returns an engine error for a run stopped for the given reason.
func Aborted(reason AbortReason) *Error {
	return &Error{Kind: KindAborted, Reason: reason}
}

// Failed wraps err as a failed engine operation.
func Failed(op string, err error) *Error {
	return &Error{Kind: KindFailed, Op: op, Err: err}
}

// Preflight wraps err as a failed pre-run check.
func Preflight(err error) *Error {
	return &Error{Kind: KindPreflight, Op: "preflight", Err: err}
}

// Busy reports that a backup for the same configuration is already running.
func Busy(id string) *Error {
	return &Error{Kind: KindBusy, Op: "start", Err: fmt.Errorf("a backup of %q is already running", id)}
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindAborted:
		return e.Reason.String()
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsAborted reports whether err is an engine abort for the given reason.
func IsAborted(err error, reason AbortReason) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAborted && e.Reason == reason
}

// IsUserAborted reports whether err is an engine abort requested by the user.
// Other abort reasons are deliberately not matched.
func IsUserAborted(err error) bool {
	return IsAborted(err, AbortUser)
}

// CauseOf converts the cancellation cause of ctx into an engine error.
// A cause that already is an engine error is returned as is; any other
// cancellation counts as the application shutting down.
func CauseOf(ctx context.Context) *Error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return Aborted(AbortShutdown)
}
