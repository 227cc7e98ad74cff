// Package schedule decides when configured backups are due and asks the
// desktop process to start them.
package schedule

import (
	"fmt"
	"time"
)

// DueKind says why a scheduled backup is due.
type DueKind string

const (
	// DueRegular is a backup due by its cron schedule.
	DueRegular DueKind = "regular"
	// DueRetry is a renewed attempt after the desktop process could not be reached.
	DueRetry DueKind = "retry"
)

// DueCause describes why a scheduled backup was started. The desktop
// process forwards it to the backup starter without examining it.
type DueCause struct {
	Kind        DueKind   `json:"kind"`
	ScheduledAt time.Time `json:"scheduled_at"`
	RetryCount  int       `json:"retry_count,omitempty"`
}

func (d DueCause) String() string {
	if d.Kind == DueRetry {
		return fmt.Sprintf("retry %d of run scheduled at %s", d.RetryCount, d.ScheduledAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("run scheduled at %s", d.ScheduledAt.Format(time.RFC3339))
}
