// Package command carries requests from outside the interactive process onto
// the main loop, one at a time and in arrival order.
package command

import (
	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
)

// Command is a request to the running application. The set of commands is
// closed: StartBackup, ShowOverview and ShowSchedule.
type Command interface {
	Name() string
	command()
}

// StartBackup starts a backup of ConfigID. DueCause is nil for backups
// started by hand.
type StartBackup struct {
	ConfigID config.ConfigID
	DueCause *schedule.DueCause
}

// ShowOverview shows the overview of all backups.
type ShowOverview struct{}

// ShowSchedule shows the schedule of ConfigID.
type ShowSchedule struct {
	ConfigID config.ConfigID
}

func (StartBackup) Name() string  { return "StartBackup" }
func (ShowOverview) Name() string { return "ShowOverview" }
func (ShowSchedule) Name() string { return "ShowSchedule" }

func (StartBackup) command()  {}
func (ShowOverview) command() {}
func (ShowSchedule) command() {}
