package ui

import (
	"fmt"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// BackupFailedNote is the notification id for failures of a configuration.
// A later notification with the same id replaces the earlier one.
func BackupFailedNote(id config.ConfigID) string {
	return fmt.Sprintf("backup-failed-%s", id)
}

// BackupWarningsNote is the notification id for warnings of a configuration.
func BackupWarningsNote(id config.ConfigID) string {
	return fmt.Sprintf("backup-warnings-%s", id)
}
