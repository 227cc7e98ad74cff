// Package backup provides the backup engine error domain and the restic runner.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ResticConfig holds the repository location and credentials for a restic invocation.
type ResticConfig struct {
	Repository string
	Password   string
	Env        map[string]string
}

// BackupStats contains statistics from a backup operation.
type BackupStats struct {
	SnapshotID   string
	FilesNew     int
	FilesChanged int
	SizeBytes    int64
	Duration     time.Duration
	// Warning is set when the snapshot was created but some files could not be read.
	Warning string
}

// exitIncomplete is restic's exit code for a snapshot missing unreadable files.
const exitIncomplete = 3

// Restic wraps the restic CLI for backup operations.
type Restic struct {
	binary string
	logger zerolog.Logger
}

// NewRestic creates a new Restic wrapper.
func NewRestic(logger zerolog.Logger) *Restic {
	return NewResticWithBinary("restic", logger)
}

// NewResticWithBinary creates a new Restic wrapper with a custom binary path.
func NewResticWithBinary(binary string, logger zerolog.Logger) *Restic {
	return &Restic{
		binary: binary,
		logger: logger.With().Str("component", "restic").Logger(),
	}
}

// Binary returns the configured restic executable.
func (r *Restic) Binary() string { return r.binary }

// Available reports whether the restic binary can be found.
func (r *Restic) Available() error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return fmt.Errorf("%w: %s", ErrResticNotFound, r.binary)
	}
	return nil
}

// Backup runs a backup of paths into the repository.
// When ctx is cancelled the returned error is the engine abort matching the
// cancellation cause.
func (r *Restic) Backup(ctx context.Context, cfg ResticConfig, paths, excludes, tags []string) (*BackupStats, error) {
	if len(paths) == 0 {
		return nil, Failed("backup", errors.New("no paths specified for backup"))
	}

	r.logger.Info().
		Str("repository", cfg.Repository).
		Strs("paths", paths).
		Strs("excludes", excludes).
		Strs("tags", tags).
		Msg("starting backup")

	start := time.Now()

	args := []string{"backup", "--repo", cfg.Repository, "--json"}
	for _, exclude := range excludes {
		args = append(args, "--exclude", exclude)
	}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	args = append(args, paths...)

	output, runErr := r.run(ctx, cfg, args)
	if runErr != nil {
		if abort := CauseOf(ctx); abort != nil {
			r.logger.Info().Str("reason", abort.Error()).Msg("backup aborted")
			return nil, abort
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || exitErr.ExitCode() != exitIncomplete {
			return nil, Failed("backup", classify(runErr))
		}
	}

	stats, err := parseBackupOutput(output)
	if err != nil {
		return nil, Failed("parse backup output", err)
	}
	stats.Duration = time.Since(start)
	if runErr != nil {
		stats.Warning = runErr.Error()
		r.logger.Warn().Err(runErr).Str("snapshot_id", stats.SnapshotID).Msg("snapshot is missing unreadable files")
	}

	r.logger.Info().
		Str("snapshot_id", stats.SnapshotID).
		Int("files_new", stats.FilesNew).
		Int("files_changed", stats.FilesChanged).
		Int64("size_bytes", stats.SizeBytes).
		Dur("duration", stats.Duration).
		Msg("backup completed")

	return stats, nil
}

// Version returns the output of restic version.
func (r *Restic) Version(ctx context.Context) (string, error) {
	out, err := r.run(ctx, ResticConfig{}, []string{"version"})
	if err != nil {
		return "", Failed("version", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// classify maps well known restic stderr messages onto sentinel errors.
func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "repository does not exist"),
		strings.Contains(msg, "unable to open config file"):
		return fmt.Errorf("%w: %s", ErrRepositoryNotInitialized, msg)
	case strings.Contains(msg, "wrong password"):
		return fmt.Errorf("%w: %s", ErrWrongPassword, msg)
	default:
		return err
	}
}

// run executes a restic command and returns its output. Stdout is returned
// even when the command fails.
func (r *Restic) run(ctx context.Context, cfg ResticConfig, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)

	cmd.Env = cmd.Environ()
	if cfg.Password != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("RESTIC_PASSWORD=%s", cfg.Password))
	}
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().
		Str("command", r.binary).
		Strs("args", args).
		Msg("executing restic command")

	err := cmd.Run()
	if err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(errMsg))
	}

	return stdout.Bytes(), nil
}

// backupSummary represents the JSON summary line from restic backup --json.
type backupSummary struct {
	MessageType     string  `json:"message_type"`
	SnapshotID      string  `json:"snapshot_id"`
	FilesNew        int     `json:"files_new"`
	FilesChanged    int     `json:"files_changed"`
	FilesUnmodified int     `json:"files_unmodified"`
	DataAdded       int64   `json:"data_added"`
	TotalDuration   float64 `json:"total_duration"`
}

// parseBackupOutput parses the JSON output from restic backup.
func parseBackupOutput(output []byte) (*BackupStats, error) {
	// Restic outputs multiple JSON lines, find the summary
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		var msg struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType != "summary" {
			continue
		}

		var summary backupSummary
		if err := json.Unmarshal(line, &summary); err != nil {
			return nil, fmt.Errorf("parse summary: %w", err)
		}
		return &BackupStats{
			SnapshotID:   summary.SnapshotID,
			FilesNew:     summary.FilesNew,
			FilesChanged: summary.FilesChanged,
			SizeBytes:    summary.DataAdded,
		}, nil
	}

	return nil, errors.New("no backup summary found in output")
}
