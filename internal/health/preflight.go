// Package health runs pre-backup checks and collects host state for status reports.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// ErrInsufficientSpace is returned when a local repository is below the free space floor.
var ErrInsufficientSpace = errors.New("insufficient free space")

// UsageFunc reports filesystem usage for a path.
type UsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Report is the result of a successful preflight.
type Report struct {
	ResticVersion string `json:"restic_version,omitempty"`
	FreeBytes     uint64 `json:"free_bytes,omitempty"`
	CheckedPath   string `json:"checked_path,omitempty"`
}

// Preflight checks that a backup can start.
type Preflight struct {
	resticBinary string
	minFreeBytes uint64
	usage        UsageFunc
	logger       zerolog.Logger
}

// NewPreflight creates a preflight checker using gopsutil for disk usage.
func NewPreflight(resticBinary string, minFreeBytes uint64, logger zerolog.Logger) *Preflight {
	return NewPreflightWithUsage(resticBinary, minFreeBytes, disk.UsageWithContext, logger)
}

// NewPreflightWithUsage creates a preflight checker with a custom usage source.
func NewPreflightWithUsage(resticBinary string, minFreeBytes uint64, usage UsageFunc, logger zerolog.Logger) *Preflight {
	if resticBinary == "" {
		resticBinary = "restic"
	}
	return &Preflight{
		resticBinary: resticBinary,
		minFreeBytes: minFreeBytes,
		usage:        usage,
		logger:       logger.With().Str("component", "preflight").Logger(),
	}
}

// Check verifies restic is installed and, for local repositories, that the
// target filesystem has at least the configured free space.
// Failures are engine preflight errors.
func (p *Preflight) Check(ctx context.Context, b *config.Backup) (*Report, error) {
	version, err := p.resticVersion(ctx)
	if err != nil {
		return nil, backup.Preflight(err)
	}
	report := &Report{ResticVersion: version}

	if !b.IsLocal() || p.minFreeBytes == 0 {
		return report, nil
	}

	path := existingAncestor(b.LocalPath())
	stat, err := p.usage(ctx, path)
	if err != nil {
		return nil, backup.Preflight(fmt.Errorf("disk usage of %s: %w", path, err))
	}
	report.FreeBytes = stat.Free
	report.CheckedPath = path

	if stat.Free < p.minFreeBytes {
		p.logger.Warn().
			Str("config_id", string(b.ID)).
			Str("path", path).
			Uint64("free_bytes", stat.Free).
			Uint64("min_free_bytes", p.minFreeBytes).
			Msg("repository below free space floor")
		return nil, backup.Preflight(fmt.Errorf("%w on %s: %d bytes free, %d required",
			ErrInsufficientSpace, path, stat.Free, p.minFreeBytes))
	}
	return report, nil
}

// resticVersion resolves the binary and parses the version from
// "restic 0.16.0 compiled with go1.21.0 on linux/amd64".
func (p *Preflight) resticVersion(ctx context.Context) (string, error) {
	binary, err := exec.LookPath(p.resticBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", backup.ErrResticNotFound, p.resticBinary)
	}

	output, err := exec.CommandContext(ctx, binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("restic version: %w", err)
	}
	return parseVersion(string(output)), nil
}

func parseVersion(output string) string {
	version := strings.TrimSpace(output)
	parts := strings.Fields(version)
	if len(parts) >= 2 && parts[0] == "restic" {
		return parts[1]
	}
	return version
}

// existingAncestor walks up from path until it finds something that exists.
// A repository that is not yet initialized is checked on its parent filesystem.
func existingAncestor(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

// HostState is the host snapshot included in status reports.
type HostState struct {
	DataDirFreeBytes uint64  `json:"data_dir_free_bytes"`
	DataDirUsage     float64 `json:"data_dir_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	ResticVersion    string  `json:"restic_version,omitempty"`
	ResticAvailable  bool    `json:"restic_available"`
}

// Collect gathers host state. Individual probe failures leave their fields zero.
func (p *Preflight) Collect(ctx context.Context, dataDir string) *HostState {
	s := &HostState{}

	if stat, err := p.usage(ctx, existingAncestor(dataDir)); err == nil {
		s.DataDirFreeBytes = stat.Free
		s.DataDirUsage = stat.UsedPercent
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryUsage = memStat.UsedPercent
	}

	if version, err := p.resticVersion(ctx); err == nil {
		s.ResticVersion = version
		s.ResticAvailable = true
	}
	return s
}
