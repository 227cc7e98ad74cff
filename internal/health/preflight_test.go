package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-desktop/internal/backup"
	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

func fakeResticBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "restic")
	script := "#!/bin/sh\necho 'restic 0.16.4 compiled with go1.22.0 on linux/amd64'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func fixedUsage(free uint64, seen *string) UsageFunc {
	return func(_ context.Context, path string) (*disk.UsageStat, error) {
		if seen != nil {
			*seen = path
		}
		return &disk.UsageStat{Path: path, Free: free, UsedPercent: 42}, nil
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"restic 0.16.0 compiled with go1.21.0 on linux/amd64\n", "0.16.0"},
		{"0.17.1", "0.17.1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseVersion(tt.in), tt.in)
	}
}

func TestPreflight_ResticMissing(t *testing.T) {
	p := NewPreflightWithUsage(filepath.Join(t.TempDir(), "missing-restic"), 0, fixedUsage(0, nil), zerolog.Nop())

	_, err := p.Check(context.Background(), &config.Backup{ID: "docs", Repository: "s3:bucket/docs"})
	require.Error(t, err)
	assert.ErrorIs(t, err, backup.ErrResticNotFound)

	var engineErr *backup.Error
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, backup.KindPreflight, engineErr.Kind)
}

func TestPreflight_RemoteRepositorySkipsSpaceCheck(t *testing.T) {
	var seen string
	p := NewPreflightWithUsage(fakeResticBinary(t), 1<<30, fixedUsage(0, &seen), zerolog.Nop())

	report, err := p.Check(context.Background(), &config.Backup{ID: "docs", Repository: "s3:bucket/docs"})
	require.NoError(t, err)
	assert.Equal(t, "0.16.4", report.ResticVersion)
	assert.Empty(t, seen)
}

func TestPreflight_LocalRepository(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "not", "yet", "created")

	t.Run("enough space", func(t *testing.T) {
		var seen string
		p := NewPreflightWithUsage(fakeResticBinary(t), 100, fixedUsage(1000, &seen), zerolog.Nop())

		report, err := p.Check(context.Background(), &config.Backup{ID: "docs", Repository: repo})
		require.NoError(t, err)
		assert.Equal(t, root, seen)
		assert.Equal(t, uint64(1000), report.FreeBytes)
		assert.Equal(t, root, report.CheckedPath)
	})

	t.Run("below floor", func(t *testing.T) {
		p := NewPreflightWithUsage(fakeResticBinary(t), 5000, fixedUsage(1000, nil), zerolog.Nop())

		_, err := p.Check(context.Background(), &config.Backup{ID: "docs", Repository: "local:" + repo})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientSpace)
		assert.False(t, backup.IsUserAborted(err))
	})

	t.Run("usage error", func(t *testing.T) {
		failing := func(context.Context, string) (*disk.UsageStat, error) {
			return nil, errors.New("statfs failed")
		}
		p := NewPreflightWithUsage(fakeResticBinary(t), 5000, failing, zerolog.Nop())

		_, err := p.Check(context.Background(), &config.Backup{ID: "docs", Repository: repo})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "statfs failed")
	})
}

func TestExistingAncestor(t *testing.T) {
	root := t.TempDir()
	assert.Equal(t, root, existingAncestor(root))
	assert.Equal(t, root, existingAncestor(filepath.Join(root, "a", "b")))
}

func TestCollect(t *testing.T) {
	p := NewPreflightWithUsage(fakeResticBinary(t), 0, fixedUsage(2048, nil), zerolog.Nop())

	state := p.Collect(context.Background(), t.TempDir())
	assert.Equal(t, uint64(2048), state.DataDirFreeBytes)
	assert.Equal(t, 42.0, state.DataDirUsage)
	assert.True(t, state.ResticAvailable)
	assert.Equal(t, "0.16.4", state.ResticVersion)
}
