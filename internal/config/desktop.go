// Package config provides configuration management for the Keldris desktop runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.keldris).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".keldris"), nil
}

// DefaultConfigPath returns the default config file path (~/.keldris/desktop.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "desktop.yml"), nil
}

// DefaultSocketPath returns the default listener socket (~/.keldris/desktop.sock).
func DefaultSocketPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "desktop.sock"), nil
}

// ConfigID identifies a backup configuration.
type ConfigID string

func (id ConfigID) String() string { return string(id) }

// Backup is a single backup configuration.
type Backup struct {
	ID    ConfigID `yaml:"id"`
	Title string   `yaml:"title,omitempty"`

	Repository  string            `yaml:"repository"`
	PasswordEnv string            `yaml:"password_env,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`

	Paths    []string `yaml:"paths"`
	Excludes []string `yaml:"excludes,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`

	// Schedule is a cron expression; empty disables scheduled runs.
	Schedule string `yaml:"schedule,omitempty"`
}

// DisplayName returns the title, or the id when no title is set.
func (b *Backup) DisplayName() string {
	if b.Title != "" {
		return b.Title
	}
	return string(b.ID)
}

// IsLocal reports whether the repository lives on a local filesystem path.
func (b *Backup) IsLocal() bool {
	return filepath.IsAbs(b.Repository) || strings.HasPrefix(b.Repository, "local:")
}

// LocalPath returns the filesystem path of a local repository.
func (b *Backup) LocalPath() string {
	return strings.TrimPrefix(b.Repository, "local:")
}

// BackupExistsError is returned when inserting a backup whose id is taken.
type BackupExistsError struct {
	ID ConfigID
}

func (e *BackupExistsError) Error() string {
	return fmt.Sprintf("backup %q already exists", string(e.ID))
}

// BackupNotFoundError is returned when a backup id has no configuration.
type BackupNotFoundError struct {
	ID ConfigID
}

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("backup %q not found", string(e.ID))
}

// Backups is the set of configured backups, keyed by id.
type Backups map[ConfigID]*Backup

// Get returns the backup with the given id.
func (b Backups) Get(id ConfigID) (*Backup, error) {
	backup, ok := b[id]
	if !ok {
		return nil, &BackupNotFoundError{ID: id}
	}
	return backup, nil
}

// Insert adds a new backup. The id must not be in use.
func (b Backups) Insert(backup *Backup) error {
	if _, ok := b[backup.ID]; ok {
		return &BackupExistsError{ID: backup.ID}
	}
	b[backup.ID] = backup
	return nil
}

// Remove deletes the backup with the given id.
func (b Backups) Remove(id ConfigID) error {
	if _, ok := b[id]; !ok {
		return &BackupNotFoundError{ID: id}
	}
	delete(b, id)
	return nil
}

// IDs returns all ids in sorted order.
func (b Backups) IDs() []ConfigID {
	ids := make([]ConfigID, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NotificationConfig selects how passive notifications are delivered.
type NotificationConfig struct {
	Desktop       bool   `yaml:"desktop"`
	WebhookURL    string `yaml:"webhook_url,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// DesktopConfig holds the desktop runtime configuration.
type DesktopConfig struct {
	SocketPath    string             `yaml:"socket_path,omitempty"`
	DataDir       string             `yaml:"data_dir,omitempty"`
	LogLevel      string             `yaml:"log_level,omitempty"`
	ResticBinary  string             `yaml:"restic_binary,omitempty"`
	MinFreeBytes  uint64             `yaml:"min_free_bytes,omitempty"`
	Notifications NotificationConfig `yaml:"notifications"`
	Backups       []*Backup          `yaml:"backups"`
}

// BackupSet indexes the configured backups by id.
func (c *DesktopConfig) BackupSet() (Backups, error) {
	set := make(Backups, len(c.Backups))
	for _, b := range c.Backups {
		if err := set.Insert(b); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Validate checks that the configuration is usable.
func (c *DesktopConfig) Validate() error {
	var errs []error
	seen := make(map[ConfigID]struct{}, len(c.Backups))
	for i, b := range c.Backups {
		if b == nil {
			errs = append(errs, fmt.Errorf("backups[%d] is empty", i))
			continue
		}
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backups[%d]: id is required", i))
		}
		if _, dup := seen[b.ID]; dup {
			errs = append(errs, &BackupExistsError{ID: b.ID})
		}
		seen[b.ID] = struct{}{}
		if b.Repository == "" {
			errs = append(errs, fmt.Errorf("backup %q: repository is required", b.ID))
		}
		if len(b.Paths) == 0 {
			errs = append(errs, fmt.Errorf("backup %q: at least one path is required", b.ID))
		}
	}
	if c.Notifications.WebhookSecret != "" && c.Notifications.WebhookURL == "" {
		errs = append(errs, errors.New("notifications.webhook_secret set without webhook_url"))
	}
	return errors.Join(errs...)
}

// applyDefaults fills unset paths and binaries.
func (c *DesktopConfig) applyDefaults() error {
	if c.SocketPath == "" {
		p, err := DefaultSocketPath()
		if err != nil {
			return err
		}
		c.SocketPath = p
	}
	if c.DataDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.ResticBinary == "" {
		c.ResticBinary = "restic"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config with defaults is returned.
func Load(path string) (*DesktopConfig, error) {
	var cfg DesktopConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ApplyEnv(&cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*DesktopConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *DesktopConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Repository env may hold credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
