package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override values from the config file.
const (
	EnvSocketPath   = "KELDRIS_DESKTOP_SOCKET"
	EnvDataDir      = "KELDRIS_DESKTOP_DATA_DIR"
	EnvLogLevel     = "KELDRIS_DESKTOP_LOG_LEVEL"
	EnvResticBinary = "KELDRIS_RESTIC_BINARY"
	EnvMinFreeBytes = "KELDRIS_MIN_FREE_BYTES"
	EnvNotifyDesk   = "KELDRIS_DESKTOP_NOTIFY"
)

// ApplyEnv overrides config values with any set environment variables.
func ApplyEnv(cfg *DesktopConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvSocketPath)); v != "" {
		cfg.SocketPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvResticBinary)); v != "" {
		cfg.ResticBinary = v
	}
	cfg.MinFreeBytes = getEnvUint(EnvMinFreeBytes, cfg.MinFreeBytes)
	cfg.Notifications.Desktop = getEnvBool(EnvNotifyDesk, cfg.Notifications.Desktop)
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvUint reads an unsigned integer from an environment variable, returning the default if unset or invalid.
func getEnvUint(key string, defaultVal uint64) uint64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
