// Package config handles agent configuration loading and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all agent configuration, threaded explicitly into every
// component rather than read from package-level globals so tests can
// override it per case.
type Config struct {
	ManifestPath string // BIN_MANIFESTS
	APIBase      string // BIN_MANAGER_API
	BinDir       string // BIN_DIR
	LogFile      string // LOG_FILE
	LockDir      string // LOCK_DIR
	LockTimeout  int    // LOCK_TIMEOUT, seconds
	DownloadBase string // DOWNLOAD_BASE_URL
	DownloadTimeout int // DOWNLOAD_TIMEOUT, seconds

	ControlPlaneTimeout int // fixed 10s, not env-overridden
	RestartTimeout      int // fixed 30s
	StatusTimeout       int // fixed 10s
	MinFreeKB           int // fixed 100 MB equivalent
}

// ProgressQueuePath returns the path of the durable progress-event retry
// queue's SQLite database, colocated with the lock directory.
func (c *Config) ProgressQueuePath() string {
	return filepath.Join(c.LockDir, "progress-queue.db")
}

// AgentVersion is the build-time binProxyVersion reported to the control plane.
const AgentVersion = "1.2.0"

// Load builds a Config from the environment, applying documented
// defaults for anything unset. It creates LockDir and BinDir if missing.
func Load() (*Config, error) {
	apiBase := envOr("BIN_MANAGER_API", "http://localhost:8080/api/v1")

	cfg := &Config{
		ManifestPath:        envOr("BIN_MANIFESTS", defaultManifestPath()),
		APIBase:             apiBase,
		BinDir:              envOr("BIN_DIR", "/usr/local/bin"),
		LogFile:             envOr("LOG_FILE", "/var/log/bin-proxy.log"),
		LockDir:             envOr("LOCK_DIR", "/var/run/bin-proxy"),
		LockTimeout:         envIntOr("LOCK_TIMEOUT", 600),
		DownloadBase:        envOr("DOWNLOAD_BASE_URL", apiBase+"/download"),
		DownloadTimeout:     envIntOr("DOWNLOAD_TIMEOUT", 300),
		ControlPlaneTimeout: 10,
		RestartTimeout:      30,
		StatusTimeout:       10,
		MinFreeKB:           100 * 1024,
	}

	if err := os.MkdirAll(cfg.LockDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir %s: %w", cfg.LockDir, err)
	}
	if err := os.MkdirAll(cfg.BinDir, 0755); err != nil {
		return nil, fmt.Errorf("creating bin dir %s: %w", cfg.BinDir, err)
	}

	return cfg, nil
}

// ArchiveDir returns <BIN_DIR>/.archive, the content-addressed archive root.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.BinDir, ".archive")
}

// InstalledPath returns the path of an installed binary.
func (c *Config) InstalledPath(binaryName string) string {
	return filepath.Join(c.BinDir, binaryName)
}

func defaultManifestPath() string {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "bin-manifests.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
