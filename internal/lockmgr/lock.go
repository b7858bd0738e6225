// Package lockmgr implements a cross-process per-(binary, target-hash)
// lock. The lock file's content is a single decimal epoch-second
// timestamp — not a richer JSON ownership record — because the contract
// only needs lease-expiry, not ownership attribution across hosts.
package lockmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Manager acquires and releases lock files under a single lock directory.
type Manager struct {
	dir     string
	timeout time.Duration
}

// New returns a Manager rooted at dir with the given stale-lock timeout.
func New(dir string, timeout time.Duration) *Manager {
	return &Manager{dir: dir, timeout: timeout}
}

func (m *Manager) lockPath(binaryName, targetHash string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%s.lock", binaryName, targetHash))
}

// Acquire follows a fixed sequence:
//  1. remove any lock for binaryName whose hash differs from targetHash
//     (supersession — a newly desired version forcibly displaces an
//     in-flight attempt at an old target);
//  2. if the matching lock exists and is younger than the timeout,
//     report contention;
//  3. if it exists and is stale, remove it;
//  4. create it exclusively and write the current epoch second.
func (m *Manager) Acquire(binaryName, targetHash string) (bool, error) {
	if err := m.supersedeOthers(binaryName, targetHash); err != nil {
		return false, err
	}

	path := m.lockPath(binaryName, targetHash)

	if ts, err := readLockTimestamp(path); err == nil {
		elapsed := time.Since(time.Unix(ts, 0))
		if elapsed < m.timeout {
			return false, nil
		}
		os.Remove(path) // stale; fall through to acquire
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil // lost the creation race
		}
		return false, fmt.Errorf("create lock %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lock %s: %w", path, err)
	}

	return true, nil
}

// Release unlinks the lock file, ignoring absence.
func (m *Manager) Release(binaryName, targetHash string) {
	os.Remove(m.lockPath(binaryName, targetHash))
}

// supersedeOthers removes every <binaryName>-*.lock whose hash part
// isn't targetHash.
func (m *Manager) supersedeOthers(binaryName, targetHash string) error {
	matches, err := filepath.Glob(filepath.Join(m.dir, fmt.Sprintf("%s-*.lock", binaryName)))
	if err != nil {
		return fmt.Errorf("glob locks for %s: %w", binaryName, err)
	}

	keep := m.lockPath(binaryName, targetHash)
	for _, path := range matches {
		if path == keep {
			continue
		}
		os.Remove(path) // best-effort
	}
	return nil
}

// AcquiredAt reads the timestamp recorded in a binary's current lock, for
// computing the elapsed processing time reported in progress events.
func (m *Manager) AcquiredAt(binaryName, targetHash string) (time.Time, bool) {
	ts, err := readLockTimestamp(m.lockPath(binaryName, targetHash))
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

func readLockTimestamp(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt lock timestamp in %s: %w", path, err)
	}
	return ts, nil
}
