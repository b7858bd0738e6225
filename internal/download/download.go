// Package download implements staged binary download: a free-space
// check, straggler-process cleanup, streamed transfer to a temp file,
// and setting the executable bit. The caller verifies the resulting
// file's hash.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

// Engine stages binaries into the system temp directory.
type Engine struct {
	base       string
	minFreeKB  int64
	httpClient *http.Client
	tempDir    string
	log        *zap.Logger
}

// New builds an Engine that downloads from <base>/<binaryName>.
func New(base string, minFreeKB int64, timeout time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		base:      base,
		minFreeKB: minFreeKB,
		httpClient: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   timeout,
		},
		tempDir: os.TempDir(),
		log:     log,
	}
}

// StagingPath returns a unique temp path prefixed with binaryName.
func (e *Engine) StagingPath(binaryName string) (string, error) {
	f, err := os.CreateTemp(e.tempDir, binaryName+".tmp.")
	if err != nil {
		return "", fmt.Errorf("create staging file for %s: %w", binaryName, err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path) // keep only the unique name; Download recreates the file
	return path, nil
}

// Download streams <base>/<binaryName> to stagingPath. Returns true iff
// the transfer completed with HTTP 200 and no I/O error.
func (e *Engine) Download(ctx context.Context, binaryName, stagingPath string) (bool, error) {
	if err := e.checkFreeSpace(); err != nil {
		return false, err
	}

	e.killStragglers(binaryName)

	url := fmt.Sprintf("%s/%s", e.base, binaryName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", binaryName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("download %s: HTTP %d", binaryName, resp.StatusCode)
	}

	out, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return false, fmt.Errorf("create staging file %s: %w", stagingPath, err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return false, fmt.Errorf("download %s: write: %w", binaryName, err)
	}

	if err := out.Chmod(0755); err != nil {
		return false, fmt.Errorf("chmod staged %s: %w", binaryName, err)
	}

	if e.log != nil {
		e.log.Info("download complete", zap.String("binary", binaryName), zap.String("size", humanize.Bytes(uint64(n))))
	}
	return true, nil
}

// checkFreeSpace enforces the MIN_FREE_KB floor against the temp dir's
// filesystem.
func (e *Engine) checkFreeSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(e.tempDir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", e.tempDir, err)
	}

	availableKB := int64(stat.Bavail) * int64(stat.Bsize) / 1024
	if availableKB < e.minFreeKB {
		if e.log != nil {
			e.log.Error("insufficient disk space",
				zap.String("available", humanize.IBytes(uint64(availableKB)*1024)),
				zap.String("required", humanize.IBytes(uint64(e.minFreeKB)*1024)))
		}
		return fmt.Errorf("insufficient disk space in %s (available: %dKB, required: %dKB)", e.tempDir, availableKB, e.minFreeKB)
	}
	return nil
}

// killStragglers kills any other running download of the same binary,
// identified by a recognizable command-line pattern (the original
// script matches "curl.*<base>/<binary>$" via pgrep). Best-effort: it
// never kills the current process and never propagates failure.
func (e *Engine) killStragglers(binaryName string) {
	pattern := fmt.Sprintf("%s/%s$", e.base, binaryName)
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		return // no matches, or pgrep unavailable
	}

	self := os.Getpid()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid == self {
			continue
		}
		if e.log != nil {
			e.log.Info("killing stray download process", zap.String("binary", binaryName), zap.Int("pid", pid))
		}
		exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	}
}
