package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/binproxy/agent/internal/archive"
	"github.com/binproxy/agent/internal/controlplane"
	"github.com/binproxy/agent/internal/download"
	"github.com/binproxy/agent/internal/lockmgr"
	"github.com/binproxy/agent/internal/supervisor"
)

// fakeManifest is a minimal ManifestUpdater test double recording calls
// instead of touching disk.
type fakeManifest struct {
	updates map[string]string
	failing bool
}

func newFakeManifest() *fakeManifest { return &fakeManifest{updates: map[string]string{}} }

func (f *fakeManifest) UpdateBinary(binaryName, newHash string) error {
	if f.failing {
		return assert.AnError
	}
	f.updates[binaryName] = newHash
	return nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// testHarness wires a real orchestrator against an httptest control
// plane and download server, a temp lock/archive/bin directory tree,
// and a scripted supervisor.
type testHarness struct {
	binDir     string
	archiveDir string
	content    []byte
	contentHex string
	super      *supervisor.Fake
	manifest   *fakeManifest
	orch       *Orchestrator
}

func newHarness(t *testing.T, content string) *testHarness {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))

	contentBytes := []byte(content)
	contentHex := sha256Hex(contentBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bins/bin1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sha256sum": contentHex, "version": "v2"})
	})
	mux.HandleFunc("/download/bin1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(contentBytes)
	})
	mux.HandleFunc("/api/v1/bins/bin1/progress", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cp := controlplane.New(srv.URL+"/api/v1", 2*time.Second)
	locks := lockmgr.New(filepath.Join(dir, "locks"), time.Minute)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))
	downloader := download.New(srv.URL+"/download", 1, 5*time.Second, zap.NewNop())
	archives := archive.New(filepath.Join(dir, "archive"))
	super := &supervisor.Fake{AvailableResult: true, RestartExit: 0, StatusResult: supervisor.Running}
	fm := newFakeManifest()

	orch := New("node-1", cp, locks, downloader, archives, super, nil, fm, binDir, zap.NewNop())

	return &testHarness{
		binDir:     binDir,
		archiveDir: filepath.Join(dir, "archive"),
		content:    contentBytes,
		contentHex: contentHex,
		super:      super,
		manifest:   fm,
		orch:       orch,
	}
}

func TestProcessBinaryFreshInstall(t *testing.T) {
	h := newHarness(t, "binary-v2-content")

	result := h.orch.ProcessBinary(t.Context(), "bin1", "")
	require.NoError(t, result.Err)
	assert.Equal(t, StateDone, result.FinalState)

	data, err := os.ReadFile(filepath.Join(h.binDir, "bin1"))
	require.NoError(t, err)
	assert.Equal(t, h.content, data)
	assert.Equal(t, h.contentHex, h.manifest.updates["bin1"])
}

func TestProcessBinaryNoOpWhenHashMatches(t *testing.T) {
	h := newHarness(t, "binary-v2-content")

	result := h.orch.ProcessBinary(t.Context(), "bin1", h.contentHex)
	require.NoError(t, result.Err)
	assert.Equal(t, StateDone, result.FinalState)
	assert.Empty(t, h.super.Restarts, "already-current binary should never restart")
	assert.Empty(t, h.manifest.updates, "no-op path must not touch the manifest")
}

func TestProcessBinaryRestartFailureRollsBack(t *testing.T) {
	h := newHarness(t, "binary-v2-content")
	h.super.StatusResult = supervisor.NotRunning

	// Seed an installed "v1" binary so there's something to roll back to.
	require.NoError(t, os.WriteFile(filepath.Join(h.binDir, "bin1"), []byte("v1-content"), 0755))
	previousHash := sha256Hex([]byte("v1-content"))

	result := h.orch.ProcessBinary(t.Context(), "bin1", previousHash)
	assert.Equal(t, StateFailed, result.FinalState)
	assert.Error(t, result.Err)

	data, err := os.ReadFile(filepath.Join(h.binDir, "bin1"))
	require.NoError(t, err)
	assert.Equal(t, "v1-content", string(data), "rollback should restore the archived prior version")
	assert.Empty(t, h.manifest.updates, "failed update must not touch the manifest")
}

func TestProcessBinaryLockContention(t *testing.T) {
	h := newHarness(t, "binary-v2-content")

	ok, err := h.orch.locks.Acquire("bin1", h.contentHex)
	require.NoError(t, err)
	require.True(t, ok)

	result := h.orch.ProcessBinary(t.Context(), "bin1", "")
	assert.Equal(t, StateFailed, result.FinalState)
	assert.Error(t, result.Err)
}

func TestRollbackMissingArchiveFails(t *testing.T) {
	h := newHarness(t, "binary-v2-content")

	result := h.orch.Rollback(t.Context(), "bin1", "never-archived")
	assert.Equal(t, StateFailed, result.FinalState)
	assert.Error(t, result.Err)
}
