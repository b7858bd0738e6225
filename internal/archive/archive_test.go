package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveIfAbsent(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "archive"))

	srcPath := filepath.Join(dir, "bin1")
	require.NoError(t, os.WriteFile(srcPath, []byte("v1"), 0644))

	assert.False(t, s.Exists("bin1", "hash-a"))

	require.NoError(t, s.ArchiveIfAbsent("bin1", "hash-a", srcPath))
	assert.True(t, s.Exists("bin1", "hash-a"))

	data, err := os.ReadFile(s.Path("bin1", "hash-a"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	info, err := os.Stat(s.Path("bin1", "hash-a"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestArchiveIfAbsentIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "archive"))

	srcPath := filepath.Join(dir, "bin1")
	require.NoError(t, os.WriteFile(srcPath, []byte("v1"), 0644))
	require.NoError(t, s.ArchiveIfAbsent("bin1", "hash-a", srcPath))

	// Overwrite the source; archive must not be touched a second time.
	require.NoError(t, os.WriteFile(srcPath, []byte("v2-should-not-land"), 0644))
	require.NoError(t, s.ArchiveIfAbsent("bin1", "hash-a", srcPath))

	data, err := os.ReadFile(s.Path("bin1", "hash-a"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}
