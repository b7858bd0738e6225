package download

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary-content"))
	}))
	defer srv.Close()

	e := New(srv.URL, 1, 5*time.Second, nil)

	staging, err := e.StagingPath("bin1")
	require.NoError(t, err)
	defer os.Remove(staging)

	ok, err := e.Download(t.Context(), "bin1", staging)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(staging)
	require.NoError(t, err)
	assert.Equal(t, "binary-content", string(data))

	info, err := os.Stat(staging)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := New(srv.URL, 1, 5*time.Second, nil)
	staging, err := e.StagingPath("bin1")
	require.NoError(t, err)
	defer os.Remove(staging)

	ok, err := e.Download(t.Context(), "bin1", staging)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestStagingPathUnique(t *testing.T) {
	e := New("http://example.invalid", 1, time.Second, nil)

	a, err := e.StagingPath("bin1")
	require.NoError(t, err)
	b, err := e.StagingPath("bin1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
