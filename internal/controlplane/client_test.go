package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binproxy/agent/internal/identity"
)

// newFakeControlPlane stands up an httptest server exposing the
// keepalive/bins/progress endpoints, for exercising the client without
// a real control plane.
func newFakeControlPlane(t *testing.T) (*httptest.Server, map[string]bool) {
	t.Helper()
	registered := map[string]bool{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/keepalive", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			nodeID := r.URL.Query().Get("node_id")
			if registered[nodeID] {
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(map[string]string{"node_id": nodeID})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			nodeID, _ := body["node_id"].(string)
			registered[nodeID] = true
			w.WriteHeader(http.StatusCreated)
		}
	})

	mux.HandleFunc("/api/v1/bins/bin1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{
				"bin_name":  "bin1",
				"sha256sum": "abcd1234",
				"version":   "latest",
			})
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		}
	})

	mux.HandleFunc("/api/v1/bins/bin2", func(w http.ResponseWriter, r *http.Request) {
		// exercises the alternate "sha256" field name.
		json.NewEncoder(w).Encode(map[string]string{
			"bin_name": "bin2",
			"sha256":   "ef567890",
			"version":  "1.0.0",
		})
	})

	mux.HandleFunc("/api/v1/bins/nohash", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"bin_name": "nohash"})
	})

	mux.HandleFunc("/api/v1/bins/bin1/progress", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, registered
}

func TestKeepaliveNotRegistered(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	err := c.Keepalive(t.Context(), "node-1")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegisterThenKeepalive(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	info := identity.Info{CPUArch: "amd64", NodeName: "node-1"}
	require.NoError(t, c.Register(t.Context(), "node-1", info))
	assert.NoError(t, c.Keepalive(t.Context(), "node-1"))
}

func TestQueryHashPrefersSha256Sum(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	got, err := c.QueryHash(t.Context(), "bin1")
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", got.SHA256)
	assert.Equal(t, "latest", got.Version)
}

func TestQueryHashFallsBackToSha256(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	got, err := c.QueryHash(t.Context(), "bin2")
	require.NoError(t, err)
	assert.Equal(t, "ef567890", got.SHA256)
}

func TestQueryHashMissingFieldIsError(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	_, err := c.QueryHash(t.Context(), "nohash")
	assert.Error(t, err)
}

func TestReportInstalledAndProgress(t *testing.T) {
	srv, _ := newFakeControlPlane(t)
	c := New(srv.URL+"/api/v1", 2*time.Second)

	assert.NoError(t, c.ReportInstalled(t.Context(), "node-1", "bin1", "abcd1234"))
	assert.NoError(t, c.ReportProgress(t.Context(), ProgressEvent{
		NodeName:   "node-1",
		BinName:    "bin1",
		TargetHash: "abcd1234",
		Status:     StatusSuccess,
	}))
}
