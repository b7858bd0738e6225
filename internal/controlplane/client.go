// Package controlplane is a thin JSON-over-HTTP client for four
// operations: keepalive, hash query, installed-hash report, and
// progress report. Timeouts and error mapping live here so every caller
// gets the same 10-second default (download uses its own longer timeout
// and lives in internal/download instead).
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"

	"github.com/binproxy/agent/internal/identity"
)

// Client talks to the control plane's binary-distribution API.
type Client struct {
	base       string
	httpClient *http.Client
}

// New builds a Client against apiBase (e.g. BIN_MANAGER_API) with the
// given request timeout.
func New(apiBase string, timeout time.Duration) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	return &Client{
		base: apiBase,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// HashQuery is the response to query-hash, tolerant of either
// "sha256sum" or "sha256" carrying the hash.
type HashQuery struct {
	SHA256  string
	Version string
}

// ProgressStatus enumerates the progress event's status field.
type ProgressStatus string

const (
	StatusInProgress ProgressStatus = "in_progress"
	StatusSuccess    ProgressStatus = "success"
	StatusFailed     ProgressStatus = "failed"
)

// ProgressEvent is the transient network-only progress/completion payload.
type ProgressEvent struct {
	NodeName       string         `json:"nodeName"`
	BinName        string         `json:"binName"`
	TargetHash     string         `json:"targetHash"`
	ProcessingTime int64          `json:"processingTime"`
	Status         ProgressStatus `json:"status"`
}

// ErrNotRegistered is returned by Keepalive when the control plane
// reports the node isn't registered (404).
var ErrNotRegistered = fmt.Errorf("node not registered")

// Keepalive performs the keepalive-get check; on ErrNotRegistered the
// caller is expected to fall back to Register.
func (c *Client) Keepalive(ctx context.Context, nodeID string) error {
	url := fmt.Sprintf("%s/keepalive?node_id=%s", c.base, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRegistered
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("keepalive: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Register posts node info (keepalive-post), used when Keepalive
// returns ErrNotRegistered.
func (c *Client) Register(ctx context.Context, nodeID string, info identity.Info) error {
	payload := struct {
		identity.Info
		NodeID string `json:"node_id"`
	}{Info: info, NodeID: nodeID}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/keepalive", c.base)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// QueryHash queries the currently desired content hash for a binary.
func (c *Client) QueryHash(ctx context.Context, binaryName string) (HashQuery, error) {
	url := fmt.Sprintf("%s/bins/%s", c.base, binaryName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HashQuery{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HashQuery{}, fmt.Errorf("query hash for %s: %w", binaryName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HashQuery{}, fmt.Errorf("query hash for %s: unexpected status %d", binaryName, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return HashQuery{}, fmt.Errorf("query hash for %s: read body: %w", binaryName, err)
	}

	hash := gjson.GetBytes(raw, "sha256sum")
	if !hash.Exists() {
		hash = gjson.GetBytes(raw, "sha256")
	}
	if !hash.Exists() {
		return HashQuery{}, fmt.Errorf("query hash for %s: response missing sha256sum/sha256 field", binaryName)
	}

	return HashQuery{
		SHA256:  hash.String(),
		Version: gjson.GetBytes(raw, "version").String(),
	}, nil
}

// ReportInstalled posts the node's newly installed content hash for a binary.
func (c *Client) ReportInstalled(ctx context.Context, nodeID, binaryName, sha256sum string) error {
	payload := struct {
		NodeID    string `json:"node_id"`
		SHA256Sum string `json:"sha256sum"`
	}{NodeID: nodeID, SHA256Sum: sha256sum}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bins/%s", c.base, binaryName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report installed for %s: %w", binaryName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("report installed for %s: unexpected status %d", binaryName, resp.StatusCode)
	}
	return nil
}

// ReportProgress posts a progress/completion event. Best-effort by
// policy: callers must never treat its error as fatal to the
// orchestration outcome. The orchestrator stores any event whose post
// fails in internal/queue, which retries it on the next run.
func (c *Client) ReportProgress(ctx context.Context, event ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bins/%s/progress", c.base, event.BinName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report progress for %s: %w", event.BinName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report progress for %s: unexpected status %d", event.BinName, resp.StatusCode)
	}
	return nil
}
