// Package manifest reads and writes the agent's local binary manifest:
// the JSON document listing tracked binaries and the node info block.
// Writes are whole-file, temp-then-rename for durability; readers and
// writers across separate invocations are serialized by the cron
// cadence, so no intra-process locking is required here (the update
// lock in internal/lockmgr serializes the install path that precedes a
// manifest write).
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/binproxy/agent/internal/identity"
)

// Binary is one tracked binary entry.
type Binary struct {
	BinaryName      string `json:"binaryName"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previousVersion"`
}

// Document is the whole manifest file contents.
type Document struct {
	NodeInfo identity.Info `json:"nodeInfo"`
	Binaries []Binary      `json:"binaries"`
}

// Store loads and persists a Document at a fixed path. It keeps the
// most recently loaded Document in memory so that the orchestrator (via
// UpdateBinary) and the driver (via UpdateNodeInfo) can each make a
// targeted mutation without re-threading the whole document through
// every call site.
type Store struct {
	path string

	mu  sync.Mutex
	doc *Document
}

// New returns a Store bound to path. The manifest must already exist —
// a missing manifest is a fatal startup condition for the driver.
func New(path string) *Store {
	return &Store{path: path}
}

// Exists reports whether the manifest file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and parses the manifest file, caching it for subsequent
// UpdateBinary/UpdateNodeInfo calls, and returns that same cached
// Document (not a copy) for the driver to iterate.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest %s: parse: %w", s.path, err)
	}

	s.mu.Lock()
	s.doc = &doc
	s.mu.Unlock()

	return &doc, nil
}

// persistLocked writes s.doc to the manifest path atomically: write to a
// temp file in the same directory, then rename over the original.
// Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp manifest: %w", err)
	}
	return nil
}

// UpdateBinary sets previousVersion ← version, version ← newHash for the
// named binary entry in the cached document, then persists. Implements
// orchestrator.ManifestUpdater.
func (s *Store) UpdateBinary(binaryName, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("manifest not loaded")
	}

	found := false
	for i := range s.doc.Binaries {
		if s.doc.Binaries[i].BinaryName == binaryName {
			s.doc.Binaries[i].PreviousVersion = s.doc.Binaries[i].Version
			s.doc.Binaries[i].Version = newHash
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("binary %s not found in manifest", binaryName)
	}
	return s.persistLocked()
}

// UpdateNodeInfo replaces the node info block in the cached document and persists it.
func (s *Store) UpdateNodeInfo(info identity.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("manifest not loaded")
	}
	s.doc.NodeInfo = info
	return s.persistLocked()
}
