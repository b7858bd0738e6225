// Package driver iterates the manifest and runs the orchestrator once
// per tracked binary, per invocation. The agent itself is stateless
// between invocations — all cross-run state lives in the manifest, the
// lock directory, and the archive.
package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/binproxy/agent/internal/controlplane"
	"github.com/binproxy/agent/internal/identity"
	"github.com/binproxy/agent/internal/manifest"
	"github.com/binproxy/agent/internal/orchestrator"
)

// Driver ties the manifest store, control-plane client, and
// orchestrator together for one invocation of `binproxy run`.
type Driver struct {
	store *manifest.Store
	cp    *controlplane.Client
	orch  *orchestrator.Orchestrator
	log   *zap.Logger
}

// New builds a Driver.
func New(store *manifest.Store, cp *controlplane.Client, orch *orchestrator.Orchestrator, log *zap.Logger) *Driver {
	return &Driver{store: store, cp: cp, orch: orch, log: log}
}

// Run loads the manifest (a missing manifest is fatal), registers or
// keepalives with the control plane, updates the node info block, then
// processes every tracked binary in order. Per-binary failures are
// logged and do not stop the run; only the startup conditions above
// return an error. The orchestrator owns persisting a binary's new
// version to the manifest on success (at its verified-live-to-done
// transition), so Run only reads the manifest once to discover what to
// process.
func (d *Driver) Run(ctx context.Context) error {
	if !d.store.Exists() {
		return fmt.Errorf("manifest not found")
	}

	doc, err := d.store.Load()
	if err != nil {
		return err
	}

	info, err := identity.Probe()
	if err != nil {
		d.log.Warn("failed to probe node identity", zap.Error(err))
	} else {
		if err := d.Keepalive(ctx, info); err != nil {
			d.log.Warn("keepalive failed (best effort)", zap.Error(err))
		}
		if err := d.store.UpdateNodeInfo(info); err != nil {
			d.log.Warn("failed to persist node info", zap.Error(err))
		}
	}

	for _, binary := range doc.Binaries {
		if binary.BinaryName == "" {
			continue
		}

		result := d.orch.ProcessBinary(ctx, binary.BinaryName, binary.Version)
		if result.Err != nil {
			d.log.Error("binary update failed",
				zap.String("binary", binary.BinaryName),
				zap.String("state", string(result.FinalState)),
				zap.Error(result.Err))
			continue
		}

		d.log.Info("binary processed",
			zap.String("binary", binary.BinaryName),
			zap.String("state", string(result.FinalState)))
	}

	return nil
}

// Keepalive performs the keepalive-or-register check, exposed standalone
// for the `binproxy keepalive` subcommand.
func (d *Driver) Keepalive(ctx context.Context, info identity.Info) error {
	err := d.cp.Keepalive(ctx, info.NodeID())
	if err == nil {
		d.log.Info("keepalive check successful")
		return nil
	}
	if err != controlplane.ErrNotRegistered {
		return err
	}

	d.log.Info("node not registered, posting node info")
	return d.cp.Register(ctx, info.NodeID(), info)
}
