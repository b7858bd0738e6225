// Package orchestrator implements the per-binary update state machine:
// hash compare, lock, stage+verify, archive current, atomic replace,
// restart+verify, and compensating rollback on failure. It also exposes
// the rollback-only entry point used by the "rollback" CLI subcommand.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/binproxy/agent/internal/archive"
	"github.com/binproxy/agent/internal/controlplane"
	"github.com/binproxy/agent/internal/download"
	"github.com/binproxy/agent/internal/hashutil"
	"github.com/binproxy/agent/internal/lockmgr"
	"github.com/binproxy/agent/internal/queue"
	"github.com/binproxy/agent/internal/supervisor"
)

// State names the update state machine's nodes, materialized explicitly
// per the project's design notes so rollback composition and testing
// stay tractable instead of interleaving states with I/O.
type State string

const (
	StateIdle         State = "IDLE"
	StateQueried      State = "QUERIED"
	StateLocked       State = "LOCKED"
	StateStaged       State = "STAGED"
	StateVerified     State = "VERIFIED"
	StateArchived     State = "ARCHIVED"
	StateReplaced     State = "REPLACED"
	StateRestarted    State = "RESTARTED"
	StateVerifiedLive State = "VERIFIED_LIVE"
	StateDone         State = "DONE"
	StateRollback     State = "ROLLBACK"
	StateFailed       State = "FAILED"
)

// operation distinguishes the two entry points that share change(): a
// network-backed upgrade and an archive-backed rollback.
type operation string

const (
	opUpgrade  operation = "upgrade"
	opRollback operation = "rollback"
)

// Result is the terminal outcome of processing one binary.
type Result struct {
	Binary     string
	FinalState State
	Err        error
}

// Orchestrator wires together every collaborator the state machine needs.
type Orchestrator struct {
	cfg struct {
		nodeID      string
		lockTimeout time.Duration
	}

	cp         *controlplane.Client
	locks      *lockmgr.Manager
	downloader *download.Engine
	archives   *archive.Store
	super      supervisor.Adapter
	progress   *queue.Queue
	manifest   ManifestUpdater
	binDir     string
	log        *zap.Logger
}

// ManifestUpdater is the slice of manifest.Store the orchestrator needs:
// recording the newly installed hash at the VERIFIED_LIVE → DONE
// transition. A failed update does NOT update the manifest, so a
// binary that gets rolled back keeps the manifest entry for whatever
// hash was last actually running.
type ManifestUpdater interface {
	UpdateBinary(binaryName, newHash string) error
}

// New builds an Orchestrator.
func New(
	nodeID string,
	cp *controlplane.Client,
	locks *lockmgr.Manager,
	downloader *download.Engine,
	archives *archive.Store,
	super supervisor.Adapter,
	progress *queue.Queue,
	manifestUpdater ManifestUpdater,
	binDir string,
	log *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cp:         cp,
		locks:      locks,
		downloader: downloader,
		archives:   archives,
		super:      super,
		progress:   progress,
		manifest:   manifestUpdater,
		binDir:     binDir,
		log:        log,
	}
	o.cfg.nodeID = nodeID
	return o
}

// ProcessBinary drives one binary through query → lock → stage → verify
// → archive → replace → restart → verify-live.
func (o *Orchestrator) ProcessBinary(ctx context.Context, binaryName, currentHash string) Result {
	state := StateIdle
	o.log.Info("processing binary", zap.String("binary", binaryName), zap.String("current", currentHash))

	target, err := o.cp.QueryHash(ctx, binaryName)
	if err != nil {
		o.log.Error("hash query failed", zap.String("binary", binaryName), zap.Error(err))
		return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
	}
	if target.SHA256 == "" {
		err := fmt.Errorf("control plane returned empty target hash for %s", binaryName)
		o.log.Error(err.Error())
		return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
	}
	state = StateQueried

	// Equal hashes short-circuit before acquiring the lock (cheap idle case).
	if currentHash != "" && currentHash == target.SHA256 {
		o.log.Info("already up to date", zap.String("binary", binaryName), zap.String("hash", currentHash))
		return Result{Binary: binaryName, FinalState: StateDone}
	}

	return o.change(ctx, binaryName, currentHash, target.SHA256, opUpgrade, state)
}

// Rollback is the rollback-only entry point: identical to change() except
// the staging source is the archived copy of targetHash (no network
// download, no hash re-verification — the archive is trusted by
// construction).
func (o *Orchestrator) Rollback(ctx context.Context, binaryName, targetHash string) Result {
	if !o.archives.Exists(binaryName, targetHash) {
		err := fmt.Errorf("rollback %s: archived binary not found for %s", binaryName, targetHash)
		o.log.Error(err.Error())
		return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
	}

	currentHash := hashutil.SHA256File(o.installedPath(binaryName))
	return o.change(ctx, binaryName, currentHash, targetHash, opRollback, StateQueried)
}

func (o *Orchestrator) installedPath(binaryName string) string {
	return o.binDir + "/" + binaryName
}

// change implements the shared state machine body for both the upgrade
// and rollback entry points.
func (o *Orchestrator) change(ctx context.Context, binaryName, currentHash, targetHash string, op operation, state State) Result {
	log := o.log.With(zap.String("binary", binaryName), zap.String("target", targetHash), zap.String("op", string(op)))
	log.Debug("entering change", zap.String("state", string(state)))

	acquired, err := o.locks.Acquire(binaryName, targetHash)
	if err != nil {
		log.Error("lock acquire error", zap.Error(err))
		return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
	}
	if !acquired {
		log.Info("lock contention, skipping")
		return Result{Binary: binaryName, FinalState: StateFailed, Err: fmt.Errorf("lock held for %s@%s", binaryName, targetHash)}
	}
	state = StateLocked

	o.reportProgress(ctx, binaryName, targetHash, controlplane.StatusInProgress)

	var stagedPath string
	if op == opUpgrade {
		stagedPath, err = o.downloader.StagingPath(binaryName)
		if err != nil {
			o.failAndRelease(ctx, binaryName, targetHash, err)
			return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
		}

		ok, derr := o.downloader.Download(ctx, binaryName, stagedPath)
		if !ok || derr != nil {
			os.Remove(stagedPath)
			o.failAndRelease(ctx, binaryName, targetHash, derr)
			return Result{Binary: binaryName, FinalState: StateFailed, Err: derr}
		}
		state = StateStaged

		actual := hashutil.SHA256File(stagedPath)
		if actual != targetHash {
			os.Remove(stagedPath)
			err := fmt.Errorf("sha256 mismatch for %s: expected %s, got %s", binaryName, targetHash, actual)
			log.Error(err.Error())
			o.failAndRelease(ctx, binaryName, targetHash, err)
			return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
		}
		state = StateVerified
	} else {
		stagedPath = o.archives.Path(binaryName, targetHash)
		state = StateVerified // archive is trusted by construction, no re-verify
	}

	installedPath := o.installedPath(binaryName)

	if currentHash != "" {
		if err := o.archives.ArchiveIfAbsent(binaryName, currentHash, installedPath); err != nil {
			log.Error("archive current binary failed", zap.Error(err))
			// Not fatal to the replace path per se, but without an archive
			// a later rollback would be impossible; surface it.
		}
	}
	state = StateArchived

	if err := replaceInstalled(stagedPath, installedPath, op == opUpgrade); err != nil {
		o.failAndRelease(ctx, binaryName, targetHash, err)
		return Result{Binary: binaryName, FinalState: StateFailed, Err: err}
	}
	state = StateReplaced

	if o.super.Available() {
		exitCode, rerr := o.super.Restart(ctx, binaryName)
		state = StateRestarted
		status := o.super.Status(ctx, binaryName)

		if rerr != nil || exitCode != 0 || status != supervisor.Running {
			return o.rollbackAfterFailedRestart(ctx, binaryName, currentHash, targetHash, installedPath)
		}
		state = StateVerifiedLive
	} else {
		// No supervisor available is a design-level success path: the
		// binary replacement is complete, restart is someone else's job.
		state = StateVerifiedLive
	}

	log.Debug("reached terminal state", zap.String("state", string(state)))

	o.reportProgress(ctx, binaryName, targetHash, controlplane.StatusSuccess)
	if err := o.cp.ReportInstalled(ctx, o.cfg.nodeID, binaryName, targetHash); err != nil {
		log.Warn("report-installed failed (best effort)", zap.Error(err))
	}
	if o.manifest != nil {
		if err := o.manifest.UpdateBinary(binaryName, targetHash); err != nil {
			log.Warn("failed to update manifest", zap.Error(err))
		}
	}

	o.locks.Release(binaryName, targetHash)
	return Result{Binary: binaryName, FinalState: StateDone}
}

// rollbackAfterFailedRestart handles the ambiguous-success and
// restart-failure branches: restore the archived prior version (if one
// exists), attempt to restart it, and report failure regardless of
// whether the compensating rollback itself succeeded.
func (o *Orchestrator) rollbackAfterFailedRestart(ctx context.Context, binaryName, previousHash, targetHash, installedPath string) Result {
	log := o.log.With(zap.String("binary", binaryName), zap.String("target", targetHash))
	log.Error("restart did not verify RUNNING, rolling back")

	rolledBack := false
	if previousHash != "" && o.archives.Exists(binaryName, previousHash) {
		archivedPath := o.archives.Path(binaryName, previousHash)
		err := replaceInstalled(archivedPath, installedPath, false)
		rolledBack = err == nil
		if err != nil {
			log.Error("rollback copy-back failed", zap.Error(err))
		} else if o.super.Available() {
			if _, err := o.super.Restart(ctx, binaryName); err != nil {
				log.Error("rollback restart failed", zap.Error(err))
			} else {
				log.Info("rollback restart issued", zap.String("restored", previousHash))
			}
		}
	} else {
		log.Warn("no archived prior version available, rollback skipped")
	}

	o.reportProgress(ctx, binaryName, targetHash, controlplane.StatusFailed)
	o.locks.Release(binaryName, targetHash)

	err := fmt.Errorf("restart failed for %s, no rollback performed", binaryName)
	if rolledBack {
		err = fmt.Errorf("restart failed for %s, rolled back to %s", binaryName, previousHash)
	}
	return Result{
		Binary:     binaryName,
		FinalState: StateFailed,
		Err:        err,
	}
}

// failAndRelease reports a failed progress event and releases the lock —
// the common tail of every pre-replace failure branch.
func (o *Orchestrator) failAndRelease(ctx context.Context, binaryName, targetHash string, cause error) {
	if cause != nil {
		o.log.Error("update failed", zap.String("binary", binaryName), zap.Error(cause))
	}
	o.reportProgress(ctx, binaryName, targetHash, controlplane.StatusFailed)
	o.locks.Release(binaryName, targetHash)
}

// reportProgress posts best-effort; a failure is queued for retry on the
// next invocation rather than dropped, but never affects the
// orchestration outcome either way.
func (o *Orchestrator) reportProgress(ctx context.Context, binaryName, targetHash string, status controlplane.ProgressStatus) {
	elapsed := int64(0)
	if acquiredAt, ok := o.locks.AcquiredAt(binaryName, targetHash); ok {
		elapsed = int64(time.Since(acquiredAt).Seconds())
	}

	event := controlplane.ProgressEvent{
		NodeName:       o.cfg.nodeID,
		BinName:        binaryName,
		TargetHash:     targetHash,
		ProcessingTime: elapsed,
		Status:         status,
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := o.cp.ReportProgress(reqCtx, event); err != nil {
		o.log.Info("progress report failed, queueing for retry", zap.String("binary", binaryName), zap.Error(err))
		if o.progress != nil {
			o.progress.Enqueue(event)
		}
	}
}

// replaceInstalled copies src over dst, chmods it executable, and — on
// the upgrade path only — unlinks the staging source afterward (the
// rollback path's source is the archive, which must be left in place).
func replaceInstalled(src, dst string, unlinkSrcAfter bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged binary %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".replacing"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("create replacement %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, dst, err)
	}

	if unlinkSrcAfter {
		os.Remove(src)
	}
	return nil
}
