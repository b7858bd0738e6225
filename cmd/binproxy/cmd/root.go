// Package cmd wires the binproxy agent's cobra command tree: run (the
// cron entry point), rollback, keepalive, and version.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/binproxy/agent/internal/archive"
	"github.com/binproxy/agent/internal/config"
	"github.com/binproxy/agent/internal/controlplane"
	"github.com/binproxy/agent/internal/download"
	"github.com/binproxy/agent/internal/driver"
	"github.com/binproxy/agent/internal/lockmgr"
	"github.com/binproxy/agent/internal/logging"
	"github.com/binproxy/agent/internal/manifest"
	"github.com/binproxy/agent/internal/orchestrator"
	"github.com/binproxy/agent/internal/queue"
	"github.com/binproxy/agent/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:   "binproxy",
	Short: "binproxy keeps node binaries in sync with the control plane",
	Long: `binproxy is a cron-invoked agent that compares a node's installed
binaries against the control plane's desired content hashes, and
downloads, verifies, and installs any that have drifted.`,
}

// Execute adds all child commands to rootCmd and runs it. Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

// deps bundles every collaborator a subcommand needs, built once from
// config so each subcommand doesn't repeat the wiring.
type deps struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *manifest.Store
	cp     *controlplane.Client
	orch   *orchestrator.Orchestrator
	drv    *driver.Driver
	progQ  *queue.Queue
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	store := manifest.New(cfg.ManifestPath)
	cp := controlplane.New(cfg.APIBase, time.Duration(cfg.ControlPlaneTimeout)*time.Second)
	locks := lockmgr.New(cfg.LockDir, time.Duration(cfg.LockTimeout)*time.Second)
	downloader := download.New(cfg.DownloadBase, int64(cfg.MinFreeKB), time.Duration(cfg.DownloadTimeout)*time.Second, log)
	archives := archive.New(cfg.ArchiveDir())
	super := supervisor.NewCLI(time.Duration(cfg.RestartTimeout)*time.Second, time.Duration(cfg.StatusTimeout)*time.Second)

	progQ, err := queue.Open(cfg.ProgressQueuePath())
	if err != nil {
		log.Warn("progress durability queue unavailable", zap.Error(err))
		progQ = nil
	}

	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	orch := orchestrator.New(nodeID, cp, locks, downloader, archives, super, progQ, store, cfg.BinDir, log)
	drv := driver.New(store, cp, orch, log)

	return &deps{cfg: cfg, log: log, store: store, cp: cp, orch: orch, drv: drv, progQ: progQ}, nil
}

func init() {
	color.NoColor = os.Getenv("NO_COLOR") != "" || !isTerminal()
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
