// ============================================================================
// Cuckoo-Mine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command surface and component wiring for the mining client.
//
// Command Structure:
//   cuckoo-mine                    # Root command
//   ├── run                        # Connect to the node and mine
//   │   └── --config, -c          # Config file path
//   ├── plugins                    # List solver plugins in the plugin dir
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   1. Load and validate the config file (fatal on any violation)
//   2. Discover and load solver plugins (fatal only on zero instances)
//   3. Start telemetry, optional metrics server, coordinator, stratum client
//   4. Log a status line from the aggregator on a fixed cadence
//   5. On SIGINT/SIGTERM, stop components in reverse start order
//
// plugins Command:
//   Load-checks every candidate in the configured plugin directory and
//   prints name, algorithm, edge bits and ABI verdict. No instance is
//   configured; this is an operator visibility tool.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cuckoo-mine/internal/config"
	"github.com/ChuLiYu/cuckoo-mine/internal/metrics"
	"github.com/ChuLiYu/cuckoo-mine/internal/miner"
	"github.com/ChuLiYu/cuckoo-mine/internal/plugin"
	"github.com/ChuLiYu/cuckoo-mine/internal/stats"
	"github.com/ChuLiYu/cuckoo-mine/internal/stratum"
)

var log = slog.Default()

// statusInterval is the cadence of the logged status line.
const statusInterval = 2 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cuckoo-mine",
		Short: "Cuckoo-Mine: a plugin-driven proof-of-work mining client",
		Long: `Cuckoo-Mine is a standalone mining client:
- Stratum session to a single node with reconnect and keepalive
- Dynamically loaded solver plugins behind a versioned ABI
- Single-current-job dispatch with grace-window share handling
- Prometheus metrics and windowed telemetry`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPluginsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start mining against the configured node",
		Long:  "Connect to the node, dispatch jobs to solver plugins and submit shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMiner()
		},
	}
}

func runMiner() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("Starting cuckoo-mine",
		"node", cfg.Node.Addr,
		"plugin_dir", cfg.Plugins.Dir)

	// Plugins first: a client with no solvers has nothing to do.
	registry := plugin.NewRegistry(plugin.Config{
		Dir:              cfg.Plugins.Dir,
		Filter:           cfg.Plugins.Filter,
		DefaultInstances: cfg.Plugins.DefaultInstances,
		InstanceCounts:   cfg.Plugins.InstanceCounts,
		Devices:          cfg.Plugins.Devices,
		ReloadBudget:     cfg.Plugins.ReloadBudget,
	}, nil)
	if err := registry.LoadAll(); err != nil {
		return fmt.Errorf("failed to load solver plugins: %w", err)
	}
	for _, le := range registry.LoadErrors() {
		log.Warn("Plugin skipped at load", "error", le.Error())
	}

	agg := stats.New(stats.DefaultWindow)
	collector := metrics.NewCollector()
	collector.SetSolverInstances(len(registry.Instances()))

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	coordinator := miner.New(miner.Config{
		PollInterval:    cfg.PollInterval(),
		LivenessTimeout: cfg.LivenessTimeout(),
		ShareGrace:      cfg.ShareGrace(),
		CancelGrace:     cfg.CancelGrace(),
	}, registry, agg, collector)

	client := stratum.NewClient(stratum.Config{
		Addr:              cfg.Node.Addr,
		Login:             cfg.Node.Login,
		Pass:              cfg.Node.Pass,
		Agent:             cfg.Node.Agent,
		KeepaliveInterval: cfg.KeepaliveInterval(),
		ResponseTimeout:   cfg.ResponseTimeout(),
		BackoffBase:       cfg.BackoffBase(),
		BackoffMax:        cfg.BackoffMax(),
		BackoffJitter:     cfg.Stratum.BackoffJitter,
	}, coordinator.JobSink(), coordinator.Shares(), agg, collector)

	coordinator.Start()
	client.Start()

	statusDone := make(chan struct{})
	go statusLoop(agg, statusDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received, stopping")

	// Reverse start order: stop the share source of truth last.
	close(statusDone)
	client.Stop()
	coordinator.Stop()
	registry.Close()

	log.Info("Cuckoo-mine stopped")
	return nil
}

// statusLoop logs a periodic status line from the aggregator. This is the
// display collaborator surface; a TUI would consume the same snapshots.
func statusLoop(agg *stats.Aggregator, done <-chan struct{}) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := agg.Snapshot()
			log.Info("Status",
				"session", snap.Session,
				"height", snap.Height,
				"gps", fmt.Sprintf("%.2f", snap.CombinedGps),
				"accepted", snap.Accepted,
				"rejected", snap.Rejected,
				"stale", snap.Stale,
				"lost", snap.Lost,
				"instances", len(snap.Instances))
		}
	}
}

func buildPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List solver plugins in the configured directory",
		Long:  "Identify every plugin candidate and report name, algorithm and ABI verdict without configuring instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPlugins(cmd)
		},
	}
}

func listPlugins(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	registry := plugin.NewRegistry(plugin.Config{
		Dir:    cfg.Plugins.Dir,
		Filter: cfg.Plugins.Filter,
	}, nil)

	paths, err := registry.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover plugins: %w", err)
	}
	if len(paths) == 0 {
		cmd.Printf("No plugins found in %s\n", cfg.Plugins.Dir)
		return nil
	}

	cmd.Printf("%-28s %-16s %-12s %-9s %s\n", "FILE", "NAME", "ALGORITHM", "EDGE_BITS", "ABI")
	for _, path := range paths {
		line := identifyCandidate(path)
		cmd.Println(line)
	}
	return nil
}

// identifyCandidate load-checks one plugin binary and formats its verdict.
func identifyCandidate(path string) string {
	file := filepath.Base(path)

	solver, err := plugin.OpenSharedObject(path)
	if err != nil {
		return fmt.Sprintf("%-28s %-16s %-12s %-9s load error: %v", file, "-", "-", "-", err)
	}
	defer solver.Shutdown()

	ident := solver.Identify()
	verdict := fmt.Sprintf("v%d ok", ident.ABIVersion)
	if ident.ABIVersion < plugin.AbiVersionMin || ident.ABIVersion > plugin.AbiVersionMax {
		verdict = fmt.Sprintf("v%d unsupported", ident.ABIVersion)
	}
	return fmt.Sprintf("%-28s %-16s %-12s %-9d %s", file, ident.Name, ident.Algorithm, ident.EdgeBits, verdict)
}
