package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"uiscout/internal/config"
	"uiscout/internal/explore"
	"uiscout/internal/logging"
	"uiscout/internal/navgraph"
	"uiscout/internal/outbox"
	"uiscout/internal/snapshot"
	"uiscout/internal/valuestore"
)

var (
	// Global flags
	verbose bool
	dataDir string
	sinkURL string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "uiscout - autonomous UI exploration core",
	Long: `uiscout explores a UI autonomously, learning a navigation graph and
per-action values as it goes. Learned data is persisted locally and
delivered to a remote sink through a durable, backoff-driven queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		dir := dataDir
		if dir == "" {
			dir = ".scout"
		}
		cfg, err = config.Load(filepath.Join(dir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		if err := logging.Initialize(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var exploreCmd = &cobra.Command{
	Use:   "explore [target-url]",
	Short: "Run one exploration session against a target",
	Long: `Opens the target in a browser, explores it until coverage, the
iteration cap, or a stop signal ends the session, and prints the result.

The target must be allowlisted (--allow) before any learning is persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: runExplore,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learned-store statistics",
	RunE:  runStatus,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the delivery queue to the telemetry sink",
	RunE:  runFlush,
}

var exportCmd = &cobra.Command{
	Use:   "export [target]",
	Short: "Write a target's learned value table as JSON to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var (
	allowTargets []string
	flushWorkers int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default .scout)")
	rootCmd.PersistentFlags().StringVar(&sinkURL, "sink", "", "telemetry sink base URL")

	exploreCmd.Flags().StringSliceVar(&allowTargets, "allow", nil, "targets allowed for learning writes")
	flushCmd.Flags().IntVar(&flushWorkers, "workers", 0, "concurrent flush workers (default from config)")

	rootCmd.AddCommand(exploreCmd, statusCmd, flushCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStores constructs the three persistent stores from config.
func openStores() (*navgraph.Store, *valuestore.Store, *outbox.Queue, error) {
	graph, err := navgraph.NewStore(cfg.GraphDBPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open navigation graph: %w", err)
	}
	graph.SetMaxTargets(cfg.Exploration.MaxTrackedTargets)
	graph.SetMaxKeyElements(cfg.Exploration.MaxElementSummary)

	values, err := valuestore.NewStore(cfg.ValuesDBPath(),
		valuestore.WithCapacity(cfg.Storage.ValueCapacity),
		valuestore.WithMinVisits(cfg.Storage.MinVisits))
	if err != nil {
		graph.Close()
		return nil, nil, nil, fmt.Errorf("failed to open value store: %w", err)
	}

	base, _ := cfg.Outbox.BackoffBaseDuration()
	cap, _ := cfg.Outbox.BackoffCapDuration()
	queue, err := outbox.NewQueue(cfg.OutboxDBPath(),
		outbox.WithCapacity(cfg.Outbox.Capacity),
		outbox.WithMaxRetries(cfg.Outbox.MaxRetries),
		outbox.WithBackoff(base, cap))
	if err != nil {
		graph.Close()
		values.Close()
		return nil, nil, nil, fmt.Errorf("failed to open delivery queue: %w", err)
	}
	return graph, values, queue, nil
}

func runExplore(cmd *cobra.Command, args []string) error {
	target := args[0]

	graph, values, queue, err := openStores()
	if err != nil {
		return err
	}
	defer graph.Close()
	defer values.Close()
	defer queue.Close()

	device := snapshot.NewDevice(cfg.Snapshot)
	ctx := cmd.Context()
	if err := device.Start(ctx, target); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	defer device.Close()

	// Hot-reload config while the session runs; log-category changes take
	// effect without a restart.
	watcher, err := config.NewWatcher(cfg.Storage.DataDir, nil)
	if err == nil {
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	gate := snapshot.NewAllowlistGate(allowTargets...)
	session := explore.NewSession(cfg, target, graph, values, queue, device, device, gate)

	// SIGINT requests a clean stop; the session still produces a result.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal, finishing session")
		session.Stop()
	}()

	logger.Info("Starting exploration", zap.String("target", target), zap.String("session", session.ID))
	result, err := session.Run(ctx)
	if err != nil {
		return fmt.Errorf("session failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	graph, values, queue, err := openStores()
	if err != nil {
		return err
	}
	defer graph.Close()
	defer values.Close()
	defer queue.Close()

	targets, err := graph.Targets()
	if err != nil {
		return err
	}

	fmt.Printf("Tracked targets: %d\n", len(targets))
	for _, target := range targets {
		screens, err := graph.Screens(target)
		if err != nil {
			return err
		}
		edges, err := graph.Edges(target)
		if err != nil {
			return err
		}
		explored := 0
		for _, s := range screens {
			if s.FullyExplored {
				explored++
			}
		}
		fmt.Printf("  %s: %d screens (%d fully explored), %d edges\n",
			target, len(screens), explored, len(edges))
	}

	fmt.Printf("Value table: %d entries\n", values.Size())

	pending, err := queue.Size()
	if err != nil {
		return err
	}
	fmt.Printf("Delivery queue: %d pending\n", pending)
	return nil
}

func runFlush(cmd *cobra.Command, args []string) error {
	if sinkURL == "" {
		return fmt.Errorf("--sink is required for flush")
	}

	graph, values, queue, err := openStores()
	if err != nil {
		return err
	}
	defer graph.Close()
	defer values.Close()
	defer queue.Close()

	workers := flushWorkers
	if workers <= 0 {
		workers = cfg.Outbox.FlushWorkers
	}

	publisher := snapshot.NewHTTPPublisher(sinkURL)
	stats, err := queue.FlushAll(cmd.Context(), publisher.Publish, workers)
	if err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	fmt.Printf("Flushed: delivered=%d failed=%d skipped=%d dropped=%d\n",
		stats.Delivered, stats.Failed, stats.Skipped, stats.Dropped)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	target := args[0]

	graph, values, queue, err := openStores()
	if err != nil {
		return err
	}
	defer graph.Close()
	defer values.Close()
	defer queue.Close()

	screens, err := graph.Screens(target)
	if err != nil {
		return err
	}
	edges, err := graph.Edges(target)
	if err != nil {
		return err
	}
	menus, err := graph.MenuPatterns(target)
	if err != nil {
		return err
	}
	valueTable, err := values.Export(target)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"target":        target,
		"screens":       screens,
		"edges":         edges,
		"menu_patterns": menus,
		"values":        json.RawMessage(valueTable),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
