package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/console"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/scenario"
	"github.com/srg/blemgr/internal/simstack"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/manager"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scenario through the manager",
	Long: `Replay a YAML scenario through the BLE manager against an in-process stack.

Each step either injects a stack event, performs a manager action (connect,
disconnect, scan, remove_bonds) or checks the connection table. After the
replay the stack commands issued by the manager and the final connection
table are printed, as tables or as a JSON report with --format json. The
command fails when any expectation was not met.

With --bonds the bonds learned during the replay are kept in a YAML file and
restored on the next run. With --interactive passkey entry requests prompt on
standard input instead of answering with the configured passkey.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var (
	simulateBonds       string
	simulateInteractive bool
	simulateVerbose     bool
	simulateQueueSize   uint32
	simulateSyncTimeout time.Duration
	simulateFormat      string
)

func init() {
	simulateCmd.Flags().StringVarP(&simulateBonds, "bonds", "b", "", "Bond store file (default: bond_store.path from the config, in memory if unset)")
	simulateCmd.Flags().BoolVarP(&simulateInteractive, "interactive", "i", false, "Prompt for passkeys on standard input")
	simulateCmd.Flags().BoolVar(&simulateVerbose, "verbose", false, "Enable debug logging")
	simulateCmd.Flags().Uint32Var(&simulateQueueSize, "queue-size", simstack.DefaultQueueSize, "Simulated stack event queue size")
	simulateCmd.Flags().StringVarP(&simulateFormat, "format", "f", "table", "Output format (table, json)")
	simulateCmd.Flags().DurationVar(&simulateSyncTimeout, "sync-timeout", scenario.DefaultSyncTimeout, "How long a step waits for earlier events to be dispatched")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simulateFormat != "table" && simulateFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", simulateFormat)
	}

	cfg, fileCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", fileCfg)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	watchInterrupt(ctx, cancel, logger)

	store, err := openSimulationStore(cfg, logger)
	if err != nil {
		return err
	}

	sim := simstack.New(simulateQueueSize, logger)
	opts := []manager.Option{
		manager.WithConfig(cfg),
		manager.WithLogger(logger),
		manager.WithBondStore(store),
	}
	if simulateInteractive {
		prompter := console.NewPrompter(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		opts = append(opts, manager.WithPasskeyProvider(prompter))
	}

	mgr, err := manager.New(sim, opts...)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Init(); err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	runner, err := scenario.NewRunner(mgr, sim, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	if simulateSyncTimeout > 0 {
		runner.SyncTimeout = simulateSyncTimeout
	}

	res, err := runner.Run(ctx, sc)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	if err := displaySimulation(cmd.OutOrStdout(), sc, res, mgr.Connections(), sim.Dropped()); err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%w: %d of %d steps", ErrExpectationsFailed, len(res.Failures), res.Steps)
	}
	if simulateFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "PASS: %d steps\n", res.Steps)
	}
	return nil
}

func displaySimulation(out io.Writer, sc *scenario.Scenario, res *scenario.Result, views []manager.RecordView, dropped uint32) error {
	if simulateFormat == "json" {
		return displayReportJSON(out, newSimulationReport(sc, res, views, dropped))
	}

	fmt.Fprintf(out, "Scenario: %s\n\n", sc.Name)
	if err := displayCommands(out, res.Commands); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := displayConnections(out, views); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(res.Devices) > 0 {
		if err := displayDevices(out, res.Devices); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	if dropped > 0 {
		fmt.Fprintf(out, "WARNING: %d events dropped by the stack queue\n", dropped)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(out, "FAIL: %v\n", f)
	}
	return nil
}

// openSimulationStore picks the --bonds file, then bond_store.path, then an in-memory store.
func openSimulationStore(cfg *config.Config, logger *logrus.Logger) (bondstore.Store, error) {
	path := simulateBonds
	if path == "" {
		path = cfg.BondStore.Path
	}
	if path == "" {
		logger.Debug("Using an in-memory bond store")
		return bondstore.NewMemoryStore(cfg.BondStore.Capacity), nil
	}

	store, err := bondstore.OpenFileStore(path, cfg.BondStore.Capacity)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"path": path, "usage": usageLine(store.Usage())}).Debug("Bond store opened")
	return store, nil
}

// watchInterrupt cancels ctx on Ctrl+C until ctx is done.
func watchInterrupt(ctx context.Context, cancel context.CancelFunc, logger *logrus.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	groutine.Go(ctx, "interrupt-watch", func(ctx context.Context) {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("Interrupted, stopping the replay")
			cancel()
		case <-ctx.Done():
		}
	})
}
