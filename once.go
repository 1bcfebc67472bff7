package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/engine"
	"github.com/jonthemediocre/deltasync/internal/errclass"
	"github.com/jonthemediocre/deltasync/internal/events"
	"github.com/jonthemediocre/deltasync/internal/mlmodel"
	"github.com/jonthemediocre/deltasync/internal/registry"
)

// newOnceCmd creates the once command, a single catch-up sync pass.
func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync pass and exit",
		Long:  "Scans every source tree in the registry, syncs out-of-date paths to their destinations, and exits without watching.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOnce()
		},
	}
}

func runOnce() error {
	logger := buildLogger(resolvedCfg)

	reg, err := registry.Load(resolvedCfg.RegistryPath, logger)
	if err != nil {
		return err
	}

	var plan *engine.RecoveryPlan
	if resolvedCfg.RecoveryPlanPath != "" {
		plan, err = engine.LoadRecoveryPlan(resolvedCfg.RecoveryPlanPath, logger)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(resolvedCfg.DataDir, pidDirPermissions); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Same lock as the daemon; a one-shot pass must not race it.
	cleanup, err := writePIDFile(pidFilePath(resolvedCfg.DataDir))
	if err != nil {
		return err
	}
	defer cleanup()

	bus := events.NewBus(logger)

	ledger, err := engine.NewLedger(resolvedCfg.MetricsDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	store := delta.NewSnapshotStore(resolvedCfg.SnapshotPath(), logger)
	tracker := delta.NewTracker(store, ledger, logger)

	eng := engine.New(&engine.Config{
		Registry: reg,
		Delta:    tracker,
		Model:    mlmodel.New(bus, logger),
		Errors:   errclass.NewHandler(bus, logger),
		Bus:      bus,
		Ledger:   ledger,
		Plan:     plan,
		Identity: engine.Identity{User: resolvedCfg.User, Groups: resolvedCfg.Groups},
		Logger:   logger,
	})

	ctx := shutdownContext(context.Background(), logger)

	processed, err := eng.SyncOnce(ctx)
	if err != nil {
		return err
	}

	statusf(flagQuiet, "Synced %d path(s)\n", processed)

	if frozen := eng.FrozenPaths(); len(frozen) > 0 {
		statusf(flagQuiet, "%d path(s) failed and are frozen; run 'deltasync status' for details\n", len(frozen))
	}

	return nil
}
