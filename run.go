package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/engine"
	"github.com/jonthemediocre/deltasync/internal/errclass"
	"github.com/jonthemediocre/deltasync/internal/events"
	"github.com/jonthemediocre/deltasync/internal/eventstream"
	"github.com/jonthemediocre/deltasync/internal/mlmodel"
	"github.com/jonthemediocre/deltasync/internal/registry"
	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// newRunCmd creates the run command, the long-lived sync daemon.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long:  "Watches every source tree in the registry and mirrors changes to the configured destinations until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
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

	cleanup, err := writePIDFile(pidFilePath(resolvedCfg.DataDir))
	if err != nil {
		return err
	}
	defer cleanup()

	adv := reg.GetAdvancedConfig()

	bus := events.NewBus(logger)

	ledger, err := engine.NewLedger(resolvedCfg.MetricsDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	store := delta.NewSnapshotStore(resolvedCfg.SnapshotPath(), logger)
	tracker := delta.NewTracker(store, ledger, logger)

	w, err := watcher.New(adv.Debounce, adv.QueueSize, logger)
	if err != nil {
		return err
	}

	eng := engine.New(&engine.Config{
		Registry: reg,
		Watcher:  w,
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

	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	if resolvedCfg.EventStream.Enabled {
		stream := eventstream.NewServer(resolvedCfg.EventStream.Addr, bus, logger)
		if err := stream.Start(); err != nil {
			return fmt.Errorf("starting event stream: %w", err)
		}

		defer func() {
			if err := stream.Stop(); err != nil {
				logger.Warn("event stream shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	go controlLoop(ctx, eng, logger)

	<-ctx.Done()

	return eng.Shutdown()
}

// controlLoop services the daemon's control signals: SIGUSR1 retries
// every stored recoverable error, SIGUSR2 clears the error registry and
// unfreezes all paths. Both are also exposed as CLI commands that
// signal the running daemon through its PID file.
func controlLoop(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)

	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				n := eng.RetryRecoverableErrors(ctx)
				logger.Info("retry signal handled", slog.Int("requeued", n))

			case syscall.SIGUSR2:
				n := eng.ClearErrors()
				logger.Info("clear signal handled", slog.Int("unfrozen", n))
			}
		}
	}
}
