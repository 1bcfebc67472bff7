package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/engine"
)

// statusReport is the JSON shape of the status command output.
type statusReport struct {
	DaemonRunning bool                `json:"daemon_running"`
	PendingSyncs  []delta.SyncState   `json:"pending_syncs"`
	TrackedPaths  int                 `json:"tracked_paths"`
	Counters      map[string]int64    `json:"counters"`
	RecentSyncs   []engine.SyncRecord `json:"recent_syncs"`
}

// statusRecentLimit caps the recent-sync listing in the text output.
const statusRecentLimit = 10

// newStatusCmd creates the status command, which reports daemon
// liveness, pending work from the last snapshot, and sync metrics.
// It reads the snapshot and metrics database directly, so it works
// whether or not the daemon is running; WAL mode permits concurrent
// readers.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and metrics",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	logger := buildLogger(resolvedCfg)

	report := statusReport{
		DaemonRunning: daemonRunning(pidFilePath(resolvedCfg.DataDir)),
		Counters:      map[string]int64{},
	}

	store := delta.NewSnapshotStore(resolvedCfg.SnapshotPath(), logger)
	tracker := delta.NewTracker(store, nil, logger)

	if err := tracker.LoadSnapshot(); err != nil {
		return err
	}

	report.PendingSyncs = tracker.GetPendingSyncs()
	report.TrackedPaths = tracker.Len()

	// The metrics database only exists after the daemon's first run.
	if _, err := os.Stat(resolvedCfg.MetricsDBPath()); err == nil {
		ledger, err := engine.NewLedger(resolvedCfg.MetricsDBPath(), logger)
		if err != nil {
			return err
		}
		defer ledger.Close()

		ctx := context.Background()

		report.Counters, err = ledger.Counters(ctx)
		if err != nil {
			return err
		}

		report.RecentSyncs, err = ledger.ListSyncs(ctx, statusRecentLimit)
		if err != nil {
			return err
		}
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatus(&report)

	return nil
}

func printStatus(report *statusReport) {
	if report.DaemonRunning {
		fmt.Println("Daemon:  running")
	} else {
		fmt.Println("Daemon:  stopped")
	}

	fmt.Printf("Tracked: %d path(s), %d pending\n", report.TrackedPaths, len(report.PendingSyncs))

	if len(report.PendingSyncs) > 0 {
		fmt.Println("\nPending syncs:")

		rows := make([][]string, 0, len(report.PendingSyncs))
		for _, st := range report.PendingSyncs {
			rows = append(rows, []string{st.Path, st.Hash[:minInt(12, len(st.Hash))]})
		}

		printTable(os.Stdout, []string{"PATH", "HASH"}, rows)
	}

	if len(report.Counters) > 0 {
		fmt.Println("\nCounters:")

		names := make([]string, 0, len(report.Counters))
		for name := range report.Counters {
			names = append(names, name)
		}

		sort.Strings(names)

		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, fmt.Sprintf("%d", report.Counters[name])})
		}

		printTable(os.Stdout, []string{"COUNTER", "VALUE"}, rows)
	}

	if len(report.RecentSyncs) > 0 {
		fmt.Println("\nRecent syncs:")

		rows := make([][]string, 0, len(report.RecentSyncs))
		for _, rec := range report.RecentSyncs {
			rows = append(rows, []string{
				rec.Path,
				rec.Strategy,
				formatSize(rec.BytesCopied),
				formatTime(rec.CompletedAt),
			})
		}

		printTable(os.Stdout, []string{"PATH", "STRATEGY", "SIZE", "WHEN"}, rows)
	}
}

// daemonRunning reports whether a live process holds the PID file.
func daemonRunning(pidPath string) bool {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
