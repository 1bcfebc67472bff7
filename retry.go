package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

// newRetryCmd creates the retry command, which asks a running daemon to
// requeue every stored recoverable error for a fresh sync attempt.
func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry all recoverable sync errors in the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := signalDaemon(pidFilePath(resolvedCfg.DataDir), syscall.SIGUSR1); err != nil {
				return err
			}

			statusf(flagQuiet, "Retry requested; check daemon logs for outcomes.\n")

			return nil
		},
	}
}
