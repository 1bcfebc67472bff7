package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

// newClearCmd creates the clear command, which asks a running daemon to
// empty its error registry and release every frozen path.
func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear stored errors and unfreeze paths in the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := signalDaemon(pidFilePath(resolvedCfg.DataDir), syscall.SIGUSR2); err != nil {
				return err
			}

			statusf(flagQuiet, "Errors cleared; frozen paths released.\n")

			return nil
		},
	}
}
