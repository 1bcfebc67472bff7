package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonthemediocre/deltasync/internal/registry"
)

// newValidateCmd creates the validate command, which checks a registry
// document against the schema and semantic rules without starting the
// daemon.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <registry.yaml>",
		Short: "Validate a sync registry document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			reg, err := registry.Load(args[0], logger)
			if err != nil {
				return err
			}

			statusf(flagQuiet, "%s is valid: project %s, %d path rule(s)\n",
				args[0], reg.ProjectID(), len(reg.Rules()))

			return nil
		},
	}
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
