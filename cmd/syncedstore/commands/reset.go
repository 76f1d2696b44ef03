package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a storage to its configured default state",
	Long: `Replace the whole storage with the default state from the config file.

Keys that are not part of the default state are removed.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if err := s.storage.ResetState(ctx); err != nil {
		return fmt.Errorf("failed to reset storage %q: %w", s.storage.ID(), err)
	}
	if err := s.commit(ctx); err != nil {
		return err
	}

	printer.Success("Reset '%s' to its default state\n", s.storage.ID())
	return nil
}
