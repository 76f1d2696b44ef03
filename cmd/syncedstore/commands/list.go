package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/syncedstore/internal/listing"
	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var (
	listOutputFormat string
	listNameGlob     string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the storages of a room",
	Long: `List every storage persisted in the room with its key count and state.

Output Formats:
  default - Table with truncated state
  jsonl   - One JSON object per storage

Examples:
  # List all storages
  syncedstore list

  # Export storages whose names start with "board"
  syncedstore list --name 'board*' --output=jsonl`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	listCmd.Flags().StringVarP(&listNameGlob, "name", "n", "", "Only list storages matching this glob pattern")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := listing.ParseOutputFormat(listOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitCompanion(ctx); err != nil {
		return err
	}

	return listing.List(ctx, s.participant, s.cfg.Room, format, listNameGlob, printer.Stdout)
}
