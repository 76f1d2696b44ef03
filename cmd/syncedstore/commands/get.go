package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print a storage or one of its keys",
	Long: `Print the replicated state of a storage as JSON.

With a key, only that key's value is printed.

Examples:
  # Print the main storage
  syncedstore get

  # Print one key of another storage
  syncedstore get title --storage board`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitCompanion(ctx); err != nil {
		return err
	}

	var value any = s.storage.State()
	if len(args) == 1 {
		v, ok := s.storage.Get(args[0])
		if !ok {
			return printer.Error(
				fmt.Sprintf("key '%s' not found", args[0]),
				fmt.Sprintf("Storage '%s' has no key '%s'.", s.storage.ID(), args[0]),
				[]string{"List the storage:\n  syncedstore get --storage " + s.storage.ID()},
			)
		}
		value = v
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format value: %w", err)
	}
	printer.Println(string(data))
	return nil
}
