package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var (
	deleteAll     bool
	deleteStorage bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete [key...]",
	Short: "Delete keys, every key, or a whole storage",
	Long: `Delete keys from a storage.

Examples:
  # Delete two keys
  syncedstore delete hello world

  # Delete every key but keep the storage
  syncedstore delete --all

  # Remove the storage from the room entirely
  syncedstore delete --storage-node --storage board`,
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "Delete every key of the storage")
	deleteCmd.Flags().BoolVar(&deleteStorage, "storage-node", false, "Remove the storage itself")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	modes := 0
	if len(args) > 0 {
		modes++
	}
	if deleteAll {
		modes++
	}
	if deleteStorage {
		modes++
	}
	if modes != 1 {
		return printer.Error(
			"invalid arguments",
			"Give keys to delete, --all, or --storage-node.",
			[]string{"syncedstore delete <key>...", "syncedstore delete --all", "syncedstore delete --storage-node"},
		)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitWritable(ctx); err != nil {
		return err
	}

	id := s.storage.ID()
	switch {
	case deleteStorage:
		// DeleteStorage disconnects the storage, so no commit wait is needed.
		if err := s.storage.DeleteStorage(ctx); err != nil {
			return fmt.Errorf("failed to delete storage %q: %w", id, err)
		}
		printer.Success("Deleted storage '%s'\n", id)
		return nil
	case deleteAll:
		if err := s.storage.EmptyStorage(ctx); err != nil {
			return fmt.Errorf("failed to empty storage %q: %w", id, err)
		}
	default:
		partial := make(map[string]any, len(args))
		for _, k := range args {
			partial[k] = nil
		}
		if err := s.storage.SetState(ctx, partial); err != nil {
			return fmt.Errorf("failed to delete keys from %q: %w", id, err)
		}
	}

	if err := s.commit(ctx); err != nil {
		return err
	}
	if deleteAll {
		printer.Success("Emptied '%s'\n", id)
	} else {
		printer.Success("Deleted %s from '%s'\n", strings.Join(args, ", "), id)
	}
	return nil
}
