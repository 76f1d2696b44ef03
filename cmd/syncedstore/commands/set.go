package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set key=value [key=value...]",
	Short: "Write keys to a storage",
	Long: `Write one or more keys to a storage.

Values are parsed as JSON; anything that is not valid JSON is stored as a
string. The command returns once the host has echoed every write back.

Examples:
  syncedstore set hello=world
  syncedstore set count=42 done=true 'tags=["a","b"]'
  syncedstore set --storage board 'card={"title":"first"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

// parseAssignments turns key=value arguments into a partial state.
func parseAssignments(args []string) (map[string]any, error) {
	partial := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (expected key=value)", arg)
		}
		partial[key] = parseValue(raw)
	}
	return partial, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	partial, err := parseAssignments(args)
	if err != nil {
		return printer.Error("invalid arguments", err.Error(), []string{"Use key=value, for example:\n  syncedstore set hello=world"})
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if err := s.storage.SetState(ctx, partial); err != nil {
		return fmt.Errorf("failed to write storage %q: %w", s.storage.ID(), err)
	}
	if err := s.commit(ctx); err != nil {
		return err
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	printer.Success("Set %s in '%s'\n", strings.Join(keys, ", "), s.storage.ID())
	return nil
}
