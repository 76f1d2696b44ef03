package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/syncedstore/internal/filter"
	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/dyluth/syncedstore/internal/watch"
	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchEvents       []string
	watchKeyGlob      string
	watchSkipRemoved  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream storage changes in real time",
	Long: `Stream the changes of a storage as they are applied.

The current state is printed first, then one entry per change.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the main storage
  syncedstore watch

  # Export changes as JSON and print broadcast events too
  syncedstore watch --output=json --event cursor-moved > changes.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringSliceVarP(&watchEvents, "event", "e", nil, "Broadcast events to print as well")
	watchCmd.Flags().StringVarP(&watchKeyGlob, "keys", "k", "", "Only show keys matching this glob pattern")
	watchCmd.Flags().BoolVar(&watchSkipRemoved, "skip-removed", false, "Hide removed keys")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	filters := &filter.Criteria{KeyGlob: watchKeyGlob, SkipRemoved: watchSkipRemoved}
	if err := filters.Validate(); err != nil {
		return printer.Error(
			"invalid key pattern",
			fmt.Sprintf("Pattern %q is malformed: %v", watchKeyGlob, err),
			[]string{"Use shell-style globs such as 'cursor:*'"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, event := range watchEvents {
		dispose := s.store.AddEventListener(event, func(m host.Message) {
			data, _ := json.Marshal(m)
			printer.Info("[event] %s\n", data)
		})
		defer dispose()
	}

	if format == watch.OutputFormatDefault {
		printer.Step("Watching storage '%s' in room '%s' (Ctrl+C to stop)\n", s.storage.ID(), s.cfg.Room)
	}
	return watch.StreamDiffs(ctx, s.storage, format, filters, printer.Stdout)
}
