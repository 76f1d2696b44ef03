package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send event [payload]",
	Short: "Broadcast an event to every participant of the room",
	Long: `Broadcast an event on the room's message channel.

The payload is parsed as JSON; anything that is not valid JSON is sent as a
string. Nothing is sent when the participant is in replay mode.

Examples:
  syncedstore send cursor-moved '{"x":10,"y":20}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var payload any
	if len(args) == 2 {
		payload = parseValue(args[1])
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if err := s.store.DispatchEvent(ctx, args[0], payload); err != nil {
		return fmt.Errorf("failed to send event %q: %w", args[0], err)
	}

	printer.Success("Sent '%s' to room '%s'\n", args[0], s.cfg.Room)
	return nil
}
