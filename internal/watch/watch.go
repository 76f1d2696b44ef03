package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dyluth/syncedstore/internal/filter"
	"github.com/dyluth/syncedstore/pkg/refine"
	"github.com/fatih/color"
)

// OutputFormat specifies how diffs are written.
type OutputFormat string

const (
	// OutputFormatDefault writes human-readable lines with timestamps
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON writes one JSON object per diff
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a format name from the command line.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

var (
	added   = color.New(color.FgGreen)
	changed = color.New(color.FgYellow)
	removed = color.New(color.FgRed)
	stamp   = color.New(color.FgCyan)
)

// Event is one observed state change of a storage.
type Event struct {
	Storage string
	Time    time.Time
	Diff    refine.Diff
}

type jsonEvent struct {
	TimestampMs int64       `json:"timestamp_ms"`
	Storage     string      `json:"storage"`
	Changes     refine.Diff `json:"changes"`
}

// Source is the storage side StreamDiffs reads from.
type Source interface {
	ID() string
	State() map[string]any
	OnStateChanged(fn func(refine.Diff)) (dispose func())
}

// FormatEvent writes ev to w in the given format.
func FormatEvent(w io.Writer, ev Event, format OutputFormat) error {
	switch format {
	case OutputFormatDefault:
		return formatDefault(w, ev)
	case OutputFormatJSON:
		data, err := json.Marshal(jsonEvent{
			TimestampMs: ev.Time.UnixMilli(),
			Storage:     ev.Storage,
			Changes:     ev.Diff,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal diff: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func formatDefault(w io.Writer, ev Event) error {
	keys := make([]string, 0, len(ev.Diff))
	for k := range ev.Diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	noun := "changes"
	if len(keys) == 1 {
		noun = "change"
	}
	stamp.Fprintf(w, "[%s]", ev.Time.Format("15:04:05"))
	fmt.Fprintf(w, " %s (%d %s)\n", ev.Storage, len(keys), noun)

	for _, k := range keys {
		d := ev.Diff[k]
		switch {
		case d.NewValue == nil:
			removed.Fprintf(w, "  - %s (was %s)\n", k, render(d.OldValue))
		case d.OldValue == nil:
			added.Fprintf(w, "  + %s = %s\n", k, render(d.NewValue))
		default:
			changed.Fprintf(w, "  ~ %s: %s → %s\n", k, render(d.OldValue), render(d.NewValue))
		}
	}
	return nil
}

func render(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Snapshot returns the current state of src as an all-added diff.
func Snapshot(src Source) refine.Diff {
	state := src.State()
	diff := make(refine.Diff, len(state))
	for k, v := range state {
		diff[k] = refine.DiffOne{NewValue: v}
	}
	return diff
}

// StreamDiffs writes the current state of src, then every diff it reports,
// until ctx is cancelled. Only changes matching filters are written; a diff
// left empty by filtering is skipped. Diffs are written from the caller's
// goroutine.
func StreamDiffs(ctx context.Context, src Source, format OutputFormat, filters *filter.Criteria, w io.Writer) error {
	if _, err := ParseOutputFormat(string(format)); err != nil {
		return err
	}

	diffs := make(chan refine.Diff, 64)
	dispose := src.OnStateChanged(func(d refine.Diff) {
		select {
		case diffs <- d:
		case <-ctx.Done():
		}
	})
	defer dispose()

	if initial := filters.Apply(Snapshot(src)); len(initial) > 0 {
		if err := FormatEvent(w, Event{Storage: src.ID(), Time: time.Now(), Diff: initial}, format); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-diffs:
			d = filters.Apply(d)
			if len(d) == 0 {
				continue
			}
			if err := FormatEvent(w, Event{Storage: src.ID(), Time: time.Now(), Diff: d}, format); err != nil {
				return fmt.Errorf("failed to write diff: %w", err)
			}
		}
	}
}
