package listing

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/syncedstore"
)

// OutputFormat specifies how to format the storage list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated state
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete storages as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a format name from the command line.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// StorageInfo is the persisted state of one storage of a room.
type StorageInfo struct {
	Name  string         `json:"name"`
	Keys  int            `json:"keys"`
	State map[string]any `json:"state"`
}

// Storages reads every storage persisted under the store's root, sorted by
// name. A name glob, when not empty, selects which storages are returned.
func Storages(ctx context.Context, tree host.Tree, nameGlob string) ([]StorageInfo, error) {
	if nameGlob != "" {
		if _, err := filepath.Match(nameGlob, ""); err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", nameGlob, err)
		}
	}

	v, err := tree.Read(ctx, []string{syncedstore.StorageNS})
	if host.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storages: %w", err)
	}
	root, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected storage root of type %T", v)
	}

	var out []StorageInfo
	for name, raw := range root {
		if nameGlob != "" {
			if matched, _ := filepath.Match(nameGlob, name); !matched {
				continue
			}
		}
		state, _ := raw.(map[string]any)
		out = append(out, StorageInfo{Name: name, Keys: len(state), State: state})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// List writes the storages of a room to w in the given format.
func List(ctx context.Context, tree host.Tree, room string, format OutputFormat, nameGlob string, w io.Writer) error {
	storages, err := Storages(ctx, tree, nameGlob)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, storages, room)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, storages); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
