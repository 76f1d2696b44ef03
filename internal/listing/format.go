package listing

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// FormatTable writes storages as a table with columns NAME, KEYS and STATE
// (truncated). Returns the number of storages formatted.
func FormatTable(w io.Writer, storages []StorageInfo, room string) int {
	if len(storages) == 0 {
		fmt.Fprintf(w, "No storages found in room '%s'\n", room)
		return 0
	}

	fmt.Fprintf(w, "Storages in room '%s':\n\n", room)

	fmt.Fprintf(w, "%-16s %-5s %s\n", "NAME", "KEYS", "STATE")
	fmt.Fprintf(w, "%-16s %-5s %s\n", "----------------", "-----", "----------------------------------------")

	for _, s := range storages {
		fmt.Fprintf(w, "%-16s %-5d %s\n", formatName(s.Name), s.Keys, formatState(s.State))
	}

	noun := "storage"
	if len(storages) != 1 {
		noun = "storages"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(storages), noun)

	return len(storages)
}

// FormatJSONL writes one storage per line as compact JSON.
func FormatJSONL(w io.Writer, storages []StorageInfo) error {
	for _, s := range storages {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal storage to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func formatName(name string) string {
	if len(name) > 16 {
		return name[:13] + "..."
	}
	return name
}

// formatState renders the keys of state in sorted order, truncated to 40
// characters. An empty state renders as "-".
func formatState(state map[string]any) string {
	if len(state) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		data, err := json.Marshal(state[k])
		if err != nil {
			data = []byte("?")
		}
		parts = append(parts, k+"="+string(data))
	}

	line := strings.Join(parts, " ")
	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}
