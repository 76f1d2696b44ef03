package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dyluth/syncedstore/internal/fakehost"
	"github.com/dyluth/syncedstore/pkg/syncedstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRoom(t *testing.T) *fakehost.Session {
	t.Helper()
	s := fakehost.NewServer().Join()
	s.SetWritable(true)
	t.Cleanup(s.Close)

	ctx := context.Background()
	require.NoError(t, s.Update(ctx, []string{syncedstore.StorageNS, "main"}, map[string]any{
		"hello": "hello",
		"n":     float64(42),
	}))
	require.NoError(t, s.Update(ctx, []string{syncedstore.StorageNS, "board"}, map[string]any{
		"title": "Sprint",
	}))
	return s
}

func TestStorages(t *testing.T) {
	ctx := context.Background()

	t.Run("empty room", func(t *testing.T) {
		s := fakehost.NewServer().Join()
		t.Cleanup(s.Close)

		storages, err := Storages(ctx, s, "")
		require.NoError(t, err)
		assert.Empty(t, storages)
	})

	t.Run("sorted by name", func(t *testing.T) {
		storages, err := Storages(ctx, seedRoom(t), "")
		require.NoError(t, err)
		require.Len(t, storages, 2)
		assert.Equal(t, "board", storages[0].Name)
		assert.Equal(t, 1, storages[0].Keys)
		assert.Equal(t, "main", storages[1].Name)
		assert.Equal(t, map[string]any{"hello": "hello", "n": float64(42)}, storages[1].State)
	})

	t.Run("name glob", func(t *testing.T) {
		storages, err := Storages(ctx, seedRoom(t), "m*")
		require.NoError(t, err)
		require.Len(t, storages, 1)
		assert.Equal(t, "main", storages[0].Name)
	})

	t.Run("bad glob", func(t *testing.T) {
		_, err := Storages(ctx, seedRoom(t), "[")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid name pattern")
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("default format", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, List(ctx, seedRoom(t), "demo", OutputFormatDefault, "", &buf))

		output := buf.String()
		assert.Contains(t, output, "Storages in room 'demo'")
		assert.Contains(t, output, `hello="hello" n=42`)
		assert.Contains(t, output, "2 storages found")
	})

	t.Run("empty room", func(t *testing.T) {
		s := fakehost.NewServer().Join()
		t.Cleanup(s.Close)

		var buf bytes.Buffer
		require.NoError(t, List(ctx, s, "demo", OutputFormatDefault, "", &buf))
		assert.Contains(t, buf.String(), "No storages found in room 'demo'")
	})

	t.Run("jsonl format", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, List(ctx, seedRoom(t), "demo", OutputFormatJSONL, "", &buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)

		var info StorageInfo
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &info))
		assert.Equal(t, "board", info.Name)
		assert.Equal(t, map[string]any{"title": "Sprint"}, info.State)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := List(ctx, seedRoom(t), "demo", OutputFormat("xml"), "", &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestFormatState(t *testing.T) {
	tests := []struct {
		name     string
		state    map[string]any
		expected string
	}{
		{name: "empty", state: nil, expected: "-"},
		{name: "sorted keys", state: map[string]any{"b": true, "a": "x"}, expected: `a="x" b=true`},
		{
			name:     "truncated",
			state:    map[string]any{"k": strings.Repeat("v", 60)},
			expected: `k="` + strings.Repeat("v", 34) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatState(tt.state))
		})
	}
}

func TestFormatName(t *testing.T) {
	assert.Equal(t, "main", formatName("main"))
	assert.Equal(t, "a-very-long-s...", formatName("a-very-long-storage-name"))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseOutputFormat("table")
	assert.Error(t, err)
}
