package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/syncedstore/internal/config"
	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCLI points the commands at a fresh miniredis room and captures output
func setupCLI(t *testing.T) (*miniredis.Miniredis, *bytes.Buffer) {
	mr := miniredis.RunT(t)
	t.Setenv(config.EnvRedisURL, "redis://"+mr.Addr())
	t.Setenv(config.EnvRoom, "cli-test")

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr, prevNoColor, prevTimeout := printer.Stdout, printer.Stderr, color.NoColor, readyTimeout
	printer.Stdout, printer.Stderr, color.NoColor, readyTimeout = out, errOut, true, 2*time.Second
	prevConfig := configPath
	configPath = filepath.Join(t.TempDir(), "missing.yml")
	t.Cleanup(func() {
		printer.Stdout, printer.Stderr, color.NoColor, readyTimeout = prevOut, prevErr, prevNoColor, prevTimeout
		configPath = prevConfig
	})
	return mr, out
}

// run executes the root command with args and resets per-command flags
func run(t *testing.T, args ...string) error {
	t.Helper()
	deleteAll, deleteStorage, storageFlag = false, false, "main"
	forceInit, initDir = false, "."
	listOutputFormat, listNameGlob = "default", ""
	watchOutputFormat, watchEvents, watchKeyGlob, watchSkipRemoved = "default", nil, "", false
	rootCmd.SetArgs(args)
	return Execute()
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	rootCmd.SetArgs([]string{})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "Usage:")
	assert.Contains(t, buf.String(), "syncedstore")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	rootCmd.SetArgs([]string{"--unknown-flag", "value"})
	err := Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestParseAssignments(t *testing.T) {
	partial, err := parseAssignments([]string{"n=42", "s=hello", `o={"a":[1]}`, "b=true", "e="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n": float64(42),
		"s": "hello",
		"o": map[string]any{"a": []any{float64(1)}},
		"b": true,
		"e": "",
	}, partial)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=x"})
	assert.Error(t, err)
}

func TestSetGetDelete(t *testing.T) {
	_, out := setupCLI(t)

	require.NoError(t, run(t, "set", "hello=world", "count=2"))
	assert.Contains(t, out.String(), "✓ Set count, hello in 'main'")

	out.Reset()
	require.NoError(t, run(t, "get"))
	var state map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &state))
	assert.Equal(t, map[string]any{"hello": "world", "count": float64(2)}, state)

	out.Reset()
	require.NoError(t, run(t, "get", "hello"))
	assert.Equal(t, "\"world\"\n", out.String())

	out.Reset()
	require.NoError(t, run(t, "delete", "hello"))
	assert.Contains(t, out.String(), "✓ Deleted hello from 'main'")

	out.Reset()
	require.NoError(t, run(t, "get"))
	require.NoError(t, json.Unmarshal(out.Bytes(), &state))
	assert.Equal(t, map[string]any{"count": float64(2)}, state)

	err := run(t, "get", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key 'hello' not found")
}

func TestDelete_All(t *testing.T) {
	_, out := setupCLI(t)

	require.NoError(t, run(t, "set", "a=1", "b=2"))
	require.NoError(t, run(t, "delete", "--all"))
	assert.Contains(t, out.String(), "✓ Emptied 'main'")

	out.Reset()
	require.NoError(t, run(t, "get"))
	assert.Equal(t, "{}\n", out.String())
}

func TestDelete_RequiresExactlyOneMode(t *testing.T) {
	setupCLI(t)

	err := run(t, "delete")
	require.Error(t, err)
	assert.Equal(t, "invalid arguments", err.Error())

	err = run(t, "delete", "k", "--all")
	require.Error(t, err)
}

func TestSet_OtherStorage(t *testing.T) {
	mr, _ := setupCLI(t)

	require.NoError(t, run(t, "set", "--storage", "board", `card={"title":"first"}`))
	assert.True(t, mr.Exists("syncedstore:cli-test:node:_WM-STORAGE_:board"))
	assert.False(t, mr.Exists("syncedstore:cli-test:node:_WM-STORAGE_:main"))
}

func TestSend(t *testing.T) {
	_, out := setupCLI(t)

	require.NoError(t, run(t, "send", "ping", `{"n":1}`))
	assert.Contains(t, out.String(), "✓ Sent 'ping' to room 'cli-test'")
}

func TestConnectionFailure(t *testing.T) {
	setupCLI(t)
	t.Setenv(config.EnvRedisURL, "redis://127.0.0.1:1")

	err := run(t, "get")
	require.Error(t, err)
	assert.Equal(t, "Redis connection failed", err.Error())
}

func TestInit(t *testing.T) {
	_, out := setupCLI(t)
	dir := t.TempDir()

	require.NoError(t, run(t, "init", "--dir", dir))
	assert.Contains(t, out.String(), config.DefaultPath)

	path := filepath.Join(dir, config.DefaultPath)
	_, err := config.Load(path)
	require.NoError(t, err)

	err = run(t, "init", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")

	require.NoError(t, os.WriteFile(path, []byte("room: x\n"), 0644))
	require.NoError(t, run(t, "init", "--dir", dir, "--force"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `room: "default"`)
}

func TestWatch_RejectsBadArguments(t *testing.T) {
	setupCLI(t)

	err := run(t, "watch", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")

	err = run(t, "watch", "--keys", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key pattern")
}

func TestList(t *testing.T) {
	_, out := setupCLI(t)

	require.NoError(t, run(t, "set", "a=1"))
	require.NoError(t, run(t, "set", "--storage", "board", `title="Sprint"`))

	out.Reset()
	require.NoError(t, run(t, "list"))
	assert.Contains(t, out.String(), "Storages in room 'cli-test'")
	assert.Contains(t, out.String(), "2 storages found")

	out.Reset()
	require.NoError(t, run(t, "list", "--name", "b*", "--output", "jsonl"))
	assert.Equal(t, `{"name":"board","keys":1,"state":{"title":"Sprint"}}`+"\n", out.String())
}
