package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rendis/flowscript/internal/engine"
	"github.com/rendis/flowscript/internal/state"
	"github.com/rendis/flowscript/internal/store"
	"github.com/rendis/flowscript/internal/streaming"
	"github.com/rendis/flowscript/pkg/schema"
)

func TestPrinter_Text(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	p.print(schema.ProgressEvent{Type: schema.EventStart, Variable: "a", NodeType: "Util.Delay"})
	p.print(schema.ProgressEvent{Type: schema.EventProgress, Variable: "a", Percent: 40, Message: "batch 2"})
	p.print(schema.ProgressEvent{Type: schema.EventComplete, Variable: "a", Result: map[string]any{"n": 1}, Restored: true})
	p.print(schema.ProgressEvent{Type: schema.EventError, Variable: "b", Error: "[NODE_EXECUTION_ERROR] b: boom"})
	p.print(schema.ProgressEvent{Type: schema.EventWorkflowComplete, Status: schema.RunStatusFailed, Error: "boom"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "start     a Util.Delay", lines[0])
	assert.Equal(t, "progress  a  40% batch 2", lines[1])
	assert.Equal(t, `complete  a = {"n":1} (restored)`, lines[2])
	assert.Equal(t, "error     b: [NODE_EXECUTION_ERROR] b: boom", lines[3])
	assert.Equal(t, "run failed: boom", lines[4])
}

func TestPrinter_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)
	p.print(schema.ProgressEvent{Type: schema.EventSkipped, RunID: "r1", Variable: "x"})

	var ev schema.ProgressEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, schema.EventSkipped, ev.Type)
	assert.Equal(t, "r1", ev.RunID)
}

func TestFormatResult_Truncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := formatResult(long)
	assert.Len(t, got, maxResultWidth)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "null", formatResult(nil))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(schema.RunStatusCompleted))
	assert.Equal(t, exitPaused, exitCode(schema.RunStatusPaused))
	assert.Equal(t, exitFailed, exitCode(schema.RunStatusFailed))
	assert.Equal(t, exitFailed, exitCode(""))
}

func TestLoadContext(t *testing.T) {
	empty, err := loadContext("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "ctx.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("limit: 3\nuser:\n  name: ada\ntags: [a, b]\n"), 0o644))
	got, err := loadContext(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"limit": 3,
		"user":  map[string]any{"name": "ada"},
		"tags":  []any{"a", "b"},
	}, got)

	jsonPath := filepath.Join(dir, "ctx.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"ok": true}`), 0o644))
	got, err = loadContext(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got)

	_, err = loadContext(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDrive_ReturnsFinalStatus(t *testing.T) {
	events := make(chan schema.ProgressEvent, 3)
	events <- schema.ProgressEvent{Type: schema.EventStart, Variable: "a"}
	events <- schema.ProgressEvent{Type: schema.EventWorkflowComplete, Status: schema.RunStatusPaused}
	close(events)

	var buf bytes.Buffer
	ex := engine.NewExecutor("r1", nil, nil)
	assert.Equal(t, schema.RunStatusPaused, drive(ex, events, newPrinter(&buf, false)))
	assert.Contains(t, buf.String(), "run paused")
}

func TestTapEvents_CopiesRunEventsFromHub(t *testing.T) {
	ctx := context.Background()
	cat, err := newCatalog()
	require.NoError(t, err)
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "tap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	hub := streaming.NewMemoryHub()
	var buf bytes.Buffer
	stop, err := tapEvents(hub, "tap-run", &buf, zap.NewNop())
	require.NoError(t, err)

	plan, err := cat.parser.Parse("#@node\nx = 1 + 1\n#</node>\n")
	require.NoError(t, err)
	ex := engine.NewExecutor("tap-run", cat.registry, state.NewManager(st),
		engine.WithEvaluator(cat.evaluator), engine.WithHub(hub))
	events, err := ex.ExecuteStream(ctx, plan, nil)
	require.NoError(t, err)
	for range events {
	}
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventStart, RunID: "other-run"}))
	stop()

	var types []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var ev schema.ProgressEvent
		require.NoError(t, dec.Decode(&ev))
		assert.Equal(t, "tap-run", ev.RunID)
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Contains(t, types, schema.EventComplete)
	assert.Equal(t, schema.EventWorkflowComplete, types[len(types)-1])
}

func TestResumeContext(t *testing.T) {
	assert.Equal(t, map[string]any{}, resumeContext(&schema.Run{ID: "r"}))

	saved := map[string]any{"limit": 3}
	assert.Equal(t, saved, resumeContext(&schema.Run{ID: "r", Context: saved}))
}

func TestCatalogCheck(t *testing.T) {
	cat, err := newCatalog()
	require.NoError(t, err)
	assert.NotEmpty(t, cat.registry.List())

	report := cat.parser.Check("#@node\nx = Nope.Missing()\n#</node>\n")
	assert.False(t, report.OK())
}
