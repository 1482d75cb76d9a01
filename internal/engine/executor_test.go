package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/metrics"
	"github.com/rendis/flowscript/internal/store"
	"github.com/rendis/flowscript/internal/streaming"
	"github.com/rendis/flowscript/pkg/schema"
)

func TestExecuteStream_SequentialPlan(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("", "total = base + 2 * 3"),
		block(`description="echo it"`, "echoed = Test.Echo(value={\"n\": total, \"tags\": tags})"),
		block("", `picked = Data.Query(query=".n", data=echoed)`),
	))

	ex := h.executor("run-seq")
	ch, err := ex.ExecuteStream(context.Background(), plan, map[string]any{"base": 1, "tags": []any{"x"}})
	require.NoError(t, err)
	events := collect(t, ch)

	last := terminal(t, events)
	assert.Equal(t, schema.RunStatusCompleted, last.Status)
	assert.Empty(t, last.Error)

	res := results(events)
	assert.Equal(t, 7, res["total"])
	assert.Equal(t, map[string]any{"n": 7, "tags": []any{"x"}}, res["echoed"])
	assert.EqualValues(t, 7, res["picked"])

	// start precedes complete for every statement, in plan order.
	assert.Less(t, indexOf(events, schema.EventStart, "total"), indexOf(events, schema.EventComplete, "total"))
	assert.Less(t, indexOf(events, schema.EventComplete, "total"), indexOf(events, schema.EventStart, "echoed"))
	assert.Less(t, indexOf(events, schema.EventComplete, "echoed"), indexOf(events, schema.EventStart, "picked"))

	for _, v := range []string{"total", "echoed", "picked"} {
		ns := h.store.node("run-seq", v)
		require.NotNil(t, ns, v)
		assert.Equal(t, schema.NodeStatusSuccess, ns.Status, v)
		assert.Equal(t, 100.0, ns.Progress, v)
	}

	status, _ := h.store.run("run-seq")
	assert.Equal(t, schema.RunStatusCompleted, status)
	assert.Equal(t, schema.RunStatusCompleted, ex.Status())

	logged := h.store.loggedEvents("run-seq")
	require.Len(t, logged, len(events))
	assert.NoError(t, store.CheckEventSequence("run-seq", logged))
}

func TestExecuteStream_ResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t)
	h.store.seed(
		&schema.NodeState{RunID: "run-resume", NodeID: "a", Status: schema.NodeStatusSuccess, Outputs: "A-out"},
		&schema.NodeState{RunID: "run-resume", NodeID: "b", Status: schema.NodeStatusSuccess, Outputs: map[string]any{"k": "B-out"}},
	)
	plan := h.plan(program(
		block("", "a = Test.Echo(value=1)"),
		block("", "b = Test.Echo(value=2)"),
		block("", "c = Test.Echo(value=[a, b.k])"),
	))

	ch, err := h.executor("run-resume").ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
	assert.Equal(t, 0, h.rec.count("a"), "completed statements are not dispatched")
	assert.Equal(t, 0, h.rec.count("b"))
	assert.Equal(t, 1, h.rec.count("c"))

	for _, v := range []string{"a", "b"} {
		i := indexOf(events, schema.EventComplete, v)
		require.GreaterOrEqual(t, i, 0, v)
		assert.True(t, events[i].Restored, v)
		assert.Equal(t, -1, indexOf(events, schema.EventStart, v), v)
	}
	assert.Less(t, indexOf(events, schema.EventComplete, "b"), indexOf(events, schema.EventStart, "c"))
	assert.Equal(t, []any{"A-out", "B-out"}, results(events)["c"])
}

func TestExecuteStream_FreshRunClearsStaleState(t *testing.T) {
	h := newHarness(t)
	h.store.seed(&schema.NodeState{RunID: "run-fresh", NodeID: "old", Status: schema.NodeStatusError, Error: "stale"})
	plan := h.plan(block("", "x = 1"))

	ch, err := h.executor("run-fresh").ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	collect(t, ch)

	assert.Nil(t, h.store.node("run-fresh", "old"))
	assert.NotNil(t, h.store.node("run-fresh", "x"))
}

func TestExecuteStream_PauseAndResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("", "prep = Test.Echo(value=1)"),
		block("", "work = Test.Steps(total=10, block_at=4)"),
		block("", "after = Test.Echo(value=work)"),
	))

	ex := h.executor("run-pause")
	ch, err := ex.ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)

	seen := waitFor(t, ch, func(ev schema.ProgressEvent) bool {
		return ev.Type == schema.EventProgress && ev.Variable == "work" && ev.Percent == 40
	})
	ex.Pause()
	events := append(seen, collect(t, ch)...)

	assert.Equal(t, schema.RunStatusPaused, terminal(t, events).Status)
	assert.GreaterOrEqual(t, indexOf(events, schema.EventPaused, "work"), 0)
	assert.Equal(t, -1, indexOf(events, schema.EventStart, "after"), "no statement starts after a pause")
	assert.Equal(t, schema.RunStatusPaused, ex.Status())

	work := h.store.node("run-pause", "work")
	require.NotNil(t, work)
	assert.Equal(t, schema.NodeStatusPaused, work.Status)
	require.NotNil(t, work.Checkpoint)
	assert.Equal(t, 40.0, work.Checkpoint.Percent)
	assert.Equal(t, map[string]any{"index": 4}, work.Checkpoint.Data)

	// A new executor over the same store plays the role of a restarted process.
	ch, err = h.executor("run-pause").Resume(context.Background(), plan, nil)
	require.NoError(t, err)
	events = collect(t, ch)

	assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
	assert.Equal(t, 4, h.rec.startIndex("work"), "resumes from checkpoint.data.index")
	assert.Equal(t, 1, h.rec.count("prep"))
	assert.True(t, events[indexOf(events, schema.EventComplete, "prep")].Restored)
	assert.Equal(t, map[string]any{"resumed_from": 4}, results(events)["after"])
}

func TestResume_FirstStatementCheckpoint(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("", "work = Test.Steps(total=10, block_at=4)"),
		block("", "after = Test.Echo(value=work)"),
	))

	ex := h.executor("run-first")
	ch, err := ex.ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	seen := waitFor(t, ch, func(ev schema.ProgressEvent) bool {
		return ev.Type == schema.EventProgress && ev.Variable == "work" && ev.Percent == 40
	})
	ex.Pause()
	events := append(seen, collect(t, ch)...)
	require.Equal(t, schema.RunStatusPaused, terminal(t, events).Status)
	paused := h.store.node("run-first", "work")
	require.Equal(t, schema.NodeStatusPaused, paused.Status)
	require.NotNil(t, paused.Checkpoint)

	for _, name := range []string{"resume", "execute"} {
		t.Run(name, func(t *testing.T) {
			h.store.seed(paused)
			h.store.mu.Lock()
			delete(h.store.nodes["run-first"], "after")
			h.store.mu.Unlock()

			next := h.executor("run-first")
			var ch <-chan schema.ProgressEvent
			var err error
			if name == "resume" {
				ch, err = next.Resume(context.Background(), plan, nil)
			} else {
				ch, err = next.ExecuteStream(context.Background(), plan, nil)
			}
			require.NoError(t, err)
			events := collect(t, ch)

			assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
			assert.Equal(t, 4, h.rec.startIndex("work"), "paused checkpoint survives without completed statements")
			assert.Equal(t, map[string]any{"resumed_from": 4}, results(events)["after"])
		})
	}
}

func TestExecuteStream_AsyncAndWait(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("async=True", `slow = Test.Gate(name="slow")`),
		block("", "quick = Test.Echo(value=1)"),
		block("", "joined = Logic.Wait(tasks=slow)"),
		block("", "uses = Test.Echo(value=slow)"),
	))

	ex := h.executor("run-async")
	ch, err := ex.ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)

	seen := waitFor(t, ch, is(schema.EventComplete, "quick"))
	assert.Equal(t, -1, indexOf(seen, schema.EventComplete, "slow"), "quick finishes while slow is still running")
	assert.Equal(t, []string{"slow"}, ex.Running())

	h.rec.open("slow")
	events := append(seen, collect(t, ch)...)

	assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
	slowDone := indexOf(events, schema.EventComplete, "slow")
	joinedDone := indexOf(events, schema.EventComplete, "joined")
	require.GreaterOrEqual(t, slowDone, 0)
	assert.Less(t, slowDone, joinedDone)
	assert.Less(t, joinedDone, indexOf(events, schema.EventStart, "uses"))

	res := results(events)
	assert.Equal(t, map[string]any{"waited": []any{"slow"}, "count": 1}, res["joined"])
	assert.Equal(t, "opened:slow", res["uses"])
}

func TestExecuteStream_WaitSatisfiedAndUnknown(t *testing.T) {
	h := newHarness(t)

	t.Run("already in context", func(t *testing.T) {
		plan := h.plan(program(
			block("", "done = 5"),
			block("", "joined = Logic.Wait(tasks=[done, seeded])"),
		))
		ch, err := h.executor("run-wait-ok").ExecuteStream(context.Background(), plan, map[string]any{"seeded": true})
		require.NoError(t, err)
		events := collect(t, ch)
		assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
		assert.Equal(t, 2, results(events)["joined"].(map[string]any)["count"])
	})

	t.Run("neither running nor completed", func(t *testing.T) {
		plan := h.plan(block("", "joined = Logic.Wait(tasks=ghost)"))
		ch, err := h.executor("run-wait-bad").ExecuteStream(context.Background(), plan, nil)
		require.NoError(t, err)
		events := collect(t, ch)

		last := terminal(t, events)
		assert.Equal(t, schema.RunStatusFailed, last.Status)
		assert.Contains(t, last.Error, "neither running nor completed")
		assert.Equal(t, schema.NodeStatusError, h.store.node("run-wait-bad", "joined").Status)
	})
}

func TestExecuteStream_DisabledStatement(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("disabled=True", "draft = Test.Echo(value=1)"),
		block("", "copy = Test.Echo(value=draft)"),
		block("", "flag = is_skipped(draft)"),
		block("", "title = Test.Echo(value=draft.title)"),
		block("", "fallback = default(draft, \"none\")"),
	))

	ch, err := h.executor("run-disabled").ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, schema.RunStatusCompleted, terminal(t, events).Status)
	assert.Equal(t, 0, h.rec.count("draft"), "disabled statements never dispatch")
	assert.GreaterOrEqual(t, indexOf(events, schema.EventSkipped, "draft"), 0)
	assert.Equal(t, -1, indexOf(events, schema.EventStart, "draft"))

	res := results(events)
	assert.True(t, expressions.IsSkipped(res["copy"]))
	assert.Equal(t, true, res["flag"])
	assert.Nil(t, res["title"])
	assert.Equal(t, "none", res["fallback"])

	ns := h.store.node("run-disabled", "draft")
	require.NotNil(t, ns)
	assert.Equal(t, schema.NodeStatusSkipped, ns.Status)
}

func TestExecuteStream_NodeErrorAbortsRun(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("", "ok = Test.Echo(value=1)"),
		block("", "boom = Test.Fail()"),
		block("", "never = Test.Echo(value=ok)"),
	))

	ch, err := h.executor("run-fail").ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	events := collect(t, ch)

	last := terminal(t, events)
	assert.Equal(t, schema.RunStatusFailed, last.Status)
	assert.Contains(t, last.Error, "node exploded")
	assert.Equal(t, 0, h.rec.count("never"))

	i := indexOf(events, schema.EventError, "boom")
	require.GreaterOrEqual(t, i, 0)
	assert.Contains(t, events[i].Error, schema.ErrCodeNodeExecution)

	boom := h.store.node("run-fail", "boom")
	assert.Equal(t, schema.NodeStatusError, boom.Status)
	assert.Equal(t, "node exploded", boom.Error)
	assert.Equal(t, schema.NodeStatusSuccess, h.store.node("run-fail", "ok").Status, "earlier outputs are kept")

	status, msg := h.store.run("run-fail")
	assert.Equal(t, schema.RunStatusFailed, status)
	assert.Contains(t, msg, "node exploded")
}

func TestExecuteStream_AsyncFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("async=True", "bg = Test.Fail()"),
		block("", "joined = Logic.Wait(tasks=bg)"),
		block("", "never = Test.Echo(value=1)"),
	))

	ch, err := h.executor("run-async-fail").ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	events := collect(t, ch)

	last := terminal(t, events)
	assert.Equal(t, schema.RunStatusFailed, last.Status)
	assert.Contains(t, last.Error, "node exploded")
	assert.Equal(t, 0, h.rec.count("never"))
	assert.GreaterOrEqual(t, indexOf(events, schema.EventError, "bg"), 0)
}

func TestExecuteStream_EvaluationErrors(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body string
		code string
		msg  string
	}{
		{"undefined ref", "x = Test.Echo(value=missing)", schema.ErrCodeEvaluation, "undefined variable"},
		{"undefined in expression", "x = missing + 1", schema.ErrCodeEvaluation, "missing"},
		{"bad path", "x = Test.Echo(value=cfg.nope)", schema.ErrCodeEvaluation, "nope"},
		{"schema violation", `x = Util.Delay(ms="soon")`, schema.ErrCodeValidation, "ms"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runID := "run-" + tc.name
			ch, err := h.executor(runID).ExecuteStream(context.Background(), h.plan(block("", tc.body)),
				map[string]any{"cfg": map[string]any{"ok": 1}})
			require.NoError(t, err)
			events := collect(t, ch)

			assert.Equal(t, schema.RunStatusFailed, terminal(t, events).Status)
			i := indexOf(events, schema.EventError, "x")
			require.GreaterOrEqual(t, i, 0)
			assert.Contains(t, events[i].Error, tc.code)
			assert.Contains(t, events[i].Error, tc.msg)
		})
	}
}

func TestExecuteStream_CancelReleasesNodes(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(program(
		block("async=True", "bg = Test.Gate(name=\"never-opened\")"),
		block("", "held = Test.Hold()"),
		block("", "after = Test.Echo(value=1)"),
	))

	ex := h.executor("run-cancel")
	ch, err := ex.ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)

	seen := waitFor(t, ch, is(schema.EventStart, "held"))
	require.Eventually(t, func() bool { return h.rec.count("held") == 1 }, time.Second, 5*time.Millisecond)
	ex.Cancel()
	events := append(seen, collect(t, ch)...)

	last := terminal(t, events)
	assert.Equal(t, schema.RunStatusFailed, last.Status)
	assert.Contains(t, last.Error, schema.ErrCodeCancelled)
	assert.Equal(t, 0, h.rec.count("after"))

	assert.Eventually(t, func() bool { return h.rec.released.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.NodeStatusPaused, h.store.node("run-cancel", "held").Status)
	assert.Equal(t, schema.NodeStatusPaused, h.store.node("run-cancel", "bg").Status, "background tasks are interrupted too")
}

func TestExecuteStream_ContextCancelIsPause(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(block("", "held = Test.Hold()"))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.executor("run-disconnect").ExecuteStream(ctx, plan, nil)
	require.NoError(t, err)

	seen := waitFor(t, ch, is(schema.EventStart, "held"))
	cancel()
	events := append(seen, collect(t, ch)...)

	assert.Equal(t, schema.RunStatusPaused, terminal(t, events).Status)
	status, _ := h.store.run("run-disconnect")
	assert.Equal(t, schema.RunStatusPaused, status, "run status is recorded despite the cancelled context")
}

func TestExecuteStream_Conflict(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(block("", "held = Test.Hold()"))
	ex := h.executor("run-conflict")

	ch, err := ex.ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)

	_, err = ex.ExecuteStream(context.Background(), plan, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	_, err = ex.Resume(context.Background(), plan, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	ex.Pause()
	collect(t, ch)

	_, err = ex.ExecuteStream(context.Background(), nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExecuteStream_PublishesToHub(t *testing.T) {
	h := newHarness(t)
	hub := streaming.NewMemoryHub()
	sub, unsubscribe, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		RunID: "run-hub",
		Types: []string{schema.EventWorkflowComplete},
	})
	require.NoError(t, err)
	defer unsubscribe()

	ch, err := h.executor("run-hub", WithHub(hub)).ExecuteStream(context.Background(), h.plan(block("", "x = 1")), nil)
	require.NoError(t, err)
	collect(t, ch)

	select {
	case ev := <-sub:
		assert.Equal(t, schema.RunStatusCompleted, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("hub did not receive workflow_complete")
	}
}

func TestExecuteStream_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("flowscript", reg, zap.NewNop())

	plan := h.plan(program(
		block("", "x = 1"),
		block("disabled=True", "y = Test.Echo(value=x)"),
	))
	ch, err := h.executor("run-metrics", WithMetrics(collector)).ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)
	collect(t, ch)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "flowscript_statements_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var status string
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" {
					status = l.GetValue()
				}
			}
			counts[status] += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts["success"])
	assert.Equal(t, 1.0, counts["skipped"])
}

func TestExecuteStream_StatementLogsCarryOneRunID(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.DebugLevel)
	ex := h.executor("run-logs", WithLogger(zap.New(core)))

	ch, err := ex.ExecuteStream(context.Background(), h.plan(block("", "echoed = Test.Echo(value=1)")), nil)
	require.NoError(t, err)
	collect(t, ch)

	started := logs.FilterMessage("statement started").All()
	require.Len(t, started, 1)
	var runIDs []string
	for _, f := range started[0].Context {
		if f.Key == "run_id" {
			runIDs = append(runIDs, f.String)
		}
	}
	assert.Equal(t, []string{"run-logs"}, runIDs)
	assert.Equal(t, "echoed", started[0].ContextMap()["variable"])
	assert.Equal(t, "Test.Echo", started[0].ContextMap()["node_type"])

	finished := logs.FilterMessage("run finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, "run-logs", finished[0].ContextMap()["run_id"])
}

func TestExecuteStream_LogsTaskActivity(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.DebugLevel)
	plan := h.plan(program(
		block("async=True", `slow = Test.Gate(name="slow")`),
		block("", "joined = Logic.Wait(tasks=slow)"),
	))

	ch, err := h.executor("run-task-logs", WithLogger(zap.New(core))).ExecuteStream(context.Background(), plan, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("waiting for task").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	waiting := logs.FilterMessage("waiting for task").All()[0]
	assert.Equal(t, "slow", waiting.ContextMap()["task"])
	assert.Equal(t, "joined", waiting.ContextMap()["variable"])

	h.rec.open("slow")
	assert.Equal(t, schema.RunStatusCompleted, terminal(t, collect(t, ch)).Status)

	finished := logs.FilterMessage("run finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, int64(1), finished[0].ContextMap()["tasks_completed"])
	assert.Equal(t, int64(0), finished[0].ContextMap()["tasks_failed"])
}
