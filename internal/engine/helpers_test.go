package engine

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rendis/flowscript/internal/dsl"
	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/internal/state"
	"github.com/rendis/flowscript/pkg/schema"
)

// --- in-memory store ---

// memStore is an in-memory state backend, event log and run recorder.
type memStore struct {
	mu      sync.Mutex
	nodes   map[string]map[string]*schema.NodeState
	events  map[string][]*schema.ProgressEvent
	runs    map[string]schema.RunStatus
	runErrs map[string]string
	upserts int
}

func newMemStore() *memStore {
	return &memStore{
		nodes:   make(map[string]map[string]*schema.NodeState),
		events:  make(map[string][]*schema.ProgressEvent),
		runs:    make(map[string]schema.RunStatus),
		runErrs: make(map[string]string),
	}
}

func (m *memStore) UpsertNodeStates(_ context.Context, states []*schema.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, ns := range states {
		if m.nodes[ns.RunID] == nil {
			m.nodes[ns.RunID] = make(map[string]*schema.NodeState)
		}
		m.nodes[ns.RunID][ns.NodeID] = ns.Clone()
	}
	return nil
}

func (m *memStore) ListNodeStates(_ context.Context, runID string) ([]*schema.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.NodeState
	for _, ns := range m.nodes[runID] {
		out = append(out, ns.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *memStore) DeleteNodeStates(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, runID)
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, event *schema.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id string, status schema.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id] = status
	m.runErrs[id] = errMsg
	return nil
}

func (m *memStore) node(runID, variable string) *schema.NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[runID][variable].Clone()
}

func (m *memStore) seed(states ...*schema.NodeState) {
	_ = m.UpsertNodeStates(context.Background(), states)
}

func (m *memStore) run(id string) (schema.RunStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id], m.runErrs[id]
}

func (m *memStore) loggedEvents(runID string) []*schema.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.ProgressEvent(nil), m.events[runID]...)
}

// --- test nodes ---

// recorder is shared by the test nodes of one harness.
type recorder struct {
	mu       sync.Mutex
	calls    map[string]int
	starts   map[string]int
	gates    map[string]chan struct{}
	released atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		calls:  make(map[string]int),
		starts: make(map[string]int),
		gates:  make(map[string]chan struct{}),
	}
}

func (r *recorder) called(variable string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[variable]++
}

func (r *recorder) count(variable string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[variable]
}

func (r *recorder) gate(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.gates[name]
	if !ok {
		ch = make(chan struct{})
		r.gates[name] = ch
	}
	return ch
}

func (r *recorder) open(name string) { close(r.gate(name)) }

func (r *recorder) startIndex(variable string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[variable]
}

func interrupted(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
}

type baseNode struct{}

func (baseNode) InputSchema() json.RawMessage  { return nil }
func (baseNode) OutputSchema() json.RawMessage { return nil }

// echoNode returns its value input.
type echoNode struct {
	baseNode
	rec *recorder
}

func (n *echoNode) Execute(_ context.Context, req *nodes.Request) iter.Seq2[nodes.Item, error] {
	return func(yield func(nodes.Item, error) bool) {
		n.rec.called(req.Variable)
		yield(nodes.ResultItem(req.Inputs["value"]), nil)
	}
}

// gateNode blocks until the test opens the gate named by its name input.
type gateNode struct {
	baseNode
	rec *recorder
}

func (n *gateNode) Execute(ctx context.Context, req *nodes.Request) iter.Seq2[nodes.Item, error] {
	return func(yield func(nodes.Item, error) bool) {
		n.rec.called(req.Variable)
		name, _ := req.Inputs["name"].(string)
		select {
		case <-n.rec.gate(name):
			yield(nodes.ResultItem("opened:"+name), nil)
		case <-ctx.Done():
			yield(nodes.Item{}, interrupted(ctx))
		}
	}
}

// stepsNode reports one progress item per step with checkpoint {index}.
// On its first attempt it blocks after reaching block_at until interrupted.
type stepsNode struct {
	baseNode
	rec *recorder
}

func (n *stepsNode) Execute(ctx context.Context, req *nodes.Request) iter.Seq2[nodes.Item, error] {
	return func(yield func(nodes.Item, error) bool) {
		n.rec.called(req.Variable)
		total, _ := req.Inputs["total"].(int)
		blockAt, _ := req.Inputs["block_at"].(int)
		start, _ := nodes.CheckpointInt(req.Checkpoint, "index")

		n.rec.mu.Lock()
		n.rec.starts[req.Variable] = start
		n.rec.mu.Unlock()

		for i := start; i < total; i++ {
			percent := float64(i+1) / float64(total) * 100
			if !yield(nodes.ProgressItem(percent, "step", map[string]any{"index": i + 1}), nil) {
				return
			}
			if i+1 == blockAt && start < blockAt {
				<-ctx.Done()
				yield(nodes.Item{}, interrupted(ctx))
				return
			}
		}
		yield(nodes.ResultItem(map[string]any{"resumed_from": start}), nil)
	}
}

// failNode always fails.
type failNode struct {
	baseNode
	rec *recorder
}

func (n *failNode) Execute(_ context.Context, req *nodes.Request) iter.Seq2[nodes.Item, error] {
	return func(yield func(nodes.Item, error) bool) {
		n.rec.called(req.Variable)
		yield(nodes.Item{}, errors.New("node exploded"))
	}
}

// holdNode blocks until interrupted and counts Release calls.
type holdNode struct {
	baseNode
	rec  *recorder
	stop chan struct{}
	once sync.Once
}

func (n *holdNode) Execute(ctx context.Context, req *nodes.Request) iter.Seq2[nodes.Item, error] {
	return func(yield func(nodes.Item, error) bool) {
		n.rec.called(req.Variable)
		select {
		case <-ctx.Done():
			yield(nodes.Item{}, interrupted(ctx))
		case <-n.stop:
			yield(nodes.Item{}, schema.NewError(schema.ErrCodeCancelled, "released"))
		}
	}
}

func (n *holdNode) Release(context.Context) error {
	n.once.Do(func() {
		n.rec.released.Add(1)
		close(n.stop)
	})
	return nil
}

// --- harness ---

type harness struct {
	t     *testing.T
	reg   *nodes.Registry
	store *memStore
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := nodes.NewBuiltinRegistry()
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, reg.Register("Test.Echo", func() nodes.Node { return &echoNode{rec: rec} }))
	require.NoError(t, reg.Register("Test.Gate", func() nodes.Node { return &gateNode{rec: rec} }))
	require.NoError(t, reg.Register("Test.Steps", func() nodes.Node { return &stepsNode{rec: rec} }))
	require.NoError(t, reg.Register("Test.Fail", func() nodes.Node { return &failNode{rec: rec} }))
	require.NoError(t, reg.Register("Test.Hold", func() nodes.Node {
		return &holdNode{rec: rec, stop: make(chan struct{})}
	}))

	return &harness{t: t, reg: reg, store: newMemStore(), rec: rec}
}

func (h *harness) executor(runID string, opts ...Option) *Executor {
	base := []Option{
		WithEventLog(h.store),
		WithRunRecorder(h.store),
		WithLogger(zaptest.NewLogger(h.t)),
	}
	return NewExecutor(runID, h.reg, state.NewManager(h.store), append(base, opts...)...)
}

func (h *harness) plan(src string) *schema.ExecutionPlan {
	h.t.Helper()
	plan, err := dsl.NewParser(dsl.WithRegistry(h.reg), dsl.WithEvaluator(expressions.NewEvaluator())).Parse(src)
	require.NoError(h.t, err)
	return plan
}

// block renders one #@node block.
func block(meta, body string) string {
	header := "#@node"
	if meta != "" {
		header += "(" + meta + ")"
	}
	return header + "\n" + body + "\n#</node>\n"
}

func program(blocks ...string) string {
	return strings.Join(blocks, "\n")
}

// collect drains the stream, failing the test if it does not close in time.
func collect(t *testing.T, ch <-chan schema.ProgressEvent) []schema.ProgressEvent {
	t.Helper()
	var events []schema.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
			return events
		}
	}
}

// waitFor reads events until match returns true and returns what was read.
func waitFor(t *testing.T, ch <-chan schema.ProgressEvent, match func(schema.ProgressEvent) bool) []schema.ProgressEvent {
	t.Helper()
	var events []schema.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before expected event")
				return events
			}
			events = append(events, ev)
			if match(ev) {
				return events
			}
		case <-timeout:
			t.Fatalf("expected event not seen")
			return events
		}
	}
}

func is(typ, variable string) func(schema.ProgressEvent) bool {
	return func(ev schema.ProgressEvent) bool { return ev.Type == typ && ev.Variable == variable }
}

// indexOf returns the position of the first event matching typ and variable, or -1.
func indexOf(events []schema.ProgressEvent, typ, variable string) int {
	for i, ev := range events {
		if ev.Type == typ && ev.Variable == variable {
			return i
		}
	}
	return -1
}

func terminal(t *testing.T, events []schema.ProgressEvent) schema.ProgressEvent {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, schema.EventWorkflowComplete, last.Type, "workflow_complete is always last")
	return last
}

func results(events []schema.ProgressEvent) map[string]any {
	out := make(map[string]any)
	for _, ev := range events {
		if ev.Type == schema.EventComplete {
			out[ev.Variable] = ev.Result
		}
	}
	return out
}
