package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/logging"
	"github.com/rendis/flowscript/internal/metrics"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/internal/state"
	"github.com/rendis/flowscript/internal/streaming"
	"github.com/rendis/flowscript/internal/validation"
	"github.com/rendis/flowscript/pkg/schema"
)

// eventBuffer is the capacity of the channel returned by ExecuteStream.
const eventBuffer = 64

// EventLog persists emitted events. Satisfied by store.Store.
type EventLog interface {
	AppendEvent(ctx context.Context, event *schema.ProgressEvent) error
}

// RunRecorder persists the final status of a run. Satisfied by store.Store.
type RunRecorder interface {
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error
}

type interruptKind int

const (
	interruptNone interruptKind = iota
	interruptPause
	interruptCancel
)

// Executor runs execution plans for one run id. At most one ExecuteStream
// is active at a time; Pause, Cancel and Status may be called from any
// goroutine.
type Executor struct {
	RunID string

	registry  *nodes.Registry
	states    *state.Manager
	evaluator *expressions.Evaluator
	validator validation.Validator
	eventLog  EventLog
	runs      RunRecorder
	hub       streaming.Hub
	metrics   *metrics.Collector
	log       *zap.Logger // tagged with run_id
	base      *zap.Logger
	fsm       *NodeFSM

	mu        sync.Mutex
	status    schema.RunStatus
	running   bool
	interrupt interruptKind
	cancel    context.CancelFunc
	tasks     *TaskTable
	live      map[string]nodes.Node

	saveMu sync.Mutex
	emitMu sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithEvaluator sets the expression evaluator. Defaults to a new Evaluator.
func WithEvaluator(ev *expressions.Evaluator) Option {
	return func(e *Executor) { e.evaluator = ev }
}

// WithValidator sets the input validator. Defaults to JSON Schema.
func WithValidator(v validation.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithEventLog persists every emitted event.
func WithEventLog(l EventLog) Option {
	return func(e *Executor) { e.eventLog = l }
}

// WithRunRecorder persists the final run status.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Executor) { e.runs = r }
}

// WithHub publishes every emitted event to hub.
func WithHub(hub streaming.Hub) Option {
	return func(e *Executor) { e.hub = hub }
}

// WithMetrics records executor metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor creates an Executor for runID.
func NewExecutor(runID string, registry *nodes.Registry, states *state.Manager, opts ...Option) *Executor {
	e := &Executor{
		RunID:    runID,
		registry: registry,
		states:   states,
		log:      zap.NewNop(),
		fsm:      NewNodeFSM(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.evaluator == nil {
		e.evaluator = expressions.NewEvaluator()
	}
	if e.validator == nil {
		e.validator = validation.NewJSONSchemaValidator()
	}
	e.base = e.log
	e.log = e.log.With(zap.String("run_id", runID))
	e.fsm.OnTransition(func(variable string, from, to schema.NodeStatus) {
		e.log.Debug("statement transition",
			zap.String("variable", variable),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	})
	return e
}

// ExecuteStream starts executing plan and returns the event stream. The
// stream ends with a workflow_complete event and is then closed; callers
// must drain it. When persisted state shows completed statements the run
// resumes: those statements are restored instead of executed.
func (e *Executor) ExecuteStream(ctx context.Context, plan *schema.ExecutionPlan, initial map[string]any) (<-chan schema.ProgressEvent, error) {
	return e.start(ctx, plan, initial, false)
}

func (e *Executor) start(ctx context.Context, plan *schema.ExecutionPlan, initial map[string]any, resume bool) (<-chan schema.ProgressEvent, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", e.RunID)
	}
	e.running = true
	e.interrupt = interruptNone
	e.mu.Unlock()

	st, err := e.prepareState(ctx, resume)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	tasks := NewTaskTable()
	tasks.onStart = e.metrics.TaskStarted
	tasks.onFinish = e.metrics.TaskFinished

	vars := nodes.NewVars(initial)
	for k, v := range st.ContextCopy() {
		vars.Set(k, v)
	}

	e.mu.Lock()
	e.cancel = cancel
	e.tasks = tasks
	e.live = make(map[string]nodes.Node)
	e.status = schema.RunStatusRunning
	e.mu.Unlock()

	r := &run{
		e:          e,
		ctx:        runCtx,
		persistCtx: context.WithoutCancel(ctx),
		plan:       plan,
		st:         st,
		vars:       vars,
		tasks:      tasks,
		out:        make(chan schema.ProgressEvent, eventBuffer),
		resumed:    resume || st.IsResume(),
	}
	go r.execute(cancel)
	return r.out, nil
}

// prepareState loads persisted state. Unless resume is forced or the state
// shows a previous attempt, the run starts fresh and stale records are
// cleared.
func (e *Executor) prepareState(ctx context.Context, resume bool) (*state.ExecutionState, error) {
	st, err := e.states.Load(ctx, e.RunID)
	if err != nil {
		return nil, err
	}
	if resume || st.IsResume() {
		e.log.Info("resuming run", zap.Strings("completed", st.Completed()))
		return st, nil
	}
	if err := e.states.Clear(ctx, e.RunID); err != nil {
		return nil, err
	}
	return state.New(e.RunID), nil
}

// Pause stops the run: no further statement starts, background tasks are
// cancelled and live nodes are asked to release resources without waiting.
// Interrupted statements become paused and can be resumed.
func (e *Executor) Pause() {
	e.interruptWith(interruptPause)
}

// Cancel interrupts the run like Pause but ends it as failed.
func (e *Executor) Cancel() {
	e.interruptWith(interruptCancel)
}

// Resume clears the interruption and executes plan again from the
// persisted state. Persisted records are never discarded, even when no
// statement has completed yet.
func (e *Executor) Resume(ctx context.Context, plan *schema.ExecutionPlan, initial map[string]any) (<-chan schema.ProgressEvent, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", e.RunID)
	}
	e.interrupt = interruptNone
	e.mu.Unlock()
	return e.start(ctx, plan, initial, true)
}

// Status returns the run's current status, or "" before the first execution.
func (e *Executor) Status() schema.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Running returns the names of async statements still executing.
func (e *Executor) Running() []string {
	e.mu.Lock()
	tasks := e.tasks
	e.mu.Unlock()
	if tasks == nil {
		return nil
	}
	return tasks.Running()
}

func (e *Executor) interruptWith(kind interruptKind) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if kind > e.interrupt {
		e.interrupt = kind
	}
	cancel, tasks := e.cancel, e.tasks
	live := make([]nodes.Node, 0, len(e.live))
	for _, n := range e.live {
		live = append(live, n)
	}
	e.mu.Unlock()

	e.log.Info("interrupt requested", zap.Bool("cancel", kind == interruptCancel))
	if tasks != nil {
		tasks.CancelAll()
	}
	if cancel != nil {
		cancel()
	}
	for _, n := range live {
		rel, ok := n.(nodes.Releaser)
		if !ok {
			continue
		}
		go func() {
			if err := rel.Release(context.Background()); err != nil {
				e.log.Warn("node release failed", zap.Error(err))
			}
		}()
	}
}

func (e *Executor) interruption() interruptKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupt
}

func (e *Executor) trackLive(variable string, n nodes.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live != nil {
		e.live[variable] = n
	}
}

func (e *Executor) untrackLive(variable string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, variable)
}

// run is one ExecuteStream invocation.
type run struct {
	e          *Executor
	ctx        context.Context
	persistCtx context.Context
	plan       *schema.ExecutionPlan
	st         *state.ExecutionState
	vars       *nodes.SyncVars
	tasks      *TaskTable
	out        chan schema.ProgressEvent
	resumed    bool
}

// stmtContext tags ctx with the correlation IDs of stmt.
func (r *run) stmtContext(ctx context.Context, stmt *schema.Statement) context.Context {
	ctx = logging.WithVariable(logging.WithRunID(ctx, r.e.RunID), stmt.Variable)
	if stmt.NodeType != "" {
		ctx = logging.WithNodeType(ctx, stmt.NodeType)
	}
	return ctx
}

func (r *run) logger(stmt *schema.Statement) *zap.Logger {
	return logging.LogWith(r.stmtContext(r.ctx, stmt), r.e.base)
}

// execute is the scheduling loop. Statements run in plan order; async ones
// are handed to the task table and only joined by Logic.Wait.
func (r *run) execute(cancel context.CancelFunc) {
	defer close(r.out)
	defer cancel()

	started := time.Now()
	r.e.log.Info("run started", zap.Int("statements", len(r.plan.Statements)), zap.Bool("resumed", r.resumed))

	var runErr error
	for _, stmt := range r.plan.Statements {
		if r.e.interruption() != interruptNone || r.ctx.Err() != nil {
			break
		}
		if err := r.tasks.Err(); err != nil {
			runErr = err
			break
		}

		switch {
		case r.st.IsCompleted(stmt.Variable):
			r.restore(stmt)
		case stmt.Disabled:
			runErr = r.skip(stmt)
		case stmt.IsAsync:
			runErr = r.launch(stmt)
		default:
			if err := r.executeStatement(r.ctx, stmt); err != nil && !r.interrupted(r.ctx, err) {
				runErr = err
			}
		}
		if runErr != nil {
			break
		}
	}

	if runErr != nil {
		// Abort: background tasks are interrupted and end up paused.
		r.tasks.CancelAll()
		cancel()
	}
	r.tasks.Wait()
	if runErr == nil {
		runErr = r.tasks.Err()
	}

	r.finish(runErr, time.Since(started))
}

// finish emits the terminal event and records the run outcome.
func (r *run) finish(runErr error, elapsed time.Duration) {
	status := schema.RunStatusCompleted
	var errMsg string
	switch {
	case runErr != nil:
		status = schema.RunStatusFailed
		errMsg = runErr.Error()
	case r.allCompleted():
	case r.e.interruption() == interruptCancel:
		status = schema.RunStatusFailed
		errMsg = schema.NewError(schema.ErrCodeCancelled, "run cancelled").Error()
	default:
		status = schema.RunStatusPaused
	}

	if r.e.runs != nil {
		if err := r.e.runs.UpdateRunStatus(r.persistCtx, r.e.RunID, status, errMsg); err != nil {
			r.e.log.Warn("failed to record run status", zap.Error(err))
		}
	}
	r.e.metrics.RecordRun(string(status))

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("elapsed", elapsed)}
	if m := r.tasks.Metrics(); m.Completed+m.Failed > 0 {
		fields = append(fields,
			zap.Int64("tasks_completed", m.Completed),
			zap.Int64("tasks_failed", m.Failed),
			zap.Int64("task_panics", m.Panics),
		)
	}
	if runErr != nil {
		r.e.log.Error("run finished", append(fields, zap.Error(runErr))...)
	} else {
		r.e.log.Info("run finished", fields...)
	}

	r.e.mu.Lock()
	r.e.status = status
	r.e.running = false
	r.e.cancel = nil
	r.e.live = nil
	r.e.mu.Unlock()

	r.emit(schema.ProgressEvent{Type: schema.EventWorkflowComplete, Status: status, Error: errMsg})
}

func (r *run) allCompleted() bool {
	for _, stmt := range r.plan.Statements {
		if !r.st.IsCompleted(stmt.Variable) {
			return false
		}
	}
	return true
}

// interrupted reports whether err ends a statement as paused rather than
// failing the run.
func (r *run) interrupted(ctx context.Context, err error) bool {
	return ClassifyError(err) == schema.NodeStatusPaused || ctx.Err() != nil
}

// restore replays a statement completed by a previous attempt.
func (r *run) restore(stmt *schema.Statement) {
	value, _ := r.vars.Get(stmt.Variable)
	r.emit(schema.ProgressEvent{
		Type:     schema.EventComplete,
		Variable: stmt.Variable,
		NodeType: stmt.NodeType,
		Result:   value,
		Restored: true,
	})
}

// skip marks a disabled statement without dispatching it. Its variable is
// bound to the skipped placeholder.
func (r *run) skip(stmt *schema.Statement) error {
	from := schema.NodeStatusIdle
	if prev := r.st.Node(stmt.Variable); prev != nil {
		from = prev.Status
	}
	if err := r.e.fsm.Transition(stmt.Variable, from, schema.NodeStatusSkipped); err != nil {
		return err
	}

	marker := expressions.SkippedMarker(stmt.Variable)
	r.st.Update(stmt.Variable, func(ns *schema.NodeState) {
		ns.NodeType = stmt.NodeType
		ns.Status = schema.NodeStatusSkipped
		ns.Outputs = marker
		ns.Error = ""
	})
	r.vars.Set(stmt.Variable, marker)
	if err := r.checkpoint(); err != nil {
		return statementError(err, stmt.Variable)
	}
	r.e.metrics.RecordStatement(stmt.NodeType, string(schema.NodeStatusSkipped), 0)
	r.logger(stmt).Debug("statement skipped")
	r.emit(schema.ProgressEvent{Type: schema.EventSkipped, Variable: stmt.Variable, NodeType: stmt.NodeType})
	return nil
}

// launch starts an async statement in the background. Interruptions are
// not task failures.
func (r *run) launch(stmt *schema.Statement) error {
	return r.tasks.Start(r.ctx, stmt.Variable, func(ctx context.Context) error {
		if err := r.executeStatement(ctx, stmt); err != nil && !r.interrupted(ctx, err) {
			return err
		}
		return nil
	})
}

// checkpoint writes the full state. Saves are serialized so a later
// snapshot is never overwritten by an earlier one.
func (r *run) checkpoint() error {
	r.e.saveMu.Lock()
	defer r.e.saveMu.Unlock()
	err := r.e.states.Save(r.persistCtx, r.st)
	r.e.metrics.RecordCheckpoint(err)
	return err
}

// emit delivers an event to the event log, the hub and the stream, in that
// order.
func (r *run) emit(ev schema.ProgressEvent) {
	ev.RunID = r.e.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	r.e.emitMu.Lock()
	defer r.e.emitMu.Unlock()

	if r.e.eventLog != nil {
		if err := r.e.eventLog.AppendEvent(r.persistCtx, &ev); err != nil {
			r.e.log.Warn("failed to append event", zap.String("type", ev.Type), zap.Error(err))
		}
	}
	if r.e.hub != nil {
		if err := r.e.hub.Publish(r.persistCtx, ev); err != nil {
			r.e.log.Debug("failed to publish event", zap.Error(err))
		}
	}
	r.out <- ev
}
