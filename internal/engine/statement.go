package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/flowscript/internal/dsl"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/pkg/schema"
)

// executeStatement runs one enabled statement to completion. Failures are
// recorded through handleError before being returned.
func (r *run) executeStatement(ctx context.Context, stmt *schema.Statement) error {
	ctx = r.stmtContext(ctx, stmt)
	var err error
	switch {
	case stmt.IsExpression():
		err = r.runExpression(ctx, stmt)
	case stmt.NodeType == nodes.TypeWait:
		err = r.runWait(ctx, stmt)
	default:
		err = r.runNode(ctx, stmt)
	}
	if err != nil {
		return r.handleError(ctx, stmt, err)
	}
	return nil
}

// begin moves the statement to running, persists it and emits start. It
// returns the checkpoint left by an earlier attempt, if any.
func (r *run) begin(stmt *schema.Statement) (*schema.CheckpointData, error) {
	from := schema.NodeStatusIdle
	var prior *schema.CheckpointData
	if prev := r.st.Node(stmt.Variable); prev != nil {
		from = prev.Status
		prior = prev.Checkpoint
	}
	if err := r.e.fsm.Transition(stmt.Variable, from, schema.NodeStatusRunning); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.st.Update(stmt.Variable, func(ns *schema.NodeState) {
		ns.NodeType = stmt.NodeType
		ns.Status = schema.NodeStatusRunning
		ns.Error = ""
		ns.StartedAt = &now
	})
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	if prior != nil {
		r.logger(stmt).Info("statement resuming from checkpoint", zap.Float64("percent", prior.Percent))
	} else {
		r.logger(stmt).Debug("statement started")
	}
	r.emit(schema.ProgressEvent{Type: schema.EventStart, Variable: stmt.Variable, NodeType: stmt.NodeType})
	return prior, nil
}

// succeed binds the statement's value, persists success and emits complete.
func (r *run) succeed(stmt *schema.Statement, value any, started time.Time) error {
	if err := r.e.fsm.Transition(stmt.Variable, schema.NodeStatusRunning, schema.NodeStatusSuccess); err != nil {
		return err
	}
	r.st.Update(stmt.Variable, func(ns *schema.NodeState) {
		ns.Status = schema.NodeStatusSuccess
		ns.Outputs = value
		ns.Progress = 100
		ns.Error = ""
	})
	if err := r.checkpoint(); err != nil {
		return err
	}
	r.vars.Set(stmt.Variable, value)

	elapsed := time.Since(started)
	r.e.metrics.RecordStatement(stmt.NodeType, string(schema.NodeStatusSuccess), elapsed)
	r.logger(stmt).Debug("statement completed", zap.Duration("elapsed", elapsed))
	r.emit(schema.ProgressEvent{
		Type:     schema.EventComplete,
		Variable: stmt.Variable,
		NodeType: stmt.NodeType,
		Result:   value,
	})
	return nil
}

func (r *run) runExpression(ctx context.Context, stmt *schema.Statement) error {
	started := time.Now()
	if _, err := r.begin(stmt); err != nil {
		return err
	}
	value, err := r.e.evaluator.Evaluate(ctx, stmt.Expression, r.vars.Snapshot())
	if err != nil {
		return err
	}
	return r.succeed(stmt, value, started)
}

func (r *run) runNode(ctx context.Context, stmt *schema.Statement) error {
	started := time.Now()
	prior, err := r.begin(stmt)
	if err != nil {
		return err
	}
	inputs, err := resolveArgs(ctx, r.e.evaluator, stmt.Config, r.vars)
	if err != nil {
		return err
	}
	return r.invoke(ctx, stmt, inputs, prior, started)
}

// runWait joins the named async statements. A running task is awaited, a
// name already bound in the context counts as done, and anything else is an
// error.
func (r *run) runWait(ctx context.Context, stmt *schema.Statement) error {
	started := time.Now()
	prior, err := r.begin(stmt)
	if err != nil {
		return err
	}
	names, err := dsl.WaitTasks(stmt)
	if err != nil {
		return schema.NewError(schema.ErrCodeEvaluation, err.Error())
	}

	for _, name := range names {
		if r.tasks.Pending(name) {
			r.logger(stmt).Debug("waiting for task", zap.String("task", name))
		}
		if r.tasks.Has(name) {
			if err := r.tasks.Await(ctx, name); err != nil {
				if r.interrupted(ctx, err) {
					return err
				}
				return schema.NewErrorf(schema.ErrCodeNodeExecution, "task %q failed: %s", name, err.Error()).WithCause(err)
			}
			if ctx.Err() != nil {
				return schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithCause(ctx.Err())
			}
		}
		if _, ok := r.vars.Get(name); ok {
			continue
		}
		if r.tasks.Has(name) {
			return schema.NewErrorf(schema.ErrCodeCancelled, "task %q was interrupted", name)
		}
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"cannot wait for %q: it is neither running nor completed", name)
	}

	tasks := make([]any, len(names))
	for i, n := range names {
		tasks[i] = n
	}
	return r.invoke(ctx, stmt, map[string]any{"tasks": tasks}, prior, started)
}

// invoke dispatches the node and consumes its item sequence. Each progress
// item replaces the checkpoint and is persisted before it is forwarded.
func (r *run) invoke(ctx context.Context, stmt *schema.Statement, inputs map[string]any, prior *schema.CheckpointData, started time.Time) error {
	node, err := r.e.registry.Get(stmt.NodeType)
	if err != nil {
		return err
	}
	if err := r.e.validator.ValidateInput(inputs, node.InputSchema()); err != nil {
		return err
	}

	r.e.trackLive(stmt.Variable, node)
	defer r.e.untrackLive(stmt.Variable)

	req := &nodes.Request{
		RunID:      r.e.RunID,
		Variable:   stmt.Variable,
		NodeType:   stmt.NodeType,
		Inputs:     inputs,
		Vars:       r.vars,
		Checkpoint: prior,
	}

	var result any
	gotResult := false
	for item, err := range node.Execute(ctx, req) {
		if err != nil {
			return err
		}
		if item.Kind == nodes.ItemResult {
			result, gotResult = item.Value, true
			break
		}
		if err := r.progress(stmt, item.Progress); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
		}
	}
	if !gotResult {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
		}
		return schema.NewErrorf(schema.ErrCodeNodeExecution, "node %s finished without a result", stmt.NodeType)
	}
	return r.succeed(stmt, result, started)
}

func (r *run) progress(stmt *schema.Statement, p nodes.Progress) error {
	cp := &schema.CheckpointData{
		Percent:   p.Percent,
		Message:   p.Message,
		Data:      p.Data,
		Timestamp: time.Now().UTC(),
	}
	r.st.Update(stmt.Variable, func(ns *schema.NodeState) {
		ns.Checkpoint = cp
		ns.Progress = p.Percent
	})
	if err := r.checkpoint(); err != nil {
		return err
	}
	r.emit(schema.ProgressEvent{
		Type:     schema.EventProgress,
		Variable: stmt.Variable,
		NodeType: stmt.NodeType,
		Percent:  p.Percent,
		Message:  p.Message,
	})
	return nil
}
