package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rendis/flowscript/pkg/schema"
)

// ClassifyError maps an error raised at the statement boundary to the
// status the statement ends in: paused for an interruption, error otherwise.
func ClassifyError(err error) schema.NodeStatus {
	if schema.IsCode(err, schema.ErrCodeCancelled) || errors.Is(err, context.Canceled) {
		return schema.NodeStatusPaused
	}
	return schema.NodeStatusError
}

// statementError normalizes err into a FlowError bound to variable.
func statementError(err error, variable string) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.Variable == variable {
			return fe
		}
		cp := *fe
		cp.Variable = variable
		return &cp
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithVariable(variable).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithVariable(variable).WithCause(err)
}

// handleError records the outcome of a failed statement: the status is
// persisted, the matching event is emitted and the normalized error is
// returned. Interrupted statements keep their last checkpoint.
func (r *run) handleError(ctx context.Context, stmt *schema.Statement, err error) error {
	status := ClassifyError(err)
	if ctx.Err() != nil {
		status = schema.NodeStatusPaused
	}
	fe := statementError(err, stmt.Variable)
	if status == schema.NodeStatusPaused && fe.Code != schema.ErrCodeCancelled {
		fe = schema.NewError(schema.ErrCodeCancelled, "interrupted").WithVariable(stmt.Variable).WithCause(err)
	}
	log := r.logger(stmt)

	from := schema.NodeStatusIdle
	if prev := r.st.Node(stmt.Variable); prev != nil {
		from = prev.Status
	}
	if terr := r.e.fsm.Transition(stmt.Variable, from, status); terr != nil {
		log.Warn("statement status not recorded", zap.Error(terr))
	} else {
		r.st.Update(stmt.Variable, func(ns *schema.NodeState) {
			ns.NodeType = stmt.NodeType
			ns.Status = status
			if status == schema.NodeStatusError {
				ns.Error = fe.Message
			}
		})
		if cerr := r.checkpoint(); cerr != nil {
			log.Error("failed to persist statement status", zap.Error(cerr))
		}
	}
	r.e.metrics.RecordStatement(stmt.NodeType, string(status), 0)

	if status == schema.NodeStatusPaused {
		log.Info("statement paused")
		r.emit(schema.ProgressEvent{Type: schema.EventPaused, Variable: stmt.Variable, NodeType: stmt.NodeType})
		return fe
	}

	log.Error("statement failed", zap.String("code", fe.Code), zap.Error(fe))
	r.emit(schema.ProgressEvent{
		Type:     schema.EventError,
		Variable: stmt.Variable,
		NodeType: stmt.NodeType,
		Error:    fe.Error(),
	})
	return fe
}
