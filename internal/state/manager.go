package state

import (
	"context"

	"go.uber.org/zap"

	"github.com/rendis/flowscript/pkg/schema"
)

// Backend is the slice of store.Store the manager needs.
type Backend interface {
	UpsertNodeStates(ctx context.Context, states []*schema.NodeState) error
	ListNodeStates(ctx context.Context, runID string) ([]*schema.NodeState, error)
	DeleteNodeStates(ctx context.Context, runID string) error
}

// Manager loads and persists ExecutionState through a Backend.
type Manager struct {
	backend Backend
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{backend: backend, logger: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load rebuilds the state of runID. Every success or skipped record is
// marked completed and its outputs are placed in the context.
func (m *Manager) Load(ctx context.Context, runID string) (*ExecutionState, error) {
	records, err := m.backend.ListNodeStates(ctx, runID)
	if err != nil {
		return nil, checkpointError("load", runID, err)
	}

	st := New(runID)
	for _, ns := range records {
		st.NodeStates[ns.NodeID] = ns
		if ns.Status.Completed() {
			st.CompletedNodes[ns.NodeID] = struct{}{}
			st.Context[ns.NodeID] = ns.Outputs
		}
	}

	m.logger.Debug("execution state loaded",
		zap.String("run_id", runID),
		zap.Int("nodes", len(records)),
		zap.Int("completed", len(st.CompletedNodes)),
	)
	return st, nil
}

// Save writes every node record of st in one bulk upsert. Existing rows are
// overwritten in full.
func (m *Manager) Save(ctx context.Context, st *ExecutionState) error {
	records := st.Snapshot()
	if len(records) == 0 {
		return nil
	}
	if err := m.backend.UpsertNodeStates(ctx, records); err != nil {
		return checkpointError("save", st.RunID, err)
	}
	return nil
}

// Clear removes every node record of runID.
func (m *Manager) Clear(ctx context.Context, runID string) error {
	if err := m.backend.DeleteNodeStates(ctx, runID); err != nil {
		return checkpointError("clear", runID, err)
	}
	m.logger.Debug("execution state cleared", zap.String("run_id", runID))
	return nil
}

func checkpointError(op, runID string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCheckpoint, "%s state of run %s: %s", op, runID, err.Error()).WithCause(err)
}
