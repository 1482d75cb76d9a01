package store

import (
	"context"

	"github.com/rendis/flowscript/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Node state (materialized view keyed by run_id, node_id)
	UpsertNodeStates(ctx context.Context, states []*schema.NodeState) error
	ListNodeStates(ctx context.Context, runID string) ([]*schema.NodeState, error)
	DeleteNodeStates(ctx context.Context, runID string) error

	// Run event log (append-only)
	AppendEvent(ctx context.Context, event *schema.ProgressEvent) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*schema.ProgressEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status schema.RunStatus
	Limit  int
}

func (f RunFilter) matches(run *schema.Run) bool {
	return f.Status == "" || run.Status == f.Status
}
