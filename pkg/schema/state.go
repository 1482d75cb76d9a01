package schema

import "time"

// CheckpointData is the small, position-only progress record a node reports.
// Data should hold indices, counters or ids, never bulk payloads.
type CheckpointData struct {
	Percent   float64        `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NodeState is the durable record of one statement within a run.
type NodeState struct {
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	NodeType   string          `json:"node_type,omitempty"`
	Status     NodeStatus      `json:"status"`
	Progress   float64         `json:"progress"`
	Outputs    any             `json:"outputs,omitempty"`
	Checkpoint *CheckpointData `json:"checkpoint,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand to another goroutine. Outputs and
// checkpoint data are shared, they are treated as immutable once written.
func (n *NodeState) Clone() *NodeState {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Checkpoint != nil {
		c := *n.Checkpoint
		cp.Checkpoint = &c
	}
	return &cp
}

// Run is the durable record of one execution attempt of a program.
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	Source    string         `json:"source"`
	Context   map[string]any `json:"context,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
