package schema

import "time"

// Stream event types emitted by the executor.
const (
	EventStart            = "start"
	EventProgress         = "progress"
	EventComplete         = "complete"
	EventError            = "error"
	EventSkipped          = "skipped"
	EventPaused           = "paused"
	EventWorkflowComplete = "workflow_complete"
)

// NodeStatus represents the lifecycle state of one statement within a run.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusPaused  NodeStatus = "paused"
	NodeStatusSkipped NodeStatus = "skipped"
)

// Completed reports whether the status counts as done for resume purposes.
func (s NodeStatus) Completed() bool {
	return s == NodeStatusSuccess || s == NodeStatusSkipped
}

// RunStatus represents the lifecycle state of a whole run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ProgressEvent is one item of the executor's outward stream.
type ProgressEvent struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Variable string    `json:"variable,omitempty"`
	NodeType string    `json:"node_type,omitempty"`
	Percent  float64   `json:"percent,omitempty"`
	Message  string    `json:"message,omitempty"`
	Result   any       `json:"result,omitempty"`
	Restored bool      `json:"restored,omitempty"`
	Error    string    `json:"error,omitempty"`
	Status   RunStatus `json:"status,omitempty"`
	Time     time.Time `json:"time"`
	Sequence int64     `json:"sequence,omitempty"` // assigned by the event log
}
