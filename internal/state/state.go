package state

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowscript/pkg/schema"
)

// ExecutionState is the in-memory view of one run: the variable context,
// the set of completed statements and the per-statement node records.
// The methods are safe for concurrent use by the scheduling loop and
// background tasks; the exported maps must only be touched before the run
// starts.
type ExecutionState struct {
	RunID          string
	Context        map[string]any
	CompletedNodes map[string]struct{}
	NodeStates     map[string]*schema.NodeState

	mu sync.Mutex
}

// New returns an empty state for runID.
func New(runID string) *ExecutionState {
	return &ExecutionState{
		RunID:          runID,
		Context:        make(map[string]any),
		CompletedNodes: make(map[string]struct{}),
		NodeStates:     make(map[string]*schema.NodeState),
	}
}

// IsResume reports whether the run continues a previous attempt: some
// statement completed, or an interrupted one left a checkpoint behind.
func (s *ExecutionState) IsResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.CompletedNodes) > 0 {
		return true
	}
	for _, ns := range s.NodeStates {
		if ns.Status == schema.NodeStatusPaused && ns.Checkpoint != nil {
			return true
		}
	}
	return false
}

// IsCompleted reports whether variable reached success or skipped.
func (s *ExecutionState) IsCompleted(variable string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.CompletedNodes[variable]
	return ok
}

// Node returns a copy of the record for variable, or nil.
func (s *ExecutionState) Node(variable string) *schema.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NodeStates[variable].Clone()
}

// Update applies fn to the record for variable, creating it first when
// missing, and returns a copy of the result. UpdatedAt is refreshed and
// completed statuses are tracked in CompletedNodes.
func (s *ExecutionState) Update(variable string, fn func(ns *schema.NodeState)) *schema.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.NodeStates[variable]
	if !ok {
		ns = &schema.NodeState{RunID: s.RunID, NodeID: variable, Status: schema.NodeStatusIdle}
		s.NodeStates[variable] = ns
	}
	fn(ns)
	ns.UpdatedAt = time.Now().UTC()

	if ns.Status.Completed() {
		s.CompletedNodes[variable] = struct{}{}
		s.Context[variable] = ns.Outputs
	} else {
		delete(s.CompletedNodes, variable)
	}
	return ns.Clone()
}

// Snapshot returns copies of every node record ordered by node id.
func (s *ExecutionState) Snapshot() []*schema.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*schema.NodeState, 0, len(s.NodeStates))
	for _, ns := range s.NodeStates {
		out = append(out, ns.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ContextCopy returns a shallow copy of the restored context.
func (s *ExecutionState) ContextCopy() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.Context)
}

// Completed returns the completed statement names, sorted.
func (s *ExecutionState) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.CompletedNodes))
	for v := range s.CompletedNodes {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
