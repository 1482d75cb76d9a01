package engine

import (
	"slices"
	"sync"

	"github.com/rendis/flowscript/pkg/schema"
)

// TransitionHook is called after a statement changes status.
type TransitionHook func(variable string, from, to schema.NodeStatus)

// ValidNodeTransitions defines the allowed status transitions of a statement.
// A statement left running by a crashed process may be started again.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:    {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {schema.NodeStatusRunning, schema.NodeStatusSuccess, schema.NodeStatusError, schema.NodeStatusPaused},
	schema.NodeStatusPaused:  {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusError:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusSkipped: {},
}

// NodeFSM validates statement status transitions and runs hooks on them.
type NodeFSM struct {
	mu    sync.RWMutex
	hooks []TransitionHook
}

// NewNodeFSM creates a NodeFSM without hooks.
func NewNodeFSM() *NodeFSM {
	return &NodeFSM{}
}

// OnTransition registers a hook called after every valid transition.
func (f *NodeFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition validates from -> to and runs the hooks. An empty from is
// treated as idle.
func (f *NodeFSM) Transition(variable string, from, to schema.NodeStatus) error {
	if from == "" {
		from = schema.NodeStatusIdle
	}
	if !IsValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithVariable(variable).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	hooks := slices.Clone(f.hooks)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(variable, from, to)
	}
	return nil
}

// IsValidNodeTransition reports whether from -> to is allowed.
func IsValidNodeTransition(from, to schema.NodeStatus) bool {
	return slices.Contains(ValidNodeTransitions[from], to)
}

// IsTerminal reports whether no further transition leaves s.
func IsTerminal(s schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[s]
	return ok && len(allowed) == 0
}
