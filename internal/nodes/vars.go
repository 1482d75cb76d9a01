package nodes

import (
	"maps"
	"sync"
)

// Vars is a read/write handle on a run's variable context.
type Vars interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Snapshot() map[string]any
}

// SyncVars is a mutex-guarded variable context shared by the scheduling
// loop and background tasks.
type SyncVars struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewVars creates a context seeded with a copy of initial.
func NewVars(initial map[string]any) *SyncVars {
	data := make(map[string]any, len(initial))
	maps.Copy(data, initial)
	return &SyncVars{data: data}
}

func (v *SyncVars) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.data[name]
	return val, ok
}

func (v *SyncVars) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[name] = value
}

// Snapshot returns a shallow copy of the context.
func (v *SyncVars) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.data)
}

var _ Vars = (*SyncVars)(nil)
