package nodes

import (
	"encoding/json"
	"regexp"
	"sort"
	"sync"

	"github.com/rendis/flowscript/pkg/schema"
)

// Factory creates a fresh node instance for one invocation.
type Factory func() Node

// typePattern is the Category.Method shape of a node type id.
var typePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)

// ValidType reports whether id has the Category.Method shape.
func ValidType(id string) bool {
	return typePattern.MatchString(id)
}

// Info is a summary of a registered node type for listing.
type Info struct {
	Type         string          `json:"type"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Registry maps node type ids to factories. It is constructed once and
// injected into the parser and executor. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a node factory. Returns error on duplicate or malformed type.
func (r *Registry) Register(nodeType string, factory Factory) error {
	if factory == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "factory for %q is nil", nodeType)
	}
	if !ValidType(nodeType) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node type %q must have the form Category.Method", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", nodeType)
	}

	r.factories[nodeType] = factory
	return nil
}

// Get returns a new instance of the node registered under nodeType.
func (r *Registry) Get(nodeType string) (Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[nodeType]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node type %q not registered", nodeType)
	}
	return factory(), nil
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// ListTypes returns all registered type ids, sorted.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// List returns info for all registered node types, sorted by type.
func (r *Registry) List() []Info {
	types := r.ListTypes()
	infos := make([]Info, 0, len(types))
	for _, t := range types {
		n, err := r.Get(t)
		if err != nil {
			continue
		}
		info := Info{Type: t, InputSchema: n.InputSchema(), OutputSchema: n.OutputSchema()}
		if d, ok := n.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	return infos
}

// Count returns the number of registered node types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
