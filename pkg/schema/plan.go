package schema

// ArgKind tags the variants of an ArgValue.
type ArgKind string

const (
	ArgLiteral ArgKind = "literal" // constant: string, number, bool or nil
	ArgRef     ArgKind = "ref"     // variable reference, optionally with an attribute path
	ArgList    ArgKind = "list"
	ArgMap     ArgKind = "map"
	ArgInline  ArgKind = "inline" // deferred expression, evaluated at run time
)

// ArgValue is one parsed argument value of a statement.
type ArgValue struct {
	Kind    ArgKind    `json:"kind"`
	Value   any        `json:"value,omitempty"`
	Root    string     `json:"root,omitempty"`
	Path    []string   `json:"path,omitempty"`
	Items   []ArgValue `json:"items,omitempty"`
	Entries Args       `json:"entries,omitempty"`
	Expr    string     `json:"expr,omitempty"`
	Refs    []string   `json:"refs,omitempty"` // root identifiers used by an inline expression
}

// ArgEntry is a key/value pair of an ordered argument map.
type ArgEntry struct {
	Key   string   `json:"key"`
	Value ArgValue `json:"value"`
}

// Args is an argument map that keeps source order.
type Args []ArgEntry

// Get returns the value stored under key.
func (a Args) Get(key string) (ArgValue, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, true
		}
	}
	return ArgValue{}, false
}

// Keys returns the keys in source order.
func (a Args) Keys() []string {
	keys := make([]string, len(a))
	for i, e := range a {
		keys[i] = e.Key
	}
	return keys
}

// Roots returns the root identifiers referenced anywhere in the value,
// in first-seen order.
func (v ArgValue) Roots() []string {
	var out []string
	seen := make(map[string]struct{})
	v.collectRoots(seen, &out)
	return out
}

func (v ArgValue) collectRoots(seen map[string]struct{}, out *[]string) {
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		*out = append(*out, name)
	}
	switch v.Kind {
	case ArgRef:
		add(v.Root)
	case ArgInline:
		for _, r := range v.Refs {
			add(r)
		}
	case ArgList:
		for _, item := range v.Items {
			item.collectRoots(seen, out)
		}
	case ArgMap:
		for _, e := range v.Entries {
			e.Value.collectRoots(seen, out)
		}
	}
}

// Statement is one parsed unit binding a variable to a node invocation or
// to a plain expression (NodeType == "").
type Statement struct {
	LineNumber  int      `json:"line_number"`
	Variable    string   `json:"variable"`
	NodeType    string   `json:"node_type,omitempty"`
	Config      Args     `json:"config,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	IsAsync     bool     `json:"is_async,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IsExpression reports whether the statement evaluates an expression
// instead of dispatching a node.
func (s *Statement) IsExpression() bool {
	return s.NodeType == ""
}

// ExecutionPlan is the ordered list of statements produced by the parser.
// It must not be mutated once produced.
type ExecutionPlan struct {
	Statements   []*Statement        `json:"statements"`
	Dependencies map[string][]string `json:"dependencies"`
	Source       string              `json:"-"`
}

// Lookup returns the statement that binds variable.
func (p *ExecutionPlan) Lookup(variable string) (*Statement, bool) {
	for _, s := range p.Statements {
		if s.Variable == variable {
			return s, true
		}
	}
	return nil, false
}

// Variables returns all bound variables in plan order.
func (p *ExecutionPlan) Variables() []string {
	out := make([]string, len(p.Statements))
	for i, s := range p.Statements {
		out[i] = s.Variable
	}
	return out
}
