package dsl

import (
	"fmt"
	"slices"

	"github.com/rendis/flowscript/pkg/schema"
)

// validatePlan enforces the binding rules of a plan and fills
// plan.Dependencies with the edges between plan variables.
func validatePlan(plan *schema.ExecutionPlan) error {
	index := make(map[string]int, len(plan.Statements))

	// First pass: every variable is bound once.
	for i, s := range plan.Statements {
		if prev, exists := index[s.Variable]; exists {
			return schema.NewErrorf(schema.ErrCodeDependency,
				"duplicate variable %q, first bound on line %d", s.Variable, plan.Statements[prev].LineNumber).
				WithLine(s.LineNumber)
		}
		index[s.Variable] = i
	}

	// Second pass: references point backwards. Names bound nowhere in the
	// plan come from the initial context and are checked at run time.
	for i, s := range plan.Statements {
		deps := make([]string, 0, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.Variable {
				return schema.NewErrorf(schema.ErrCodeDependency,
					"%q references itself", s.Variable).WithLine(s.LineNumber)
			}
			j, exists := index[dep]
			if !exists {
				continue
			}
			if j > i {
				return schema.NewErrorf(schema.ErrCodeDependency,
					"%q references %q, which is defined later on line %d",
					s.Variable, dep, plan.Statements[j].LineNumber).
					WithLine(s.LineNumber).
					WithDetails(map[string]any{"variable": s.Variable, "dependency": dep})
			}
			deps = append(deps, dep)
		}
		plan.Dependencies[s.Variable] = deps
	}
	return nil
}

// WaitTasks returns the task variables a Logic.Wait statement joins, in
// source order. tasks must be a variable or a list of variables.
func WaitTasks(stmt *schema.Statement) ([]string, error) {
	arg, ok := stmt.Config.Get("tasks")
	if !ok {
		return nil, fmt.Errorf("%s requires tasks=<variable> or tasks=[<variable>, ...]", stmt.NodeType)
	}

	var refs []schema.ArgValue
	switch arg.Kind {
	case schema.ArgRef:
		refs = []schema.ArgValue{arg}
	case schema.ArgList:
		refs = arg.Items
	default:
		return nil, fmt.Errorf("%s tasks must name variables, got %s", stmt.NodeType, arg.Kind)
	}

	names := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Kind != schema.ArgRef || len(r.Path) > 0 {
			return nil, fmt.Errorf("%s tasks must name variables", stmt.NodeType)
		}
		if !slices.Contains(names, r.Root) {
			names = append(names, r.Root)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s needs at least one task", stmt.NodeType)
	}
	return names, nil
}

// Dependents returns the variables whose statements reference variable,
// in plan order.
func Dependents(plan *schema.ExecutionPlan, variable string) []string {
	var out []string
	for _, s := range plan.Statements {
		if slices.Contains(plan.Dependencies[s.Variable], variable) {
			out = append(out, s.Variable)
		}
	}
	return out
}
