package expressions

import "context"

// Engine evaluates expressions against a variable map.
// Three implementations: Evaluator (statements and inline arguments),
// CEL (Logic.Check conditions), GoJQ (Data.Query transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
