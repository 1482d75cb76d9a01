package nodes

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/pkg/schema"
)

// --- Logic.Wait ---

// waitNode joins background tasks. The executor intercepts it to await the
// named tasks and then invokes it with the normalized task list.
type waitNode struct{}

func (n *waitNode) Description() string {
	return "Block until the named async statements have finished"
}

func (n *waitNode) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "required": ["tasks"],
  "properties": {"tasks": {"type": "array", "items": {"type": "string"}}}
}`)
}

func (n *waitNode) OutputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"waited": {"type": "array"}, "count": {"type": "integer"}}
}`)
}

func (n *waitNode) Execute(_ context.Context, req *Request) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		var tasks []string
		switch v := req.Inputs["tasks"].(type) {
		case []string:
			tasks = v
		case []any:
			for _, t := range v {
				if s, ok := t.(string); ok {
					tasks = append(tasks, s)
				}
			}
		}
		waited := make([]any, len(tasks))
		for i, t := range tasks {
			waited[i] = t
		}
		yield(ResultItem(map[string]any{"waited": waited, "count": len(tasks)}), nil)
	}
}

// --- Logic.Check ---

// checkNode evaluates a CEL condition over its data argument and the run
// context (exposed as "vars").
type checkNode struct {
	engine *expressions.CELEngine
}

func (n *checkNode) Description() string {
	return "Evaluate a CEL condition; optionally fail the run when it is false"
}

func (n *checkNode) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "required": ["condition"],
  "properties": {
    "condition": {"type": "string", "minLength": 1},
    "data": {},
    "fail": {"type": "boolean"}
  }
}`)
}

func (n *checkNode) OutputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"passed": {"type": "boolean"}}}`)
}

func (n *checkNode) Execute(ctx context.Context, req *Request) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		condition, err := stringInput(req.Inputs, "condition")
		if err != nil {
			yield(Item{}, schema.NewError(schema.ErrCodeValidation, err.Error()))
			return
		}

		var vars map[string]any
		if req.Vars != nil {
			vars = req.Vars.Snapshot()
		}
		passed, err := n.engine.Condition(ctx, condition, req.Inputs["data"], vars)
		if err != nil {
			yield(Item{}, err)
			return
		}

		if fail, _ := req.Inputs["fail"].(bool); fail && !passed {
			yield(Item{}, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"check failed: %s", condition).
				WithDetails(map[string]any{"condition": condition}))
			return
		}
		yield(ResultItem(map[string]any{"passed": passed}), nil)
	}
}
