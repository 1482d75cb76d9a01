package engine

import (
	"context"
	"strconv"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/pkg/schema"
)

// resolveArgs turns a statement's parsed config into node inputs against
// the live context.
func resolveArgs(ctx context.Context, ev *expressions.Evaluator, args schema.Args, vars nodes.Vars) (map[string]any, error) {
	inputs := make(map[string]any, len(args))
	for _, entry := range args {
		v, err := resolveValue(ctx, ev, entry.Value, vars)
		if err != nil {
			return nil, err
		}
		inputs[entry.Key] = v
	}
	return inputs, nil
}

func resolveValue(ctx context.Context, ev *expressions.Evaluator, v schema.ArgValue, vars nodes.Vars) (any, error) {
	switch v.Kind {
	case schema.ArgLiteral:
		return v.Value, nil

	case schema.ArgRef:
		root, ok := vars.Get(v.Root)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "undefined variable %q", v.Root)
		}
		return walkPath(v.Root, root, v.Path)

	case schema.ArgInline:
		return ev.Evaluate(ctx, v.Expr, vars.Snapshot())

	case schema.ArgList:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			r, err := resolveValue(ctx, ev, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case schema.ArgMap:
		return resolveArgs(ctx, ev, v.Entries, vars)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unknown argument kind %q", v.Kind)
	}
}

// walkPath follows an attribute path through maps and lists. Paths into a
// disabled statement's placeholder yield nil.
func walkPath(root string, value any, path []string) (any, error) {
	cur := value
	for i, key := range path {
		if expressions.IsSkipped(cur) {
			return nil, nil
		}
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[key]
			if !ok {
				return nil, pathError(root, path[:i+1], "no key %q", key)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, pathError(root, path[:i+1], "list index %q is not an integer", key)
			}
			if idx < 0 {
				idx += len(c)
			}
			if idx < 0 || idx >= len(c) {
				return nil, pathError(root, path[:i+1], "index %d out of range", idx)
			}
			cur = c[idx]
		default:
			return nil, pathError(root, path[:i+1], "cannot access %q on %T", key, cur)
		}
	}
	return cur, nil
}

func pathError(root string, path []string, format string, args ...any) *schema.FlowError {
	ref := root
	for _, p := range path {
		ref += "." + p
	}
	return schema.NewErrorf(schema.ErrCodeEvaluation, format, args...).
		WithDetails(map[string]any{"reference": ref})
}
