package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowscript/pkg/schema"
)

// GoJQEngine runs jq queries for the Data.Query node and the jq() helper.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs the query with data as its input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Query(ctx, expression, data)
}

// Query runs a jq query against any JSON-compatible input.
//
// jq expressions can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are collected
// into a slice and returned as []any.
func (e *GoJQEngine) Query(ctx context.Context, query string, input any) (any, error) {
	results, err := e.QueryAll(ctx, query, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll is like Query but always returns every output.
func (e *GoJQEngine) QueryAll(ctx context.Context, query string, input any) ([]any, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	normalized, err := normalizeForJQ(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"jq input is not JSON-compatible: %s", err.Error()).WithCause(err)
	}

	iter := code.RunWithContext(ctx, normalized)

	results := []any{}
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"jq evaluation failed for %q: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": query})
		}
		results = append(results, val)
	}
	return results, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go values to the types gojq accepts: nil, bool,
// int, float64, string, []any and map[string]any. Anything else takes a
// JSON round trip.
func normalizeForJQ(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, int, float64, string:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeForJQ(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeForJQ(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	if n, ok := toInt(v); ok && isInteger(v) {
		return n, nil
	}
	if f, ok := toFloat(v); ok {
		return f, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
