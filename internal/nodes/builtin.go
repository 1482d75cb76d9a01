package nodes

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/rendis/flowscript/internal/expressions"
)

// Built-in node type ids.
const (
	TypeWait  = "Logic.Wait"
	TypeCheck = "Logic.Check"
	TypeQuery = "Data.Query"
	TypeBatch = "Data.Batch"
	TypeDelay = "Util.Delay"
)

// RegisterBuiltins registers the built-in catalogue in the given registry.
func RegisterBuiltins(reg *Registry, cel *expressions.CELEngine, jq *expressions.GoJQEngine) error {
	builtins := map[string]Factory{
		TypeWait:  func() Node { return &waitNode{} },
		TypeCheck: func() Node { return &checkNode{engine: cel} },
		TypeQuery: func() Node { return &queryNode{engine: jq} },
		TypeBatch: func() Node { return &batchNode{} },
		TypeDelay: func() Node { return newDelayNode() },
	}
	for _, t := range []string{TypeWait, TypeCheck, TypeQuery, TypeBatch, TypeDelay} {
		if err := reg.Register(t, builtins[t]); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding the built-in catalogue.
func NewBuiltinRegistry() (*Registry, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, cel, expressions.NewGoJQEngine()); err != nil {
		return nil, err
	}
	return reg, nil
}

// intInput reads an integral input, accepting the float64 form numbers take
// after a JSON round trip.
func intInput(inputs map[string]any, key string, fallback int) (int, error) {
	raw, ok := inputs[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%s must be an integer, got %T", key, raw)
}

func stringInput(inputs map[string]any, key string) (string, error) {
	s, ok := inputs[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}
