package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/flowscript/pkg/schema"
)

// Outputs, checkpoints and events are stored as JSON text. Numbers decode
// as float64, which nodes must accept when reading a restored checkpoint.

func encodeOutputs(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return string(b), nil
}

func decodeOutputs(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeCheckpoint(cp *schema.CheckpointData) (any, error) {
	if cp == nil {
		return nil, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return string(b), nil
}

func decodeCheckpoint(s string) (*schema.CheckpointData, error) {
	if s == "" {
		return nil, nil
	}
	cp := &schema.CheckpointData{}
	if err := json.Unmarshal([]byte(s), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Run contexts keep integers integral across the round trip, so a resumed
// run sees the same values it was started with.

func encodeContext(ctx map[string]any) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return string(b), nil
}

func decodeContext(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var ctx map[string]any
	if err := unmarshalNumbers([]byte(s), &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

func decodeRun(data []byte) (*schema.Run, error) {
	run := &schema.Run{}
	if err := unmarshalNumbers(data, run); err != nil {
		return nil, err
	}
	if run.Context != nil {
		run.Context = normalizeNumbers(run.Context).(map[string]any)
	}
	return run, nil
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if m, ok := v.(*map[string]any); ok && *m != nil {
		*m = normalizeNumbers(*m).(map[string]any)
	}
	return nil
}

// normalizeNumbers replaces json.Number with int or float64.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
		return x
	}
	return v
}

func sortNodeStates(states []*schema.NodeState) {
	sort.Slice(states, func(i, j int) bool { return states[i].NodeID < states[j].NodeID })
}
