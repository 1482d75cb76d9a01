package nodes

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/rendis/flowscript/pkg/schema"
)

// Node is an executable step invoked by a node statement.
// Execute yields zero or more progress items followed by exactly one result
// item. A non-nil error ends the invocation.
type Node interface {
	InputSchema() json.RawMessage
	OutputSchema() json.RawMessage
	Execute(ctx context.Context, req *Request) iter.Seq2[Item, error]
}

// Releaser is implemented by nodes holding resources that must be freed when
// a run is paused or cancelled. Release must be idempotent.
type Releaser interface {
	Release(ctx context.Context) error
}

// Describer is implemented by nodes that carry a human readable summary.
type Describer interface {
	Description() string
}

// Request is the data handed to a node at invocation time.
type Request struct {
	RunID    string
	Variable string
	NodeType string
	Inputs   map[string]any
	// Vars is a read/write handle on the run context.
	Vars Vars
	// Checkpoint is the last checkpoint persisted for this statement, or nil.
	Checkpoint *schema.CheckpointData
}

// ItemKind tags the variants of an Item.
type ItemKind int

const (
	ItemProgress ItemKind = iota
	ItemResult
)

// Progress is a progress report. Data is persisted as the statement's
// checkpoint and must stay small: indices, counters or ids.
type Progress struct {
	Percent float64
	Message string
	Data    map[string]any
}

// Item is one element of a node's output sequence.
type Item struct {
	Kind     ItemKind
	Progress Progress
	Value    any
}

// ProgressItem builds a progress item.
func ProgressItem(percent float64, message string, data map[string]any) Item {
	return Item{Kind: ItemProgress, Progress: Progress{Percent: percent, Message: message, Data: data}}
}

// ResultItem builds the terminal result item.
func ResultItem(value any) Item {
	return Item{Kind: ItemResult, Value: value}
}

// CheckpointInt reads an integer position from a checkpoint's data, as
// persisted numbers may come back as float64.
func CheckpointInt(cp *schema.CheckpointData, key string) (int, bool) {
	if cp == nil || cp.Data == nil {
		return 0, false
	}
	switch v := cp.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
