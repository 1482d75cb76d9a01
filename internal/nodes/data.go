package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/pkg/schema"
)

// --- Data.Query ---

// queryNode runs a jq query over its data argument.
type queryNode struct {
	engine *expressions.GoJQEngine
}

func (n *queryNode) Description() string {
	return "Transform data with a jq query"
}

func (n *queryNode) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "data": {},
    "all": {"type": "boolean"}
  }
}`)
}

func (n *queryNode) OutputSchema() json.RawMessage {
	return nil
}

func (n *queryNode) Execute(ctx context.Context, req *Request) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		query, err := stringInput(req.Inputs, "query")
		if err != nil {
			yield(Item{}, schema.NewError(schema.ErrCodeValidation, err.Error()))
			return
		}

		var out any
		if all, _ := req.Inputs["all"].(bool); all {
			out, err = n.engine.QueryAll(ctx, query, req.Inputs["data"])
		} else {
			out, err = n.engine.Query(ctx, query, req.Inputs["data"])
		}
		if err != nil {
			yield(Item{}, err)
			return
		}
		yield(ResultItem(out), nil)
	}
}

// --- Data.Batch ---

// batchNode splits items into fixed-size batches, reporting one progress
// item per batch. The checkpoint holds the index of the next batch so a
// resumed invocation continues where the last one stopped.
type batchNode struct {
	sleep func(ctx context.Context, d time.Duration) error
}

func (n *batchNode) Description() string {
	return "Split items into batches with per-batch progress and resumable checkpoints"
}

func (n *batchNode) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {"type": "array"},
    "size": {"type": "integer", "minimum": 1},
    "delay_ms": {"type": "integer", "minimum": 0}
  }
}`)
}

func (n *batchNode) OutputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "batches": {"type": "array"},
    "count": {"type": "integer"},
    "resumed_from": {"type": "integer"}
  }
}`)
}

func (n *batchNode) Execute(ctx context.Context, req *Request) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		items, ok := req.Inputs["items"].([]any)
		if !ok {
			yield(Item{}, schema.NewErrorf(schema.ErrCodeValidation,
				"items must be a list, got %T", req.Inputs["items"]))
			return
		}
		size, err := intInput(req.Inputs, "size", 10)
		if err == nil && size < 1 {
			err = fmt.Errorf("size must be at least 1")
		}
		if err != nil {
			yield(Item{}, schema.NewError(schema.ErrCodeValidation, err.Error()))
			return
		}
		delayMS, err := intInput(req.Inputs, "delay_ms", 0)
		if err != nil {
			yield(Item{}, schema.NewError(schema.ErrCodeValidation, err.Error()))
			return
		}

		var batches []any
		for i := 0; i < len(items); i += size {
			batches = append(batches, items[i:min(i+size, len(items))])
		}
		if batches == nil {
			batches = []any{}
		}

		start, _ := CheckpointInt(req.Checkpoint, "index")
		start = max(0, min(start, len(batches)))

		sleep := n.sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		for i := start; i < len(batches); i++ {
			if delayMS > 0 {
				if err := sleep(ctx, time.Duration(delayMS)*time.Millisecond); err != nil {
					yield(Item{}, err)
					return
				}
			} else if ctx.Err() != nil {
				yield(Item{}, schema.NewError(schema.ErrCodeCancelled, "batch interrupted").WithCause(ctx.Err()))
				return
			}
			percent := float64(i+1) / float64(len(batches)) * 100
			msg := fmt.Sprintf("batch %d/%d", i+1, len(batches))
			if !yield(ProgressItem(percent, msg, map[string]any{"index": i + 1}), nil) {
				return
			}
		}

		yield(ResultItem(map[string]any{
			"batches":      batches,
			"count":        len(batches),
			"resumed_from": start,
		}), nil)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "sleep interrupted").WithCause(ctx.Err())
	}
}
