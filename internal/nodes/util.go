package nodes

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowscript/pkg/schema"
)

// --- Util.Delay ---

// delayNode sleeps for ms milliseconds and then returns value (or a summary
// when value is absent). Release stops a pending sleep.
type delayNode struct {
	stop     chan struct{}
	once     sync.Once
	released atomic.Bool
}

func newDelayNode() *delayNode {
	return &delayNode{stop: make(chan struct{})}
}

func (n *delayNode) Description() string {
	return "Sleep for a number of milliseconds, then pass a value through"
}

func (n *delayNode) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "required": ["ms"],
  "properties": {"ms": {"type": "integer", "minimum": 0}, "value": {}}
}`)
}

func (n *delayNode) OutputSchema() json.RawMessage {
	return nil
}

func (n *delayNode) Execute(ctx context.Context, req *Request) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		ms, err := intInput(req.Inputs, "ms", 0)
		if err != nil {
			yield(Item{}, schema.NewError(schema.ErrCodeValidation, err.Error()))
			return
		}

		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			yield(Item{}, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err()))
			return
		case <-n.stop:
			yield(Item{}, schema.NewError(schema.ErrCodeCancelled, "delay released"))
			return
		}

		if v, ok := req.Inputs["value"]; ok {
			yield(ResultItem(v), nil)
			return
		}
		yield(ResultItem(map[string]any{"slept_ms": ms}), nil)
	}
}

// Release stops a pending sleep. Safe to call more than once.
func (n *delayNode) Release(_ context.Context) error {
	n.once.Do(func() {
		n.released.Store(true)
		close(n.stop)
	})
	return nil
}

var _ Releaser = (*delayNode)(nil)
