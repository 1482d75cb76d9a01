package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowscript/pkg/schema"
)

// TaskMetrics tracks background task counters.
type TaskMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrTasksClosed is returned when a task is started after CancelAll.
var ErrTasksClosed = errors.New("task table is closed")

// task is one async statement running in the background.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// TaskTable tracks the async statements of one run.
type TaskTable struct {
	mu       sync.Mutex
	tasks    map[string]*task
	wg       sync.WaitGroup
	closed   bool
	firstErr error
	metrics  TaskMetrics

	onStart  func()
	onFinish func()
}

// NewTaskTable creates an empty TaskTable.
func NewTaskTable() *TaskTable {
	return &TaskTable{tasks: make(map[string]*task)}
}

// Start runs fn in a new goroutine under a child of ctx. A panic inside fn
// is recovered and reported as the task's error.
func (t *TaskTable) Start(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTasksClosed
	}
	if _, exists := t.tasks[name]; exists {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already started", name)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	tk := &task{cancel: cancel, done: make(chan struct{})}
	t.tasks[name] = tk
	t.wg.Add(1)
	atomic.AddInt64(&t.metrics.Active, 1)
	t.mu.Unlock()

	if t.onStart != nil {
		t.onStart()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&t.metrics.Panics, 1)
				tk.err = schema.NewErrorf(schema.ErrCodeNodeExecution, "panic: %v", r).WithVariable(name)
			}
			if tk.err != nil {
				atomic.AddInt64(&t.metrics.Failed, 1)
				t.recordErr(tk.err)
			} else {
				atomic.AddInt64(&t.metrics.Completed, 1)
			}
			atomic.AddInt64(&t.metrics.Active, -1)
			cancel()
			close(tk.done)
			if t.onFinish != nil {
				t.onFinish()
			}
			t.wg.Done()
		}()
		tk.err = fn(taskCtx)
	}()
	return nil
}

func (t *TaskTable) recordErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstErr == nil {
		t.firstErr = err
	}
}

// Has reports whether a task was started under name.
func (t *TaskTable) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[name]
	return ok
}

// Pending reports whether the task named name is still running.
func (t *TaskTable) Pending(name string) bool {
	t.mu.Lock()
	tk, ok := t.tasks[name]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-tk.done:
		return false
	default:
		return true
	}
}

// Await blocks until the named task finishes and returns its error.
func (t *TaskTable) Await(ctx context.Context, name string) error {
	t.mu.Lock()
	tk, ok := t.tasks[name]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no task %q", name)
	}
	select {
	case <-tk.done:
		return tk.err
	case <-ctx.Done():
		return schema.NewErrorf(schema.ErrCodeCancelled, "wait for %q interrupted", name).WithCause(ctx.Err())
	}
}

// Err returns the error of the first task that failed, or nil.
func (t *TaskTable) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstErr
}

// Running returns the names of tasks that have not finished, sorted.
func (t *TaskTable) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name, tk := range t.tasks {
		select {
		case <-tk.done:
		default:
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CancelAll cancels every task and refuses new ones. It does not wait.
func (t *TaskTable) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, tk := range t.tasks {
		tk.cancel()
	}
}

// Wait blocks until every started task has finished.
func (t *TaskTable) Wait() {
	t.wg.Wait()
}

// Metrics returns a snapshot of the task counters.
func (t *TaskTable) Metrics() TaskMetrics {
	return TaskMetrics{
		Active:    atomic.LoadInt64(&t.metrics.Active),
		Completed: atomic.LoadInt64(&t.metrics.Completed),
		Failed:    atomic.LoadInt64(&t.metrics.Failed),
		Panics:    atomic.LoadInt64(&t.metrics.Panics),
	}
}
