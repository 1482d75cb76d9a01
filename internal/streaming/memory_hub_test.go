package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowscript/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.ProgressEvent{
		RunID:    "run-1",
		Variable: "outline",
		Type:     schema.EventComplete,
		Result:   map[string]any{"result": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event.RunID, got.RunID)
		assert.Equal(t, event.Variable, got.Variable)
		assert.Equal(t, event.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "run-1", Type: schema.EventStart}))
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "run-2", Type: schema.EventStart}))

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []string{schema.EventComplete, schema.EventWorkflowComplete},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "r", Type: schema.EventComplete}))
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "r", Type: schema.EventStart}))
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "r", Type: schema.EventWorkflowComplete}))

	var received []string
	for range 2 {
		select {
		case got := <-ch:
			received = append(received, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{schema.EventComplete, schema.EventWorkflowComplete}, received)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "run-1", Type: schema.EventComplete}))

	for _, ch := range []<-chan schema.ProgressEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "run-1", got.RunID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "run-1", Type: schema.EventStart}))

	_, open := <-ch
	assert.False(t, open, "channel is closed on cancel")

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "run-1", Type: schema.EventProgress}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, schema.ProgressEvent{RunID: "run-concurrent", Type: schema.EventProgress})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, schema.ProgressEvent{RunID: "r"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
