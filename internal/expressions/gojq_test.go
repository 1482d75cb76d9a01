package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/flowscript/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"name": "flowscript", "version": "1.0"}

	out, err := e.Evaluate(context.Background(), ".name", data)
	require.NoError(t, err)
	assert.Equal(t, "flowscript", out)
}

func TestGoJQ_NullResult(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".missing", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_QueryNonObjectInput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Query(context.Background(), "map(. * 2)", []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, out)
}

func TestGoJQ_ArraySelect(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "active": true},
			map[string]any{"name": "b", "active": false},
			map[string]any{"name": "c", "active": true},
		},
	}

	out, err := e.Evaluate(context.Background(), `[.items[] | select(.active) | .name]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "c"}, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Query(context.Background(), ".[]", []any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	all, err := e.QueryAll(context.Background(), ".[0]", []any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, all)
}

func TestGoJQ_NormalizesGoTypes(t *testing.T) {
	e := NewGoJQEngine()
	type row struct {
		Name string `json:"name"`
	}
	data := map[string]any{
		"count": int64(4),
		"ratio": float32(0.5),
		"rows":  []row{{Name: "a"}, {Name: "b"}},
	}

	out, err := e.Evaluate(context.Background(), `[.count, .ratio, (.rows | map(.name))]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{4, 0.5, []any{"a", "b"}}, out)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	t.Setenv("FLOWSCRIPT_SECRET", "hunter2")

	out, err := e.Evaluate(context.Background(), `$ENV.FLOWSCRIPT_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeEvaluation))

	_, err = e.Query(context.Background(), `error("boom")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeEvaluation))
	assert.Contains(t, err.Error(), "boom")
}

func TestGoJQ_Caching(t *testing.T) {
	e := NewGoJQEngine()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), ".a", map[string]any{"a": i})
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n+1, out)
		}(i)
	}
	wg.Wait()
}
