package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowscript/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurity_RejectedAtCompileTime(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name string
		expr string
	}{
		{"import dunder", `__import__('os')`},
		{"lambda", `lambda x: x + 1`},
		{"lambda in call", `sorted(items, lambda a: a)`},
		{"yield", `yield 1`},
		{"await", `await job`},
		{"walrus", `(n := 10) > 5`},
		{"let binding", `let y = 1; y`},
		{"predicate placeholder", `filter(items, # > 1)`},
		{"dunder attribute", `items.__class__`},
		{"dunder name", `__builtins__`},
		{"eval", `eval("1")`},
		{"exec", `exec("x")`},
		{"open", `open("/etc/passwd")`},
		{"compile", `compile("1", "f", "eval")`},
		{"globals", `globals()`},
		{"getattr", `getattr(items, "x")`},
		{"type", `type(items)`},
		{"env object", `$env`},
		{"unknown method", `items.pop()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), tt.expr, map[string]any{"items": []any{1, 2}})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeSecurity), "got %v", err)
		})
	}

	assert.Empty(t, e.cache, "rejected expressions must not be cached")
}

func TestSecurity_StringLiteralsAreData(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		expr string
		want any
	}{
		{`"lambda x: x"`, "lambda x: x"},
		{`'__import__'`, "__import__"},
		{`"a := b # c"`, "a := b # c"},
		{`upper("it's \"quoted\"")`, `IT'S "QUOTED"`},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSecurity_DenylistOnlyAppliesToNames(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"event": map[string]any{"type": "push", "input": 3}}

	out, err := e.Evaluate(context.Background(), `event.type + str(event.input)`, vars)
	require.NoError(t, err)
	assert.Equal(t, "push3", out)
}

func TestScanSource(t *testing.T) {
	assert.NoError(t, scanSource(`a + b`))
	assert.NoError(t, scanSource(`x["k"] > 1 ? "y" : "n"`))
	assert.Error(t, scanSource(`async`))
	assert.Error(t, scanSource(`x:=1`))
	assert.Error(t, scanSource(`a.__dict__`))
	assert.NoError(t, scanSource(`"unterminated`))
	assert.NoError(t, scanSource(`event.type`))

	for _, src := range []string{`type(x)`, `vars()`, `let y = 1; y`, `[getattr(r, "x") for r in rows]`} {
		err := scanSource(src)
		assert.True(t, schema.IsCode(err, schema.ErrCodeSecurity), "%s: got %v", src, err)
	}
}
