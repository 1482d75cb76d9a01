package dsl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/pkg/schema"
)

// literalIdents are identifiers that parse to constants in argument position.
var literalIdents = map[string]any{
	"None":  nil,
	"null":  nil,
	"True":  true,
	"False": false,
}

// parseArgs turns the text between the parentheses of a node call into an
// ordered argument map. Only keyword arguments are accepted.
func parseArgs(ev *expressions.Evaluator, inner string, line int) (schema.Args, error) {
	parts, err := splitTopLevel(inner, ',')
	if err != nil {
		return nil, schema.ParseErrorf(line, "invalid arguments: %s", err)
	}

	var args schema.Args
	seen := make(map[string]struct{})
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			// trailing comma
			if i == len(parts)-1 && i > 0 {
				continue
			}
			if len(parts) == 1 {
				return nil, nil
			}
			return nil, schema.ParseErrorf(line, "empty argument at position %d", i+1)
		}

		eq, err := assignIndex(part)
		if err != nil {
			return nil, schema.ParseErrorf(line, "invalid argument %q: %s", part, err)
		}
		if eq < 0 {
			return nil, schema.ParseErrorf(line,
				"positional argument %q is not supported, use key=value", part)
		}
		key := strings.TrimSpace(part[:eq])
		if !isIdentifier(key) {
			return nil, schema.ParseErrorf(line, "invalid argument name %q", key)
		}
		if _, dup := seen[key]; dup {
			return nil, schema.ParseErrorf(line, "duplicate argument %q", key)
		}
		seen[key] = struct{}{}

		val, err := parseValue(ev, strings.TrimSpace(part[eq+1:]), line)
		if err != nil {
			return nil, err
		}
		args = append(args, schema.ArgEntry{Key: key, Value: val})
	}
	return args, nil
}

// parseValue parses one argument value with the evaluator's grammar.
func parseValue(ev *expressions.Evaluator, src string, line int) (schema.ArgValue, error) {
	if src == "" {
		return schema.ArgValue{}, schema.ParseErrorf(line, "missing argument value")
	}
	tree, err := ev.Parse(src)
	if err != nil {
		return schema.ArgValue{}, wrapExprError(err, line)
	}
	if v, ok := convert(tree.Node); ok {
		return v, nil
	}
	return schema.ArgValue{
		Kind: schema.ArgInline,
		Expr: src,
		Refs: ev.FreeVariables(tree.Node),
	}, nil
}

// convert maps a syntax tree onto the structured ArgValue kinds. It reports
// false when the tree (or any nested element) needs run-time evaluation.
func convert(node ast.Node) (schema.ArgValue, bool) {
	switch n := node.(type) {
	case *ast.NilNode:
		return schema.ArgValue{Kind: schema.ArgLiteral}, true
	case *ast.BoolNode:
		return literal(n.Value), true
	case *ast.IntegerNode:
		return literal(n.Value), true
	case *ast.FloatNode:
		return literal(n.Value), true
	case *ast.StringNode:
		return literal(n.Value), true
	case *ast.UnaryNode:
		if n.Operator != "-" {
			return schema.ArgValue{}, false
		}
		switch num := n.Node.(type) {
		case *ast.IntegerNode:
			return literal(-num.Value), true
		case *ast.FloatNode:
			return literal(-num.Value), true
		}
		return schema.ArgValue{}, false
	case *ast.IdentifierNode:
		if v, ok := literalIdents[n.Value]; ok {
			return literal(v), true
		}
		return schema.ArgValue{Kind: schema.ArgRef, Root: n.Value}, true
	case *ast.MemberNode:
		root, path, ok := memberPath(n)
		if !ok {
			return schema.ArgValue{}, false
		}
		return schema.ArgValue{Kind: schema.ArgRef, Root: root, Path: path}, true
	case *ast.ArrayNode:
		items := make([]schema.ArgValue, 0, len(n.Nodes))
		for _, child := range n.Nodes {
			v, ok := convert(child)
			if !ok {
				return schema.ArgValue{}, false
			}
			items = append(items, v)
		}
		return schema.ArgValue{Kind: schema.ArgList, Items: items}, true
	case *ast.MapNode:
		entries := make(schema.Args, 0, len(n.Pairs))
		for _, p := range n.Pairs {
			pair, ok := p.(*ast.PairNode)
			if !ok {
				return schema.ArgValue{}, false
			}
			key, ok := mapKey(pair.Key)
			if !ok {
				return schema.ArgValue{}, false
			}
			v, ok := convert(pair.Value)
			if !ok {
				return schema.ArgValue{}, false
			}
			entries = append(entries, schema.ArgEntry{Key: key, Value: v})
		}
		return schema.ArgValue{Kind: schema.ArgMap, Entries: entries}, true
	}
	return schema.ArgValue{}, false
}

func literal(v any) schema.ArgValue {
	return schema.ArgValue{Kind: schema.ArgLiteral, Value: v}
}

// memberPath flattens a.b["c"][0] into ("a", ["b", "c", "0"]).
func memberPath(n *ast.MemberNode) (string, []string, bool) {
	if n.Optional || n.Method {
		return "", nil, false
	}
	var seg string
	switch p := n.Property.(type) {
	case *ast.StringNode:
		seg = p.Value
	case *ast.IntegerNode:
		seg = strconv.Itoa(p.Value)
	default:
		return "", nil, false
	}

	switch base := n.Node.(type) {
	case *ast.IdentifierNode:
		if _, ok := literalIdents[base.Value]; ok {
			return "", nil, false
		}
		return base.Value, []string{seg}, true
	case *ast.MemberNode:
		root, path, ok := memberPath(base)
		if !ok {
			return "", nil, false
		}
		return root, append(path, seg), true
	}
	return "", nil, false
}

func mapKey(node ast.Node) (string, bool) {
	switch k := node.(type) {
	case *ast.StringNode:
		return k.Value, true
	case *ast.IntegerNode:
		return strconv.Itoa(k.Value), true
	}
	return "", false
}

// wrapExprError re-codes an evaluator parse failure as a line-numbered
// parse error. Security rejections keep their code.
func wrapExprError(err error, line int) error {
	code := schema.ErrCodeParse
	if schema.IsCode(err, schema.ErrCodeSecurity) {
		code = schema.ErrCodeSecurity
	}
	msg := err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	return schema.NewError(code, msg).WithLine(line).WithCause(err)
}
