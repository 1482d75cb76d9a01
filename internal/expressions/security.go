package expressions

import (
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/rendis/flowscript/pkg/schema"
)

// forbiddenKeywords are suspension and anonymous-function forms.
var forbiddenKeywords = map[string]struct{}{
	"lambda": {},
	"yield":  {},
	"await":  {},
	"async":  {},
}

// deniedNames are reflection or IO capable callables.
var deniedNames = map[string]struct{}{
	"import":     {},
	"__import__": {},
	"eval":       {},
	"exec":       {},
	"open":       {},
	"compile":    {},
	"globals":    {},
	"locals":     {},
	"vars":       {},
	"getattr":    {},
	"setattr":    {},
	"delattr":    {},
	"input":      {},
	"breakpoint": {},
	"exit":       {},
	"quit":       {},
	"help":       {},
	"memoryview": {},
	"object":     {},
	"type":       {},
	"$env":       {},
}

func securityError(expression, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeSecurity, format, args...).
		WithDetails(map[string]any{"expression": expression})
}

// scanSource rejects forbidden forms at the lexical level, before the
// expression is rewritten and handed to the parser. String literals and
// attribute names are skipped.
func scanSource(expression string) error {
	src := []rune(expression)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			i = skipString(src, i)
		case c == ':' && i+1 < len(src) && src[i+1] == '=':
			return securityError(expression, "inline assignment is not allowed")
		case c == '#':
			return securityError(expression, "anonymous functions are not allowed")
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := string(src[i:j])
			if _, ok := forbiddenKeywords[word]; ok {
				return securityError(expression, "%q is not allowed", word)
			}
			if strings.HasPrefix(word, "__") {
				return securityError(expression, "dunder name %q is not allowed", word)
			}
			if afterDot(src, i) {
				i = j - 1
				continue
			}
			if word == "let" {
				return securityError(expression, "inline assignment is not allowed")
			}
			if _, ok := deniedNames[word]; ok {
				return securityError(expression, "%q is not allowed", word)
			}
			i = j - 1
		}
	}
	return nil
}

// skipString returns the index of the closing quote of the string literal
// opened at i, or the last index when it is unterminated.
func skipString(src []rune, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			if quote != '`' {
				j++
			}
		case quote:
			return j
		}
	}
	return len(src) - 1
}

func isIdentStart(c rune) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// securityVisitor rejects forbidden constructs found in a parsed tree.
// Closures and let bindings pass: scanSource keeps # and let out of user
// source, so they only come from comprehension rewriting.
type securityVisitor struct {
	expression string
	err        error
}

func (v *securityVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if _, ok := deniedNames[n.Value]; ok {
			v.err = securityError(v.expression, "%q is not allowed", n.Value)
		} else if strings.HasPrefix(n.Value, "__") {
			v.err = securityError(v.expression, "dunder name %q is not allowed", n.Value)
		}
	case *ast.MemberNode:
		if prop, ok := n.Property.(*ast.StringNode); ok && !n.Method && strings.HasPrefix(prop.Value, "__") {
			v.err = securityError(v.expression, "dunder attribute %q is not allowed", prop.Value)
		}
		if n.Method {
			prop, _ := n.Property.(*ast.StringNode)
			if prop == nil {
				v.err = securityError(v.expression, "method calls are not allowed")
			} else if _, ok := methodAliases[prop.Value]; !ok {
				v.err = securityError(v.expression, "method %q is not allowed", prop.Value)
			}
		}
	}
}

// checkTree walks a parsed expression and returns the first violation.
func checkTree(expression string, node *ast.Node) error {
	v := &securityVisitor{expression: expression}
	ast.Walk(node, v)
	return v.err
}
