package dsl

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/pkg/schema"
)

const (
	openMarker  = "#@node"
	closeMarker = "#</node>"
)

// callPrefix matches the Category.Method( head of a node call.
var callPrefix = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// TypeChecker reports whether a node type is registered. *nodes.Registry
// satisfies it.
type TypeChecker interface {
	Has(nodeType string) bool
}

// Parser turns program text into an ExecutionPlan. A Parser holds no
// per-call state and is safe for concurrent use.
type Parser struct {
	evaluator *expressions.Evaluator
	registry  TypeChecker
}

// Option configures a Parser.
type Option func(*Parser)

// WithRegistry makes unknown node types a parse error.
func WithRegistry(r TypeChecker) Option {
	return func(p *Parser) { p.registry = r }
}

// WithEvaluator shares the evaluator whose grammar and globals are used for
// argument values and expression statements.
func WithEvaluator(ev *expressions.Evaluator) Option {
	return func(p *Parser) { p.evaluator = ev }
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, o := range opts {
		o(p)
	}
	if p.evaluator == nil {
		p.evaluator = expressions.NewEvaluator()
	}
	return p
}

// Parse parses code with a default Parser (no registry).
func Parse(code string) (*schema.ExecutionPlan, error) {
	return NewParser().Parse(code)
}

type metadata struct {
	async       bool
	disabled    bool
	description string
	name        string
}

type sourceLine struct {
	no   int
	text string
}

type block struct {
	header int
	meta   metadata
	body   []sourceLine
}

// Parse parses code into an ExecutionPlan. It never returns a partial plan:
// any malformed input yields a line-numbered *schema.FlowError.
func (p *Parser) Parse(code string) (*schema.ExecutionPlan, error) {
	blocks, err := p.splitBlocks(code)
	if err != nil {
		return nil, err
	}

	plan := &schema.ExecutionPlan{
		Statements:   make([]*schema.Statement, 0, len(blocks)),
		Dependencies: make(map[string][]string, len(blocks)),
		Source:       code,
	}
	for _, b := range blocks {
		stmt, err := p.parseBlock(b)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	}

	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// splitBlocks groups lines into #@node ... #</node> blocks.
func (p *Parser) splitBlocks(code string) ([]block, error) {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")

	var blocks []block
	var cur *block
	for i, raw := range lines {
		no := i + 1
		line := strings.TrimSpace(raw)

		if isLegacyTag(line) {
			return nil, schema.ParseErrorf(no,
				"legacy <node> tags are not supported, use %s(...) and %s", openMarker, closeMarker)
		}

		switch {
		case strings.HasPrefix(line, openMarker):
			if cur != nil {
				return nil, schema.ParseErrorf(no,
					"nested %s: block opened on line %d is not closed", openMarker, cur.header)
			}
			meta, err := p.parseHeader(strings.TrimSpace(line[len(openMarker):]), no)
			if err != nil {
				return nil, err
			}
			cur = &block{header: no, meta: meta}

		case line == closeMarker:
			if cur == nil {
				return nil, schema.ParseErrorf(no, "%s without a matching %s", closeMarker, openMarker)
			}
			blocks = append(blocks, *cur)
			cur = nil

		case line == "" || strings.HasPrefix(line, "#"):
			// blank or comment

		case cur == nil:
			return nil, schema.ParseErrorf(no, "statement outside a %s block", openMarker)

		default:
			if text := stripComment(line); text != "" {
				cur.body = append(cur.body, sourceLine{no: no, text: text})
			}
		}
	}

	if cur != nil {
		return nil, schema.ParseErrorf(cur.header, "block is missing its %s marker", closeMarker)
	}
	return blocks, nil
}

func isLegacyTag(line string) bool {
	return strings.HasPrefix(line, "</node") ||
		strings.HasPrefix(line, "<node>") ||
		strings.HasPrefix(line, "<node ")
}

// parseHeader parses the optional (key=value, ...) metadata of a block.
func (p *Parser) parseHeader(rest string, line int) (metadata, error) {
	var meta metadata
	if rest == "" {
		return meta, nil
	}
	if !strings.HasPrefix(rest, "(") {
		return meta, schema.ParseErrorf(line, "malformed block header %q", openMarker+rest)
	}
	inner, err := callArgs(rest)
	if err != nil {
		return meta, schema.ParseErrorf(line, "malformed block header: %s", err)
	}

	args, err := parseArgs(p.evaluator, inner, line)
	if err != nil {
		return meta, err
	}
	for _, a := range args {
		if a.Value.Kind != schema.ArgLiteral {
			return meta, schema.ParseErrorf(line, "metadata %q must be a constant", a.Key)
		}
		switch a.Key {
		case "async", "disabled":
			b, ok := a.Value.Value.(bool)
			if !ok {
				return meta, schema.ParseErrorf(line, "metadata %q must be a boolean", a.Key)
			}
			if a.Key == "async" {
				meta.async = b
			} else {
				meta.disabled = b
			}
		case "description", "name":
			s, ok := a.Value.Value.(string)
			if !ok {
				return meta, schema.ParseErrorf(line, "metadata %q must be a string", a.Key)
			}
			if a.Key == "name" {
				if !isIdentifier(s) {
					return meta, schema.ParseErrorf(line, "metadata name %q is not a valid identifier", s)
				}
				meta.name = s
			} else {
				meta.description = s
			}
		default:
			return meta, schema.ParseErrorf(line, "unknown metadata key %q", a.Key)
		}
	}
	return meta, nil
}

// statementText joins the body into a single statement. A statement may
// continue onto following lines only while brackets are open.
func statementText(b block) (string, int, error) {
	if len(b.body) == 0 {
		return "", 0, schema.ParseErrorf(b.header, "empty block")
	}

	first := b.body[0].no
	parts := []string{b.body[0].text}
	i := 1
	for ; i < len(b.body) && openDepth(strings.Join(parts, "\n")) > 0; i++ {
		parts = append(parts, b.body[i].text)
	}
	if i < len(b.body) {
		return "", 0, schema.ParseErrorf(b.body[i].no, "block must contain exactly one statement")
	}

	text := strings.Join(parts, "\n")
	semicolon := false
	if err := scanTopLevel(text, func(_ int, r rune) bool {
		semicolon = r == ';'
		return !semicolon
	}); err != nil {
		return "", 0, schema.ParseErrorf(first, "invalid statement: %s", err)
	}
	if semicolon {
		return "", 0, schema.ParseErrorf(first, "block must contain exactly one statement")
	}
	return text, first, nil
}

func (p *Parser) parseBlock(b block) (*schema.Statement, error) {
	text, line, err := statementText(b)
	if err != nil {
		return nil, err
	}

	stmt := &schema.Statement{
		LineNumber:  line,
		IsAsync:     b.meta.async,
		Disabled:    b.meta.disabled,
		Description: b.meta.description,
	}

	rhs := text
	eq, err := assignIndex(text)
	if err != nil {
		return nil, schema.ParseErrorf(line, "invalid statement: %s", err)
	}
	if eq >= 0 {
		lhs := strings.TrimSpace(text[:eq])
		rhs = strings.TrimSpace(text[eq+1:])
		if err := p.checkVariable(lhs, line); err != nil {
			return nil, err
		}
		if b.meta.name != "" && b.meta.name != lhs {
			return nil, schema.ParseErrorf(line,
				"metadata name %q conflicts with assigned variable %q", b.meta.name, lhs)
		}
		stmt.Variable = lhs
	}
	if rhs == "" {
		return nil, schema.ParseErrorf(line, "missing value for %q", stmt.Variable)
	}

	category, method, inner, isCall, err := p.nodeCall(rhs, line)
	if err != nil {
		return nil, err
	}

	if stmt.Variable == "" {
		if !isCall {
			return nil, schema.ParseErrorf(line, "expression %q must be assigned to a variable", rhs)
		}
		if b.meta.name == "" {
			return nil, schema.ParseErrorf(line,
				"unresolved bare-call name: add name=\"...\" to the %s header", openMarker)
		}
		if err := p.checkVariable(b.meta.name, line); err != nil {
			return nil, err
		}
		stmt.Variable = b.meta.name
	}

	if !isCall {
		tree, err := p.evaluator.Parse(rhs)
		if err != nil {
			return nil, wrapExprError(err, line)
		}
		stmt.Expression = rhs
		stmt.DependsOn = p.evaluator.FreeVariables(tree.Node)
		return stmt, nil
	}

	stmt.NodeType = category + "." + method
	if p.registry != nil && !p.registry.Has(stmt.NodeType) {
		return nil, schema.ParseErrorf(line, "unknown node type %q", stmt.NodeType).
			WithVariable(stmt.Variable)
	}
	if stmt.Config, err = parseArgs(p.evaluator, inner, line); err != nil {
		return nil, err
	}
	if stmt.NodeType == nodes.TypeWait {
		if _, err := WaitTasks(stmt); err != nil {
			return nil, schema.ParseErrorf(line, "%s", err.Error())
		}
	}
	stmt.DependsOn = p.dependsOn(stmt.Config, category, method)
	return stmt, nil
}

// checkVariable rejects binding names that could never be read back.
func (p *Parser) checkVariable(name string, line int) error {
	switch {
	case !isIdentifier(name):
		return schema.ParseErrorf(line, "invalid assignment target %q", name)
	case strings.HasPrefix(name, "__"):
		return schema.ParseErrorf(line, "variable %q uses a reserved dunder name", name)
	}
	return nil
}

// nodeCall recognises Category.Method(...) spanning the whole right-hand
// side. Categories start with an upper-case letter unless the registry
// knows the type, which keeps method calls like s.upper() as expressions.
func (p *Parser) nodeCall(rhs string, line int) (category, method, inner string, ok bool, err error) {
	m := callPrefix.FindStringSubmatchIndex(rhs)
	if m == nil {
		return "", "", "", false, nil
	}
	category, method = rhs[m[2]:m[3]], rhs[m[4]:m[5]]

	first, _ := utf8.DecodeRuneInString(category)
	known := p.registry != nil && p.registry.Has(category+"."+method)
	if !known && !unicode.IsUpper(first) {
		return "", "", "", false, nil
	}

	inner, cerr := callArgs(rhs[m[1]-1:])
	if cerr != nil {
		return "", "", "", false, schema.ParseErrorf(line, "invalid call to %s.%s: %s", category, method, cerr)
	}
	return category, method, inner, true, nil
}

// callArgs returns the text inside the parentheses of s, which must start
// with "(" and end with the matching ")".
func callArgs(s string) (string, error) {
	closing := -1
	trailing := ""
	err := scanTopLevel(s, func(i int, r rune) bool {
		if i == 0 {
			return true
		}
		if closing < 0 {
			closing = i
			return true
		}
		if !unicode.IsSpace(r) {
			trailing = s[i:]
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if trailing != "" {
		return "", &trailingError{text: trailing}
	}
	if closing < 0 {
		return "", &trailingError{}
	}
	return s[1:closing], nil
}

type trailingError struct {
	text string
}

func (e *trailingError) Error() string {
	if e.text == "" {
		return "missing closing parenthesis"
	}
	return "unexpected text after call: " + strings.TrimSpace(e.text)
}

// dependsOn collects the root identifiers referenced by config in
// first-seen order, minus the node type's own tokens. Inline expressions
// already leave globals out; a bare reference keeps its root even when it
// names a builtin, so title = ... followed by v=title stays an edge.
func (p *Parser) dependsOn(config schema.Args, category, method string) []string {
	var out []string
	seen := map[string]struct{}{category: {}, method: {}}
	for _, e := range config {
		for _, root := range e.Value.Roots() {
			if _, ok := seen[root]; ok {
				continue
			}
			seen[root] = struct{}{}
			out = append(out, root)
		}
	}
	return out
}
