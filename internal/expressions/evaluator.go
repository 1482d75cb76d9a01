package expressions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/conf"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowscript/pkg/schema"
)

// constants are identifiers rewritten to literals before type checking.
var constants = map[string]any{
	"None":  nil,
	"null":  nil,
	"True":  true,
	"False": false,
}

// Evaluator is the sandboxed expression evaluator used for expression
// statements and inline arguments. It is built on expr-lang/expr with all
// expr builtins disabled and replaced by a fixed builtin set and a helper
// library. Builtins and helpers always win over same-named context variables.
//
// Thread-safe: compiled programs and their free-variable sets are cached by
// source text and reused across goroutines.
type Evaluator struct {
	options []expr.Option
	config  *conf.Config
	globals map[string]struct{}

	mu    sync.RWMutex
	cache map[string]*compiled
}

type compiled struct {
	program *vm.Program
	free    []string
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*evaluatorConfig)

type evaluatorConfig struct {
	clock func() time.Time
	jq    *GoJQEngine
}

// WithClock pins the clock used by now() and today().
func WithClock(clock func() time.Time) EvaluatorOption {
	return func(c *evaluatorConfig) { c.clock = clock }
}

// WithJQ shares a jq engine (and its compile cache) with the jq() helper.
func WithJQ(jq *GoJQEngine) EvaluatorOption {
	return func(c *evaluatorConfig) { c.jq = jq }
}

// NewEvaluator creates a new sandboxed evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	cfg := &evaluatorConfig{clock: time.Now}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.jq == nil {
		cfg.jq = NewGoJQEngine()
	}

	funcs := helperFuncs(cfg.jq, cfg.clock)
	for name, fn := range safeBuiltins {
		funcs[name] = fn
	}
	for name, alias := range keywordHelpers {
		funcs[alias] = funcs[name]
		delete(funcs, name)
	}

	options := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.EnableBuiltin("map"),
		expr.EnableBuiltin("filter"),
		expr.Patch(constantPatcher{}),
		expr.Patch(methodPatcher{}),
	}
	globals := make(map[string]struct{}, len(funcs)+len(constants))
	for name, fn := range funcs {
		options = append(options, expr.Function(name, fn))
		globals[name] = struct{}{}
	}
	for name := range constants {
		globals[name] = struct{}{}
	}
	for name := range keywordHelpers {
		globals[name] = struct{}{}
	}

	config := conf.CreateNew()
	for _, o := range options {
		o(config)
	}
	for name := range config.Disabled {
		delete(config.Builtins, name)
	}

	return &Evaluator{
		options: options,
		config:  config,
		globals: globals,
		cache:   make(map[string]*compiled),
	}
}

// Name returns the engine identifier.
func (e *Evaluator) Name() string {
	return "script"
}

// IsGlobal reports whether name is a builtin, helper or constant.
func (e *Evaluator) IsGlobal(name string) bool {
	_, ok := e.globals[name]
	return ok
}

// Globals returns the sorted names of every builtin, helper and constant.
func (e *Evaluator) Globals() []string {
	out := make([]string, 0, len(e.globals))
	for name := range e.globals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse runs the security checks and returns the syntax tree of expression.
// The tree is parsed with the evaluator's function table so builtin names
// are ordinary calls.
func (e *Evaluator) Parse(expression string) (*parser.Tree, error) {
	src, err := translate(expression)
	if err != nil {
		return nil, err
	}
	tree, err := parser.ParseWithConfig(src, e.config)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"syntax error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if err := checkTree(expression, &tree.Node); err != nil {
		return nil, err
	}
	return tree, nil
}

// FreeVariables returns the root identifiers node reads from the context,
// in first-seen order, excluding globals and comprehension targets.
func (e *Evaluator) FreeVariables(node ast.Node) []string {
	local := &letVisitor{names: map[string]struct{}{}}
	ast.Walk(&node, local)
	v := &freeVarVisitor{globals: e.globals, seen: local.names}
	ast.Walk(&node, v)
	return v.names
}

type letVisitor struct {
	names map[string]struct{}
}

func (v *letVisitor) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.VariableDeclaratorNode); ok {
		v.names[n.Name] = struct{}{}
	}
}

type freeVarVisitor struct {
	globals map[string]struct{}
	seen    map[string]struct{}
	names   []string
}

func (v *freeVarVisitor) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, ok := v.globals[id.Value]; ok {
		return
	}
	if _, ok := v.seen[id.Value]; ok {
		return
	}
	v.seen[id.Value] = struct{}{}
	v.names = append(v.names, id.Value)
}

// Evaluate compiles (or retrieves from cache) expression and runs it against
// vars. Every free variable must be present in vars.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "evaluation cancelled").WithCause(err)
	}

	c, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	for _, name := range c.free {
		if _, ok := vars[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"name %q is not defined", name).
				WithDetails(map[string]any{"expression": expression, "name": name})
		}
	}

	env := vars
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(c.program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *Evaluator) getOrCompile(expression string) (*compiled, error) {
	e.mu.RLock()
	if c, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, ok := e.cache[expression]; ok {
		return c, nil
	}

	tree, err := e.Parse(expression)
	if err != nil {
		return nil, err
	}

	src, err := translate(expression)
	if err != nil {
		return nil, err
	}
	prg, err := expr.Compile(src, e.options...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	c := &compiled{program: prg, free: e.FreeVariables(tree.Node)}
	e.cache[expression] = c
	return c, nil
}

// translate screens expression and rewrites it into expr source.
func translate(expression string) (string, error) {
	if err := scanSource(expression); err != nil {
		return "", err
	}
	src, err := rewriteSyntax(expression)
	if err != nil {
		return "", err
	}
	return renameKeywordCalls(src), nil
}

// keywordHelpers are helpers whose names are operators in the expr grammar.
// Calls to them are renamed before parsing.
var keywordHelpers = map[string]string{
	"contains": "_contains",
}

// renameKeywordCalls rewrites name( into alias( for every keyword helper
// outside string literals and attribute access.
func renameKeywordCalls(expression string) string {
	src := []rune(expression)
	var b strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			end := skipString(src, i)
			b.WriteString(string(src[i : end+1]))
			i = end
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := string(src[i:j])
			if alias, ok := keywordHelpers[word]; ok && !afterDot(src, i) && beforeParen(src, j) {
				word = alias
			}
			b.WriteString(word)
			i = j - 1
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func afterDot(src []rune, i int) bool {
	for i--; i >= 0 && unicode.IsSpace(src[i]); i-- {
	}
	return i >= 0 && src[i] == '.'
}

func beforeParen(src []rune, j int) bool {
	for ; j < len(src) && unicode.IsSpace(src[j]); j++ {
	}
	return j < len(src) && src[j] == '('
}

// constantPatcher rewrites None, null, True and False into literal nodes.
type constantPatcher struct{}

func (constantPatcher) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	switch id.Value {
	case "None", "null":
		ast.Patch(node, &ast.NilNode{})
	case "True":
		ast.Patch(node, &ast.BoolNode{Value: true})
	case "False":
		ast.Patch(node, &ast.BoolNode{Value: false})
	}
}

// methodAliases maps str/dict methods onto helpers taking the receiver as
// their first argument.
var methodAliases = map[string]string{
	"upper":      "upper",
	"lower":      "lower",
	"strip":      "strip",
	"title":      "title",
	"split":      "split",
	"replace":    "replace",
	"startswith": "startswith",
	"endswith":   "endswith",
	"format":     "format",
	"join":       "join",
	"get":        "get",
	"keys":       "keys",
	"values":     "values",
}

// methodPatcher rewrites receiver.method(args) into helper(receiver, args).
// sep.join(items) becomes join(items, sep).
type methodPatcher struct{}

func (methodPatcher) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}
	member, ok := call.Callee.(*ast.MemberNode)
	if !ok || !member.Method {
		return
	}
	prop, ok := member.Property.(*ast.StringNode)
	if !ok {
		return
	}
	helper, ok := methodAliases[prop.Value]
	if !ok {
		return
	}

	args := append([]ast.Node{member.Node}, call.Arguments...)
	if helper == "join" && len(call.Arguments) == 1 {
		args = []ast.Node{call.Arguments[0], member.Node}
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: helper},
		Arguments: args,
	})
}

var _ Engine = (*Evaluator)(nil)
