package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/flowscript/pkg/schema"
)

// Comprehensions and conditional expressions have no direct form in the expr
// grammar. rewriteSyntax translates them before parsing:
//
//	a if c else b              ->  (bool(c) ? (a) : (b))
//	[e for x in xs if c]       ->  map(filter(list(xs), {let _x_ = #; bool(c)}), {let _x_ = #; e})
//	{k: v for k, v in pairs}   ->  dict(map(list(pairs), {let _k_ = #[0]; let _v_ = #[1]; [k, v]}))
//	{e for x in xs}            ->  set(map(...))
//	f(e for x in xs)           ->  f(map(...))
//
// Loop targets are renamed inside the element and conditions so they never
// collide with expr builtins. Iteration goes through the list builtin, so
// dicts yield their sorted keys and strings their characters. Source that
// is not well bracketed is returned unchanged for the parser to report.
func rewriteSyntax(expression string) (string, error) {
	r := &syntaxRewriter{src: []rune(expression), expression: expression}
	toks, ok := r.group(0)
	if r.err != nil {
		return "", r.err
	}
	if !ok || r.pos < len(r.src) {
		return expression, nil
	}
	out, err := r.items(toks)
	if err != nil {
		return "", err
	}
	return out, nil
}

var closers = map[rune]rune{'(': ')', '[': ']', '{': '}'}

type syntaxToken struct {
	text string
	word string // set for bare identifiers, empty after a dot
}

type syntaxRewriter struct {
	src        []rune
	pos        int
	expression string
	err        error
}

// group reads tokens up to (not including) close. Nested brackets are
// rewritten and collapsed into a single token.
func (r *syntaxRewriter) group(close rune) ([]syntaxToken, bool) {
	var toks []syntaxToken
	for r.pos < len(r.src) {
		c := r.src[r.pos]
		switch {
		case c == close:
			return toks, true
		case c == ')' || c == ']' || c == '}':
			return nil, false
		case c == '"' || c == '\'' || c == '`':
			end := skipString(r.src, r.pos)
			toks = append(toks, syntaxToken{text: string(r.src[r.pos : end+1])})
			r.pos = end + 1
		case c == '(' || c == '[' || c == '{':
			r.pos++
			inner, ok := r.group(closers[c])
			if !ok || r.pos >= len(r.src) {
				return nil, false
			}
			r.pos++
			text, err := r.bracket(c, inner)
			if err != nil {
				r.fail(err)
				return nil, false
			}
			toks = append(toks, syntaxToken{text: text})
		case isIdentStart(c):
			j := r.pos
			for j < len(r.src) && isIdentPart(r.src[j]) {
				j++
			}
			tok := syntaxToken{text: string(r.src[r.pos:j])}
			if !afterDot(r.src, r.pos) {
				tok.word = tok.text
			}
			toks = append(toks, tok)
			r.pos = j
		default:
			toks = append(toks, syntaxToken{text: string(c)})
			r.pos++
		}
	}
	return toks, close == 0
}

// fail records a rewrite error and stops the scan.
func (r *syntaxRewriter) fail(err error) {
	r.err = err
	r.pos = len(r.src)
}

func (r *syntaxRewriter) bracket(open rune, toks []syntaxToken) (string, error) {
	if indexWord(toks, "for", 0) >= 0 {
		return r.comprehension(open, toks)
	}
	inner, err := r.items(toks)
	if err != nil {
		return "", err
	}
	return string(open) + inner + string(closers[open]), nil
}

// items rewrites conditionals in every comma or colon separated part.
func (r *syntaxRewriter) items(toks []syntaxToken) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	var b strings.Builder
	start := 0
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) && toks[i].text != "," && toks[i].text != ":" {
			continue
		}
		part, err := r.conditional(toks[start:i])
		if err != nil {
			return "", err
		}
		b.WriteString(part)
		if i < len(toks) {
			b.WriteString(toks[i].text)
		}
		start = i + 1
	}
	return b.String(), nil
}

// conditional rewrites a if c else b into a ternary. The else branch may
// itself be conditional.
func (r *syntaxRewriter) conditional(toks []syntaxToken) (string, error) {
	i := indexWord(toks, "if", 0)
	if i < 0 || strings.TrimSpace(join(toks[:i])) == "" {
		return join(toks), nil
	}
	j := indexWord(toks, "else", i+1)
	if j < 0 {
		return "", r.syntaxError("conditional expression is missing else")
	}
	alt, err := r.conditional(toks[j+1:])
	if err != nil {
		return "", err
	}
	return "(bool(" + trim(toks[i+1:j]) + ") ? (" + trim(toks[:i]) + ") : (" + strings.TrimSpace(alt) + "))", nil
}

func (r *syntaxRewriter) comprehension(open rune, toks []syntaxToken) (string, error) {
	f := indexWord(toks, "for", 0)
	in := indexWord(toks, "in", f+1)
	if in < 0 {
		return "", r.syntaxError("comprehension is missing in")
	}

	var targets []string
	for _, t := range strings.Split(join(toks[f+1:in]), ",") {
		t = strings.TrimSpace(t)
		if !isName(t) {
			return "", r.syntaxError("invalid comprehension target %q", t)
		}
		targets = append(targets, t)
	}

	rest := toks[in+1:]
	if indexWord(rest, "for", 0) >= 0 {
		return "", r.syntaxError("nested comprehensions are not supported")
	}
	var conds []string
	end := indexWord(rest, "if", 0)
	iter := rest
	if end >= 0 {
		iter = rest[:end]
		for end >= 0 {
			next := indexWord(rest, "if", end+1)
			stop := len(rest)
			if next >= 0 {
				stop = next
			}
			c, err := r.conditional(rest[end+1 : stop])
			if err != nil {
				return "", err
			}
			conds = append(conds, "("+strings.TrimSpace(c)+")")
			end = next
		}
	}
	iterSrc, err := r.conditional(iter)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(iterSrc) == "" {
		return "", r.syntaxError("comprehension is missing an iterable")
	}

	bind := "let " + loopName(targets[0]) + " = #; "
	if len(targets) > 1 {
		bind = ""
		for i, t := range targets {
			bind += "let " + loopName(t) + " = #[" + strconv.Itoa(i) + "]; "
		}
	}
	scoped := func(src string) string {
		for _, t := range targets {
			src = renameIdent(src, t, loopName(t))
		}
		return src
	}
	for i := range conds {
		conds[i] = scoped(conds[i])
	}

	src := "list(" + strings.TrimSpace(iterSrc) + ")"
	if len(conds) > 0 {
		src = "filter(" + src + ", {" + bind + "bool(" + strings.Join(conds, " and ") + ")})"
	}

	elem := toks[:f]
	if open == '{' {
		if colon := indexText(elem, ":"); colon >= 0 {
			key, err := r.conditional(elem[:colon])
			if err != nil {
				return "", err
			}
			val, err := r.conditional(elem[colon+1:])
			if err != nil {
				return "", err
			}
			pair := "[" + strings.TrimSpace(key) + ", " + strings.TrimSpace(val) + "]"
			return "dict(map(" + src + ", {" + bind + scoped(pair) + "}))", nil
		}
	}
	e, err := r.conditional(elem)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(e) == "" {
		return "", r.syntaxError("comprehension is missing an element")
	}
	body := "map(" + src + ", {" + bind + scoped(strings.TrimSpace(e)) + "})"
	switch open {
	case '{':
		return "set(" + body + ")", nil
	case '(':
		return "(" + body + ")", nil
	}
	return body, nil
}

func (r *syntaxRewriter) syntaxError(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeEvaluation, "syntax error in %q: "+format, append([]any{r.expression}, args...)...).
		WithDetails(map[string]any{"expression": r.expression})
}

func indexWord(toks []syntaxToken, word string, from int) int {
	for i := from; i < len(toks); i++ {
		if toks[i].word == word {
			return i
		}
	}
	return -1
}

func indexText(toks []syntaxToken, text string) int {
	for i, t := range toks {
		if t.text == text {
			return i
		}
	}
	return -1
}

func join(toks []syntaxToken) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.text)
	}
	return b.String()
}

func trim(toks []syntaxToken) string {
	return strings.TrimSpace(join(toks))
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '$' || (i == 0 && !isIdentStart(c)) || !isIdentPart(c) {
			return false
		}
	}
	return true
}

func loopName(target string) string {
	return "_" + target + "_"
}

// renameIdent replaces the identifier from with to outside string literals
// and attribute access.
func renameIdent(expression, from, to string) string {
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
			if word == from && !afterDot(src, i) {
				word = to
			}
			b.WriteString(word)
			i = j - 1
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
