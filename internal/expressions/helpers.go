package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const dateOnly = "2006-01-02"

// SkippedMarker is the placeholder written to the context for a disabled
// statement.
func SkippedMarker(variable string) map[string]any {
	return map[string]any{"skipped": true, "variable": variable}
}

// IsSkipped reports whether v is a disabled-statement placeholder.
func IsSkipped(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	skipped, _ := m["skipped"].(bool)
	_, hasVar := m["variable"]
	return skipped && hasVar && len(m) == 2
}

// helperFuncs builds the helper library. The clock and jq engine are
// injected so tests can pin them.
func helperFuncs(jq *GoJQEngine, clock func() time.Time) map[string]builtinFunc {
	return map[string]builtinFunc{
		// strings
		"upper":      stringFunc("upper", strings.ToUpper),
		"lower":      stringFunc("lower", strings.ToLower),
		"title":      stringFunc("title", titleCase),
		"strip":      helperStrip,
		"split":      helperSplit,
		"join":       helperJoin,
		"replace":    helperReplace,
		"startswith": func(p ...any) (any, error) { return affix("startswith", strings.HasPrefix, p) },
		"endswith":   func(p ...any) (any, error) { return affix("endswith", strings.HasSuffix, p) },
		"contains":   helperContains,
		"truncate":   helperTruncate,
		"format":     helperFormat,

		// lists and maps
		"first":   func(p ...any) (any, error) { return edge("first", p, true) },
		"last":    func(p ...any) (any, error) { return edge("last", p, false) },
		"flatten": helperFlatten,
		"unique":  helperUnique,
		"chunk":   helperChunk,
		"pluck":   helperPluck,
		"where":   helperWhere,
		"keys":    helperKeys,
		"values":  helperValues,
		"get":     helperGet,

		// dates
		"now":           func(p ...any) (any, error) { return clock().UTC().Format(time.RFC3339), arity("now", p, 0, 0) },
		"today":         func(p ...any) (any, error) { return clock().UTC().Format(dateOnly), arity("today", p, 0, 0) },
		"date_format":   helperDateFormat,
		"date_add_days": helperDateAddDays,

		// encoding and misc
		"json_encode": helperJSONEncode,
		"json_decode": helperJSONDecode,
		"uuid":        func(p ...any) (any, error) { return uuid.NewString(), arity("uuid", p, 0, 0) },
		"coalesce":    helperCoalesce,
		"default":     helperDefault,
		"is_skipped":  func(p ...any) (any, error) { return IsSkipped(first(p)), arity("is_skipped", p, 1, 1) },
		"jq":          jqHelper(jq),
	}
}

func first(p []any) any {
	if len(p) == 0 {
		return nil
	}
	return p[0]
}

func stringArg(name string, p []any, i int) (string, error) {
	s, ok := p[i].(string)
	if !ok {
		return "", fmt.Errorf("%s() argument %d must be str, not %s", name, i+1, typeName(p[i]))
	}
	return s, nil
}

func stringFunc(name string, fn func(string) string) builtinFunc {
	return func(p ...any) (any, error) {
		if err := arity(name, p, 1, 1); err != nil {
			return nil, err
		}
		s, err := stringArg(name, p, 0)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if prevLetter {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(unicode.ToUpper(r))
		}
		prevLetter = unicode.IsLetter(r)
	}
	return b.String()
}

func helperStrip(p ...any) (any, error) {
	if err := arity("strip", p, 1, 2); err != nil {
		return nil, err
	}
	s, err := stringArg("strip", p, 0)
	if err != nil {
		return nil, err
	}
	if len(p) == 2 && p[1] != nil {
		chars, err := stringArg("strip", p, 1)
		if err != nil {
			return nil, err
		}
		return strings.Trim(s, chars), nil
	}
	return strings.TrimSpace(s), nil
}

// helperSplit splits on whitespace runs when sep is omitted.
func helperSplit(p ...any) (any, error) {
	if err := arity("split", p, 1, 3); err != nil {
		return nil, err
	}
	s, err := stringArg("split", p, 0)
	if err != nil {
		return nil, err
	}
	var parts []string
	switch {
	case len(p) == 1 || p[1] == nil:
		parts = strings.Fields(s)
	case len(p) == 3:
		sep, err := stringArg("split", p, 1)
		if err != nil {
			return nil, err
		}
		n, ok := toInt(p[2])
		if !ok {
			return nil, errors.New("split() maxsplit must be an integer")
		}
		if n < 0 {
			parts = strings.Split(s, sep)
		} else {
			parts = strings.SplitN(s, sep, n+1)
		}
	default:
		sep, err := stringArg("split", p, 1)
		if err != nil {
			return nil, err
		}
		if sep == "" {
			return nil, errors.New("split() empty separator")
		}
		parts = strings.Split(s, sep)
	}
	out := make([]any, len(parts))
	for i, part := range parts {
		out[i] = part
	}
	return out, nil
}

func helperJoin(p ...any) (any, error) {
	if err := arity("join", p, 1, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("join() argument must be a list, not %s", typeName(p[0]))
	}
	sep := ""
	if len(p) == 2 {
		s, err := stringArg("join", p, 1)
		if err != nil {
			return nil, err
		}
		sep = s
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = pyStr(item)
	}
	return strings.Join(parts, sep), nil
}

func helperReplace(p ...any) (any, error) {
	if err := arity("replace", p, 3, 4); err != nil {
		return nil, err
	}
	var strs [3]string
	for i := range strs {
		s, err := stringArg("replace", p, i)
		if err != nil {
			return nil, err
		}
		strs[i] = s
	}
	n := -1
	if len(p) == 4 {
		count, ok := toInt(p[3])
		if !ok {
			return nil, errors.New("replace() count must be an integer")
		}
		n = count
	}
	return strings.Replace(strs[0], strs[1], strs[2], n), nil
}

func affix(name string, fn func(string, string) bool, p []any) (any, error) {
	if err := arity(name, p, 2, 2); err != nil {
		return nil, err
	}
	s, err := stringArg(name, p, 0)
	if err != nil {
		return nil, err
	}
	x, err := stringArg(name, p, 1)
	if err != nil {
		return nil, err
	}
	return fn(s, x), nil
}

// helperContains tests substring, list membership or map key presence.
func helperContains(p ...any) (any, error) {
	if err := arity("contains", p, 2, 2); err != nil {
		return nil, err
	}
	switch h := p[0].(type) {
	case string:
		needle, ok := p[1].(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(h, needle), nil
	case map[string]any:
		key, ok := p[1].(string)
		if !ok {
			return false, nil
		}
		_, found := h[key]
		return found, nil
	case nil:
		return false, nil
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("contains() argument is not a container: %s", typeName(p[0]))
	}
	for _, item := range items {
		if looseEqual(item, p[1]) {
			return true, nil
		}
	}
	return false, nil
}

func helperTruncate(p ...any) (any, error) {
	if err := arity("truncate", p, 2, 3); err != nil {
		return nil, err
	}
	s, err := stringArg("truncate", p, 0)
	if err != nil {
		return nil, err
	}
	n, ok := toInt(p[1])
	if !ok || n < 0 {
		return nil, errors.New("truncate() length must be a non-negative integer")
	}
	suffix := "..."
	if len(p) == 3 {
		if suffix, err = stringArg("truncate", p, 2); err != nil {
			return nil, err
		}
	}
	if utf8.RuneCountInString(s) <= n {
		return s, nil
	}
	runes := []rune(s)
	keep := n - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix, nil
}

// helperFormat fills {} (sequential), {0} (positional) and {name} (looked up
// in the first map argument) placeholders. {{ and }} are literal braces.
func helperFormat(p ...any) (any, error) {
	if err := arity("format", p, 1, -1); err != nil {
		return nil, err
	}
	tmpl, err := stringArg("format", p, 0)
	if err != nil {
		return nil, err
	}
	args := p[1:]
	var named map[string]any
	for _, a := range args {
		if m, ok := a.(map[string]any); ok {
			named = m
			break
		}
	}

	var b strings.Builder
	next := 0
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c == '}' {
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				i++
			}
			b.WriteByte('}')
			continue
		}
		if c != '{' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			b.WriteByte('{')
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return nil, errors.New("format() single '{' encountered in format string")
		}
		field := tmpl[i+1 : i+end]
		i += end

		var val any
		switch {
		case field == "":
			if next >= len(args) {
				return nil, fmt.Errorf("format() replacement index %d out of range", next)
			}
			val = args[next]
			next++
		case isDigits(field):
			idx, _ := strconv.Atoi(field)
			if idx >= len(args) {
				return nil, fmt.Errorf("format() replacement index %d out of range", idx)
			}
			val = args[idx]
		default:
			v, ok := named[field]
			if !ok {
				return nil, fmt.Errorf("format() missing key %q", field)
			}
			val = v
		}
		b.WriteString(pyStr(val))
	}
	return b.String(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func edge(name string, p []any, front bool) (any, error) {
	if err := arity(name, p, 1, 2); err != nil {
		return nil, err
	}
	var fallback any
	if len(p) == 2 {
		fallback = p[1]
	}
	items, ok := asList(p[0])
	if !ok {
		if p[0] == nil {
			return fallback, nil
		}
		return nil, fmt.Errorf("%s() argument must be a list, not %s", name, typeName(p[0]))
	}
	if len(items) == 0 {
		return fallback, nil
	}
	if front {
		return items[0], nil
	}
	return items[len(items)-1], nil
}

func helperFlatten(p ...any) (any, error) {
	if err := arity("flatten", p, 1, 1); err != nil {
		return nil, err
	}
	items, ok := p[0].([]any)
	if !ok {
		return nil, fmt.Errorf("flatten() argument must be a list, not %s", typeName(p[0]))
	}
	out := []any{}
	var walk func([]any)
	walk = func(list []any) {
		for _, item := range list {
			if nested, ok := item.([]any); ok {
				walk(nested)
				continue
			}
			out = append(out, item)
		}
	}
	walk(items)
	return out, nil
}

func helperUnique(p ...any) (any, error) {
	if err := arity("unique", p, 1, 1); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("unique() argument must be a list, not %s", typeName(p[0]))
	}
	return distinct(items), nil
}

func helperChunk(p ...any) (any, error) {
	if err := arity("chunk", p, 2, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("chunk() argument must be a list, not %s", typeName(p[0]))
	}
	size, ok := toInt(p[1])
	if !ok || size <= 0 {
		return nil, errors.New("chunk() size must be a positive integer")
	}
	out := []any{}
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		part := make([]any, end-i)
		copy(part, items[i:end])
		out = append(out, part)
	}
	return out, nil
}

func helperPluck(p ...any) (any, error) {
	if err := arity("pluck", p, 2, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("pluck() argument must be a list, not %s", typeName(p[0]))
	}
	key, err := stringArg("pluck", p, 1)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m[key])
		} else {
			out = append(out, nil)
		}
	}
	return out, nil
}

// helperWhere keeps the maps whose key equals value, or is truthy when value
// is omitted.
func helperWhere(p ...any) (any, error) {
	if err := arity("where", p, 2, 3); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("where() argument must be a list, not %s", typeName(p[0]))
	}
	key, err := stringArg("where", p, 1)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		v, present := m[key]
		if len(p) == 3 {
			if present && looseEqual(v, p[2]) {
				out = append(out, item)
			}
		} else if truthy(v) {
			out = append(out, item)
		}
	}
	return out, nil
}

func mapArg(name string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s() argument must be a dict, not %s", name, typeName(v))
	}
	return m, nil
}

func helperKeys(p ...any) (any, error) {
	if err := arity("keys", p, 1, 1); err != nil {
		return nil, err
	}
	m, err := mapArg("keys", p[0])
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(m)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func helperValues(p ...any) (any, error) {
	if err := arity("values", p, 1, 1); err != nil {
		return nil, err
	}
	m, err := mapArg("values", p[0])
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(m)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, nil
}

// helperGet resolves a dotted path through maps and lists.
func helperGet(p ...any) (any, error) {
	if err := arity("get", p, 2, 3); err != nil {
		return nil, err
	}
	var fallback any
	if len(p) == 3 {
		fallback = p[2]
	}
	var segments []string
	switch k := p[1].(type) {
	case string:
		segments = strings.Split(k, ".")
	default:
		if n, ok := toInt(k); ok {
			segments = []string{strconv.Itoa(n)}
		} else {
			return nil, fmt.Errorf("get() path must be str or int, not %s", typeName(p[1]))
		}
	}
	cur := p[0]
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return fallback, nil
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return fallback, nil
			}
			if idx < 0 {
				idx += len(c)
			}
			if idx < 0 || idx >= len(c) {
				return fallback, nil
			}
			cur = c[idx]
		default:
			return fallback, nil
		}
	}
	if cur == nil {
		return fallback, nil
	}
	return cur, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateOnly,
}

// parseDate returns the parsed time and whether the input carried only a date.
func parseDate(v any) (time.Time, bool, error) {
	switch d := v.(type) {
	case time.Time:
		return d, false, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, layout == dateOnly, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("unrecognized date %q", d)
	}
	return time.Time{}, false, fmt.Errorf("expected date string, got %s", typeName(v))
}

var strftime = map[byte]string{
	'Y': "2006", 'y': "06", 'm': "01", 'd': "02", 'H': "15", 'I': "03",
	'M': "04", 'S': "05", 'p': "PM", 'b': "Jan", 'B': "January",
	'a': "Mon", 'A': "Monday", 'z': "-0700", 'Z': "MST", '%': "%",
}

func helperDateFormat(p ...any) (any, error) {
	if err := arity("date_format", p, 2, 2); err != nil {
		return nil, err
	}
	t, _, err := parseDate(p[0])
	if err != nil {
		return nil, fmt.Errorf("date_format(): %w", err)
	}
	pattern, err := stringArg("date_format", p, 1)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 == len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		i++
		layout, ok := strftime[pattern[i]]
		if !ok {
			return nil, fmt.Errorf("date_format(): unsupported directive %%%c", pattern[i])
		}
		if layout == "%" {
			b.WriteByte('%')
		} else {
			b.WriteString(t.Format(layout))
		}
	}
	return b.String(), nil
}

func helperDateAddDays(p ...any) (any, error) {
	if err := arity("date_add_days", p, 2, 2); err != nil {
		return nil, err
	}
	t, dateOnlyInput, err := parseDate(p[0])
	if err != nil {
		return nil, fmt.Errorf("date_add_days(): %w", err)
	}
	days, ok := toInt(p[1])
	if !ok {
		return nil, errors.New("date_add_days() days must be an integer")
	}
	out := t.AddDate(0, 0, days)
	if dateOnlyInput {
		return out.Format(dateOnly), nil
	}
	return out.Format(time.RFC3339), nil
}

func helperJSONEncode(p ...any) (any, error) {
	if err := arity("json_encode", p, 1, 1); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p[0])
	if err != nil {
		return nil, fmt.Errorf("json_encode(): %w", err)
	}
	return string(data), nil
}

func helperJSONDecode(p ...any) (any, error) {
	if err := arity("json_decode", p, 1, 1); err != nil {
		return nil, err
	}
	s, err := stringArg("json_decode", p, 0)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("json_decode(): %w", err)
	}
	return out, nil
}

func helperCoalesce(p ...any) (any, error) {
	for _, v := range p {
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// helperDefault returns fallback when value is None, empty string or a
// skipped placeholder.
func helperDefault(p ...any) (any, error) {
	if err := arity("default", p, 2, 2); err != nil {
		return nil, err
	}
	if p[0] == nil || p[0] == "" || IsSkipped(p[0]) {
		return p[1], nil
	}
	return p[0], nil
}

func jqHelper(jq *GoJQEngine) builtinFunc {
	return func(p ...any) (any, error) {
		if err := arity("jq", p, 2, 2); err != nil {
			return nil, err
		}
		query, err := stringArg("jq", p, 1)
		if err != nil {
			return nil, err
		}
		return jq.Query(context.Background(), query, p[0])
	}
}
