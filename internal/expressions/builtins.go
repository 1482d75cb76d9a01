package expressions

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxRangeLen bounds range() so an expression cannot allocate without limit.
const maxRangeLen = 1_000_000

type builtinFunc func(params ...any) (any, error)

// safeBuiltins is the fixed builtin surface available to every expression.
var safeBuiltins = map[string]builtinFunc{
	"len":       builtinLen,
	"sum":       builtinSum,
	"min":       func(p ...any) (any, error) { return builtinExtreme("min", -1, p) },
	"max":       func(p ...any) (any, error) { return builtinExtreme("max", 1, p) },
	"str":       builtinStr,
	"int":       builtinInt,
	"float":     builtinFloat,
	"bool":      builtinBool,
	"list":      builtinList,
	"tuple":     builtinList,
	"dict":      builtinDict,
	"set":       builtinSet,
	"range":     builtinRange,
	"enumerate": builtinEnumerate,
	"zip":       builtinZip,
	"any":       builtinAny,
	"all":       builtinAll,
	"abs":       builtinAbs,
	"round":     builtinRound,
	"sorted":    builtinSorted,
}

func arity(name string, p []any, lo, hi int) error {
	if len(p) < lo || (hi >= 0 && len(p) > hi) {
		switch {
		case lo == hi:
			return fmt.Errorf("%s() takes %d argument(s), got %d", name, lo, len(p))
		case hi < 0:
			return fmt.Errorf("%s() takes at least %d argument(s), got %d", name, lo, len(p))
		}
		return fmt.Errorf("%s() takes %d to %d arguments, got %d", name, lo, hi, len(p))
	}
	return nil
}

func builtinLen(p ...any) (any, error) {
	if err := arity("len", p, 1, 1); err != nil {
		return nil, err
	}
	switch x := p[0].(type) {
	case string:
		return utf8.RuneCountInString(x), nil
	case []any:
		return len(x), nil
	case map[string]any:
		return len(x), nil
	}
	rv := reflect.ValueOf(p[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("object of type %s has no len()", typeName(p[0]))
}

func builtinSum(p ...any) (any, error) {
	if err := arity("sum", p, 1, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("sum() argument is not iterable: %s", typeName(p[0]))
	}
	var start any = 0
	if len(p) == 2 {
		start = p[1]
	}
	if !isNumber(start) {
		return nil, fmt.Errorf("sum() start must be a number")
	}
	for _, item := range items {
		if !isNumber(item) {
			return nil, fmt.Errorf("unsupported operand type for sum(): %s", typeName(item))
		}
	}

	// Integers are summed exactly; any float switches the total to float64.
	if isInteger(start) {
		total, _ := toInt(start)
		i := 0
		for ; i < len(items) && isInteger(items[i]); i++ {
			n, _ := toInt(items[i])
			total += n
		}
		if i == len(items) {
			return total, nil
		}
		f := float64(total)
		for _, item := range items[i:] {
			v, _ := toFloat(item)
			f += v
		}
		return f, nil
	}
	total, _ := toFloat(start)
	for _, item := range items {
		v, _ := toFloat(item)
		total += v
	}
	return total, nil
}

func builtinExtreme(name string, sign int, p []any) (any, error) {
	if err := arity(name, p, 1, -1); err != nil {
		return nil, err
	}
	items := p
	if len(p) == 1 {
		list, ok := asList(p[0])
		if !ok {
			return nil, fmt.Errorf("%s() argument is not iterable: %s", name, typeName(p[0]))
		}
		items = list
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s() arg is an empty sequence", name)
	}
	best := items[0]
	for _, item := range items[1:] {
		c, err := compare(item, best)
		if err != nil {
			return nil, err
		}
		if c*sign > 0 {
			best = item
		}
	}
	return best, nil
}

func builtinStr(p ...any) (any, error) {
	if err := arity("str", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return "", nil
	}
	return pyStr(p[0]), nil
}

func builtinInt(p ...any) (any, error) {
	if err := arity("int", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	switch x := p[0].(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("invalid literal for int(): %q", x)
		}
		return n, nil
	}
	if f, ok := toFloat(p[0]); ok {
		return int(math.Trunc(f)), nil
	}
	return nil, fmt.Errorf("int() argument must be a string or a number, not %s", typeName(p[0]))
}

func builtinFloat(p ...any) (any, error) {
	if err := arity("float", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return 0.0, nil
	}
	switch x := p[0].(type) {
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert string to float: %q", x)
		}
		return f, nil
	}
	if f, ok := toFloat(p[0]); ok {
		return f, nil
	}
	return nil, fmt.Errorf("float() argument must be a string or a number, not %s", typeName(p[0]))
}

func builtinBool(p ...any) (any, error) {
	if err := arity("bool", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return false, nil
	}
	return truthy(p[0]), nil
}

func builtinList(p ...any) (any, error) {
	if err := arity("list", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return []any{}, nil
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	out := make([]any, len(items))
	copy(out, items)
	return out, nil
}

func builtinDict(p ...any) (any, error) {
	if err := arity("dict", p, 0, 1); err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(p) == 0 || p[0] == nil {
		return out, nil
	}
	if m, ok := p[0].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	pairs, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	for i, pair := range pairs {
		kv, ok := asList(pair)
		if !ok || len(kv) != 2 {
			return nil, fmt.Errorf("dictionary update sequence element #%d has wrong length", i)
		}
		out[pyStr(kv[0])] = kv[1]
	}
	return out, nil
}

// builtinSet returns the distinct elements in first-seen order.
func builtinSet(p ...any) (any, error) {
	if err := arity("set", p, 0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return []any{}, nil
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	return distinct(items), nil
}

func distinct(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		dup := false
		for _, seen := range out {
			if looseEqual(item, seen) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return out
}

func builtinRange(p ...any) (any, error) {
	if err := arity("range", p, 1, 3); err != nil {
		return nil, err
	}
	args := make([]int, len(p))
	for i, v := range p {
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("range() arguments must be integers, got %s", typeName(v))
		}
		args[i] = n
	}
	start, stop, step := 0, 0, 1
	switch len(args) {
	case 1:
		stop = args[0]
	case 2:
		start, stop = args[0], args[1]
	case 3:
		start, stop, step = args[0], args[1], args[2]
	}
	if step == 0 {
		return nil, errors.New("range() arg 3 must not be zero")
	}
	var out []any
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		if len(out) >= maxRangeLen {
			return nil, fmt.Errorf("range() exceeds %d elements", maxRangeLen)
		}
		out = append(out, i)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func builtinEnumerate(p ...any) (any, error) {
	if err := arity("enumerate", p, 1, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	start := 0
	if len(p) == 2 {
		n, ok := toInt(p[1])
		if !ok {
			return nil, errors.New("enumerate() start must be an integer")
		}
		start = n
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = []any{start + i, item}
	}
	return out, nil
}

func builtinZip(p ...any) (any, error) {
	if len(p) == 0 {
		return []any{}, nil
	}
	lists := make([][]any, len(p))
	shortest := -1
	for i, v := range p {
		items, ok := asList(v)
		if !ok {
			return nil, fmt.Errorf("zip argument #%d is not iterable", i+1)
		}
		lists[i] = items
		if shortest < 0 || len(items) < shortest {
			shortest = len(items)
		}
	}
	out := make([]any, shortest)
	for i := range out {
		row := make([]any, len(lists))
		for j, l := range lists {
			row[j] = l[i]
		}
		out[i] = row
	}
	return out, nil
}

func builtinAny(p ...any) (any, error) {
	if err := arity("any", p, 1, 1); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	for _, item := range items {
		if truthy(item) {
			return true, nil
		}
	}
	return false, nil
}

func builtinAll(p ...any) (any, error) {
	if err := arity("all", p, 1, 1); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	for _, item := range items {
		if !truthy(item) {
			return false, nil
		}
	}
	return true, nil
}

func builtinAbs(p ...any) (any, error) {
	if err := arity("abs", p, 1, 1); err != nil {
		return nil, err
	}
	if n, ok := p[0].(int); ok {
		if n < 0 {
			return -n, nil
		}
		return n, nil
	}
	f, ok := toFloat(p[0])
	if !ok {
		return nil, fmt.Errorf("bad operand type for abs(): %s", typeName(p[0]))
	}
	if isInteger(p[0]) {
		return int(math.Abs(f)), nil
	}
	return math.Abs(f), nil
}

// builtinRound rounds half to even. Without ndigits it returns an int.
func builtinRound(p ...any) (any, error) {
	if err := arity("round", p, 1, 2); err != nil {
		return nil, err
	}
	f, ok := toFloat(p[0])
	if !ok {
		return nil, fmt.Errorf("type %s doesn't define round()", typeName(p[0]))
	}
	if len(p) == 1 || p[1] == nil {
		return int(math.RoundToEven(f)), nil
	}
	digits, ok := toInt(p[1])
	if !ok {
		return nil, errors.New("round() ndigits must be an integer")
	}
	if isInteger(p[0]) && digits >= 0 {
		return p[0], nil
	}
	scale := math.Pow(10, float64(digits))
	return math.RoundToEven(f*scale) / scale, nil
}

// builtinSorted takes an optional second argument: reverse.
func builtinSorted(p ...any) (any, error) {
	if err := arity("sorted", p, 1, 2); err != nil {
		return nil, err
	}
	items, ok := asList(p[0])
	if !ok {
		return nil, fmt.Errorf("%s object is not iterable", typeName(p[0]))
	}
	reverse := len(p) == 2 && truthy(p[1])

	out := make([]any, len(items))
	copy(out, items)
	var cmpErr error
	sort.SliceStable(out, func(i, j int) bool {
		c, err := compare(out[i], out[j])
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if cmpErr != nil {
		return nil, cmpErr
	}
	return out, nil
}
