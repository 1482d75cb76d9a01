package dsl

import (
	"fmt"
	"strings"
)

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// scanTopLevel calls visit for every rune that sits at bracket depth zero
// outside string literals. Scanning stops early when visit returns false.
// It fails on unbalanced brackets or an unterminated string.
func scanTopLevel(src string, visit func(i int, r rune) bool) error {
	var stack []rune
	var quote rune
	escaped := false

	for i, r := range src {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}

		switch r {
		case '"', '\'', '`':
			quote = r
			if len(stack) == 0 && !visit(i, r) {
				return nil
			}
			continue
		case '(', '[', '{':
			if len(stack) == 0 && !visit(i, r) {
				return nil
			}
			stack = append(stack, r)
			continue
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				return fmt.Errorf("unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && !visit(i, r) {
				return nil
			}
			continue
		}

		if len(stack) == 0 && !visit(i, r) {
			return nil
		}
	}

	if quote != 0 {
		return fmt.Errorf("unterminated string literal")
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// openDepth reports how many brackets remain open at the end of src,
// ignoring string contents. It never fails; it is used to decide whether a
// statement continues on the next line.
func openDepth(src string) int {
	depth := 0
	var quote rune
	escaped := false
	for _, r := range src {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	return depth
}

// stripComment removes a trailing # comment that is not inside a string.
func stripComment(line string) string {
	var quote rune
	escaped := false
	for i, r := range line {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '#':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// splitTopLevel splits src on sep runes at depth zero outside strings.
func splitTopLevel(src string, sep rune) ([]string, error) {
	var parts []string
	last := 0
	err := scanTopLevel(src, func(i int, r rune) bool {
		if r == sep {
			parts = append(parts, src[last:i])
			last = i + len(string(sep))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return append(parts, src[last:]), nil
}

// assignIndex returns the byte index of the top-level "=" of an assignment,
// or -1. Comparison operators (==, !=, <=, >=) are not assignments.
func assignIndex(src string) (int, error) {
	idx := -1
	var prev rune
	err := scanTopLevel(src, func(i int, r rune) bool {
		if r == '=' && !strings.ContainsRune("=!<>:", prev) {
			next := byte(0)
			if i+1 < len(src) {
				next = src[i+1]
			}
			if next != '=' {
				idx = i
				return false
			}
		}
		prev = r
		return true
	})
	return idx, err
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
