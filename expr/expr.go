// Package expr implements the small condition grammar shared by workflow
// next-resolution and flow connections: the keywords approved, rejected,
// and timeout, plus dotted-path comparisons against literals.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// comparison operators, longest first so ">=" wins over ">".
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Evaluate checks one expression against the state mapping. lastOutput is
// the most recent step/node output, consulted by the keyword forms.
// Unrecognised expressions evaluate to false.
func Evaluate(expression string, state map[string]any, lastOutput map[string]any) bool {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false
	}

	switch expression {
	case "approved":
		return boolField(lastOutput, "approved")
	case "rejected":
		v, ok := lastOutput["approved"]
		if !ok {
			return false
		}
		b, ok := v.(bool)
		return ok && !b
	case "timeout":
		return boolField(lastOutput, "timeout")
	}

	for _, op := range operators {
		idx := strings.Index(expression, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expression[:idx])
		right := strings.TrimSpace(expression[idx+len(op):])
		if left == "" || right == "" {
			return false
		}
		path, ok := strings.CutPrefix(left, "state.")
		if !ok {
			// Flow conditions reference variables without a prefix.
			path = left
		}
		value, found := Lookup(state, path)
		if !found {
			return false
		}
		return compare(value, op, right)
	}

	return false
}

// Lookup resolves a dotted path through nested mappings.
func Lookup(state map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = state
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, ok := m[key].(bool)
	return ok && b
}

// compare applies one operator between a state value and a literal. Quoted
// literals compare as strings; bare literals compare numerically when both
// sides are numbers, otherwise as strings.
func compare(value any, op, literal string) bool {
	if unquoted, ok := unquote(literal); ok {
		return compareStrings(Render(value), op, unquoted)
	}

	if rf, err := strconv.ParseFloat(literal, 64); err == nil {
		if lf, ok := toFloat(value); ok {
			return compareFloats(lf, op, rf)
		}
	}

	if literal == "true" || literal == "false" {
		if b, ok := value.(bool); ok {
			return compareStrings(strconv.FormatBool(b), op, literal)
		}
	}

	return compareStrings(Render(value), op, literal)
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Render converts a state value to its string form for comparison and
// variable expansion.
func Render(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func compareFloats(l float64, op string, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

func compareStrings(l, op, r string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}
