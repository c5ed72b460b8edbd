package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Eval evaluates a branch or for_each expression against a scope such as RunContext.Scope().
// Supported:
//   - literals: numbers, booleans, null, quoted strings
//   - dot paths: outputs.extract.rows (walks nested maps, numeric segments index lists)
//   - functions: length(x), first(x), keys(x)
//   - comparisons: == != > < >= <=
//   - logical && and ||, unary !
func Eval(expr string, scope map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}
	if inner, ok := unwrapParens(expr); ok {
		return Eval(inner, scope)
	}

	for _, op := range []string{"||", "&&"} {
		if left, right, ok := splitOutside(expr, op); ok {
			lv, err := Eval(left, scope)
			if err != nil {
				return nil, err
			}
			if op == "||" && Truthy(lv) {
				return true, nil
			}
			if op == "&&" && !Truthy(lv) {
				return false, nil
			}
			rv, err := Eval(right, scope)
			if err != nil {
				return nil, err
			}
			return Truthy(rv), nil
		}
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if left, right, ok := splitOutside(expr, op); ok {
			lv, err := Eval(left, scope)
			if err != nil {
				return nil, err
			}
			rv, err := Eval(right, scope)
			if err != nil {
				return nil, err
			}
			return compare(lv, rv, op), nil
		}
	}

	if strings.HasPrefix(expr, "!") {
		val, err := Eval(expr[1:], scope)
		if err != nil {
			return nil, err
		}
		return !Truthy(val), nil
	}

	if name, arg, ok := parseCall(expr); ok {
		val, err := Eval(arg, scope)
		if err != nil {
			return nil, err
		}
		return callBuiltin(name, val)
	}

	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], nil
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}
	return resolvePath(expr, scope), nil
}

// EvalBool evaluates expr and reports its truthiness.
func EvalBool(expr string, scope map[string]any) (bool, error) {
	v, err := Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvalList evaluates expr and converts the result to a list. A nil result yields an empty list.
func EvalList(expr string, scope map[string]any) ([]any, error) {
	v, err := Eval(expr, scope)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return []any{}, nil
	}
	items, ok := toList(v)
	if !ok {
		return nil, fmt.Errorf("for_each expression %q yielded %T, want a list", expr, v)
	}
	return items, nil
}

func callBuiltin(name string, val any) (any, error) {
	switch name {
	case "length":
		if list, ok := toList(val); ok {
			return len(list), nil
		}
		switch v := val.(type) {
		case string:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		case map[string]map[string]any:
			return len(v), nil
		}
		return 0, nil
	case "first":
		if list, ok := toList(val); ok && len(list) > 0 {
			return list[0], nil
		}
		return nil, nil
	case "keys":
		m, ok := val.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func parseCall(expr string) (string, string, bool) {
	open := strings.Index(expr, "(")
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	name := expr[:open]
	for _, r := range name {
		if !(r >= 'a' && r <= 'z') {
			return "", "", false
		}
	}
	return name, expr[open+1 : len(expr)-1], true
}

func unwrapParens(expr string) (string, bool) {
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	depth := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return "", false
			}
		}
	}
	return expr[1 : len(expr)-1], true
}

// splitOutside splits on the first occurrence of op outside quotes and parentheses.
func splitOutside(expr, op string) (string, string, bool) {
	depth := 0
	var quote byte
	for i := 0; i+len(op) <= len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth == 0 && expr[i:i+len(op)] == op {
			// Skip partial matches inside two-character operators.
			if (op == ">" || op == "<") && i+1 < len(expr) && expr[i+1] == '=' {
				continue
			}
			if op == "==" && i > 0 && (expr[i-1] == '!' || expr[i-1] == '>' || expr[i-1] == '<') {
				continue
			}
			return strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(op):]), true
		}
	}
	return "", "", false
}

func resolvePath(path string, scope map[string]any) any {
	var cur any = scope
	for _, p := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[p]
		case map[string]map[string]any:
			cur = m[p]
		default:
			list, ok := toList(cur)
			if !ok {
				return nil
			}
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(list) {
				return nil
			}
			cur = list[i]
		}
	}
	return cur
}

func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func compare(a, b any, op string) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return cmpOrdered(af, bf, op)
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return cmpOrdered(as, bs, op)
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	default:
		return false
	}
}

func cmpOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Truthy follows the usual scripting rules: nil, false, zero, empty string and empty list are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	if list, ok := toList(v); ok {
		return len(list) > 0
	}
	return true
}
