package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator caches compiled JMESPath expressions.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Evaluate evaluates a JMESPath expression against data
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateString evaluates an expression and returns the result as a string
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", nil
	}

	str, ok := result.(string)
	if !ok {
		return fmt.Sprintf("%v", result), nil
	}

	return str, nil
}

// EvaluateBool evaluates an expression and returns its truthiness
func (e *Evaluator) EvaluateBool(expression string, data any) (bool, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// EvaluateInt evaluates an expression and returns the result as an int. A missing value is 0.
func (e *Evaluator) EvaluateInt(expression string, data any) (int, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return 0, err
	}

	switch v := result.(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("cannot convert %T to int", result)
	}
}

// EvaluateSlice evaluates an expression and returns the result as a slice
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, nil
	}

	slice, ok := result.([]any)
	if !ok {
		// Wrap single value in slice
		return []any{result}, nil
	}

	return slice, nil
}

// Validate checks if an expression is valid
func (e *Evaluator) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}

// Match applies a comparison operator between the value found at field and want.
// Supported operators: eq, ne, gt, gte, lt, lte, contains, exists, in.
func (e *Evaluator) Match(field, operator string, want any, data any) (bool, error) {
	got, err := e.Evaluate(field, data)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(operator) {
	case "", "eq", "==", "equals":
		return equal(got, want), nil
	case "ne", "!=", "not_equals":
		return !equal(got, want), nil
	case "gt", ">":
		a, b, ok := numbers(got, want)
		return ok && a > b, nil
	case "gte", ">=":
		a, b, ok := numbers(got, want)
		return ok && a >= b, nil
	case "lt", "<":
		a, b, ok := numbers(got, want)
		return ok && a < b, nil
	case "lte", "<=":
		a, b, ok := numbers(got, want)
		return ok && a <= b, nil
	case "contains":
		switch v := got.(type) {
		case string:
			return strings.Contains(v, fmt.Sprint(want)), nil
		case []any:
			for _, item := range v {
				if equal(item, want) {
					return true, nil
				}
			}
		}
		return false, nil
	case "exists":
		return got != nil, nil
	case "in":
		options, ok := want.([]any)
		if !ok {
			return false, nil
		}
		for _, option := range options {
			if equal(got, option) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", operator)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func equal(a, b any) bool {
	if x, y, ok := numbers(a, b); ok {
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func numbers(a, b any) (float64, float64, bool) {
	x, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	y, ok := toFloat(b)
	return x, y, ok
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
