// Package expr implements the small condition language used by conditional
// breakpoints and watch alerts.
//
// Expressions are side-effect free: they may read variables, compare, do
// arithmetic and call a fixed set of builtins, nothing else.
//
//	retries > 3 && lastError != null
//	user.plan == "pro" || len(items) >= 10
//	contains(query, "refund")
package expr

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
)

// ErrUndefined is returned when an expression references a variable that is
// not in scope.
var ErrUndefined = errors.New("undefined variable")

// Expr is a compiled expression.
type Expr struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Msg: "empty expression"}
	}
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Expr{src: src, root: root}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against vars. Values that cannot be read,
// including ones whose reflection panics, are reported as errors.
func (e *Expr) Eval(vars map[string]any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("evaluating %q: %v", e.src, r)
		}
	}()
	return eval(e.root, vars)
}

// Match evaluates the expression and reports whether the result is truthy.
// Evaluation errors are reported as a non-match.
func (e *Expr) Match(vars map[string]any) bool {
	v, err := e.Eval(vars)
	if err != nil {
		return false
	}
	return Truthy(v)
}

// Eval compiles and evaluates src in one step.
func Eval(src string, vars map[string]any) (any, error) {
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(vars)
}

// Match compiles and evaluates src, treating any failure as false.
func Match(src string, vars map[string]any) bool {
	e, err := Compile(src)
	if err != nil {
		return false
	}
	return e.Match(vars)
}

// Truthy applies the usual loose truthiness rules: nil, false, zero, the
// empty string and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toNumber(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func eval(n node, vars map[string]any) (any, error) {
	switch n := n.(type) {
	case *literalNode:
		return n.value, nil
	case *identNode:
		v, ok := vars[n.name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefined, n.name)
		}
		return v, nil
	case *memberNode:
		target, err := eval(n.target, vars)
		if err != nil {
			return nil, err
		}
		return member(target, n.property)
	case *indexNode:
		target, err := eval(n.target, vars)
		if err != nil {
			return nil, err
		}
		idx, err := eval(n.index, vars)
		if err != nil {
			return nil, err
		}
		return index(target, idx)
	case *unaryNode:
		v, err := eval(n.operand, vars)
		if err != nil {
			return nil, err
		}
		if n.op == "!" {
			return !Truthy(v), nil
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	case *binaryNode:
		return evalBinary(n, vars)
	case *callNode:
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := eval(a, vars)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return builtins[n.name](args)
	}
	return nil, fmt.Errorf("unknown node %T", n)
}

func evalBinary(n *binaryNode, vars map[string]any) (any, error) {
	left, err := eval(n.left, vars)
	if err != nil {
		return nil, err
	}

	// short circuit
	switch n.op {
	case "&&":
		if !Truthy(left) {
			return false, nil
		}
		right, err := eval(n.right, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		if Truthy(left) {
			return true, nil
		}
		right, err := eval(n.right, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := eval(n.right, vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right)
	case "+":
		if ls, ok := left.(string); ok {
			return ls + fmt.Sprint(right), nil
		}
		if rs, ok := right.(string); ok {
			return fmt.Sprint(left) + rs, nil
		}
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", n.op, left, right)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(op string, a, b any) (bool, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", b)
		}
		c := strings.Compare(as, bs)
		return cmpResult(op, float64(c), 0), nil
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if !aok || !bok {
		return false, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	return cmpResult(op, af, bf), nil
}

func cmpResult(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func member(target any, prop string) (any, error) {
	if target == nil {
		return nil, fmt.Errorf("cannot read %q of null", prop)
	}
	if m, ok := target.(map[string]any); ok {
		return m[prop], nil
	}

	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot read %q of null", prop)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot read %q of %T", prop, target)
		}
		v := rv.MapIndex(reflect.ValueOf(prop).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	case reflect.Slice, reflect.Array, reflect.String:
		if prop == "length" {
			return float64(rv.Len()), nil
		}
		return nil, nil
	case reflect.Struct:
		sf, ok := rv.Type().FieldByName(prop)
		if !ok {
			return nil, nil
		}
		f, err := rv.FieldByIndexErr(sf.Index)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w", prop, err)
		}
		if !f.CanInterface() {
			return nil, nil
		}
		return f.Interface(), nil
	}
	return nil, fmt.Errorf("cannot read %q of %T", prop, target)
}

func index(target, idx any) (any, error) {
	if s, ok := idx.(string); ok {
		return member(target, s)
	}
	f, ok := toNumber(idx)
	if !ok {
		return nil, fmt.Errorf("invalid index %T", idx)
	}
	if target == nil {
		return nil, errors.New("cannot index null")
	}

	rv := reflect.ValueOf(target)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		i := int(f)
		if float64(i) != f || i < 0 || i >= rv.Len() {
			return nil, nil
		}
		if rv.Kind() == reflect.String {
			return string(rv.String()[i]), nil
		}
		return rv.Index(i).Interface(), nil
	}
	return nil, fmt.Errorf("cannot index %T", target)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

var builtins = map[string]func(args []any) (any, error){
	"len": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("len takes one argument")
		}
		if args[0] == nil {
			return float64(0), nil
		}
		rv := reflect.ValueOf(args[0])
		switch rv.Kind() {
		case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
			return float64(rv.Len()), nil
		}
		return nil, fmt.Errorf("len of %T", args[0])
	},
	"contains": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.New("contains takes two arguments")
		}
		if s, ok := args[0].(string); ok {
			sub, ok := args[1].(string)
			if !ok {
				return nil, errors.New("contains on a string needs a string")
			}
			return strings.Contains(s, sub), nil
		}
		if args[0] == nil {
			return false, nil
		}
		rv := reflect.ValueOf(args[0])
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := range rv.Len() {
				if equal(rv.Index(i).Interface(), args[1]) {
					return true, nil
				}
			}
			return false, nil
		case reflect.Map:
			key, ok := args[1].(string)
			if !ok || rv.Type().Key().Kind() != reflect.String {
				return false, nil
			}
			return rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key())).IsValid(), nil
		}
		return nil, fmt.Errorf("contains on %T", args[0])
	},
	"startsWith": stringPredicate("startsWith", strings.HasPrefix),
	"endsWith":   stringPredicate("endsWith", strings.HasSuffix),
	"matches": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.New("matches takes two arguments")
		}
		s, ok1 := args[0].(string)
		pattern, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("matches needs strings")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString(s), nil
	},
}

func stringPredicate(name string, fn func(string, string) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s takes two arguments", name)
		}
		s, ok1 := args[0].(string)
		p, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s needs strings", name)
		}
		return fn(s, p), nil
	}
}
