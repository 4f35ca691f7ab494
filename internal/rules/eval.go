package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates the runtime value types of the expression
// language.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
)

// Value is a runtime value. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
}

func NullValue() Value            { return Value{} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }
func StringValue(s string) Value  { return Value{kind: KindString, s: s} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Truthy follows the language's coercion rules: null is false, numbers are
// true when nonzero, strings when nonempty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	}
	return "null"
}

// EvalContext binds identifiers to row values. Row holds the current row's
// decoded payload; Parent holds the enclosing row's, when the field lives
// inside a repeating section. Either map may be nil.
type EvalContext struct {
	Row    map[string]any
	Parent map[string]any
}

// Eval interprets the expression against the given context. Unknown
// identifiers evaluate to null rather than failing, so rules stay valid
// across schema versions that drop fields.
func Eval(expr Expr, env *EvalContext) (Value, error) {
	if env == nil {
		env = &EvalContext{}
	}
	return expr.eval(env)
}

// EvalBool evaluates the expression and coerces the result to a boolean.
func EvalBool(expr Expr, env *EvalContext) (bool, error) {
	v, err := Eval(expr, env)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func (e literalExpr) eval(*EvalContext) (Value, error) {
	return e.value, nil
}

func (e identExpr) eval(env *EvalContext) (Value, error) {
	scope := env.Row
	if e.fromParent {
		scope = env.Parent
	}
	raw, ok := scope[e.name]
	if !ok {
		return NullValue(), nil
	}
	return fromAny(raw), nil
}

func (e unaryExpr) eval(env *EvalContext) (Value, error) {
	v, err := e.operand.eval(env)
	if err != nil {
		return Value{}, err
	}
	switch e.op {
	case "not":
		return BoolValue(!v.Truthy()), nil
	case "-":
		if v.kind != KindNumber {
			return Value{}, fmt.Errorf("cannot negate %s value", kindName(v.kind))
		}
		return NumberValue(-v.n), nil
	}
	return Value{}, fmt.Errorf("unknown unary operator %q", e.op)
}

func (e binaryExpr) eval(env *EvalContext) (Value, error) {
	// Short-circuit the logical operators.
	if e.op == "and" || e.op == "or" {
		left, err := e.left.eval(env)
		if err != nil {
			return Value{}, err
		}
		if e.op == "and" && !left.Truthy() {
			return BoolValue(false), nil
		}
		if e.op == "or" && left.Truthy() {
			return BoolValue(true), nil
		}
		right, err := e.right.eval(env)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(right.Truthy()), nil
	}

	left, err := e.left.eval(env)
	if err != nil {
		return Value{}, err
	}
	right, err := e.right.eval(env)
	if err != nil {
		return Value{}, err
	}

	switch e.op {
	case "==":
		return BoolValue(equal(left, right)), nil
	case "!=":
		return BoolValue(!equal(left, right)), nil
	case "<", "<=", ">", ">=":
		return compare(e.op, left, right)
	case "+":
		if left.kind == KindString || right.kind == KindString {
			return StringValue(left.String() + right.String()), nil
		}
		return arith(e.op, left, right)
	case "-", "*", "/":
		return arith(e.op, left, right)
	}
	return Value{}, fmt.Errorf("unknown operator %q", e.op)
}

func (e callExpr) eval(env *EvalContext) (Value, error) {
	fn := builtins[e.name]
	args := make([]Value, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(env)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	return fn(args)
}

type builtinFunc func(args []Value) (Value, error)

var builtins = map[string]builtinFunc{
	// len returns the rune count of a string, 0 for null.
	"len": func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("len takes 1 argument, got %d", len(args))
		}
		if args[0].IsNull() {
			return NumberValue(0), nil
		}
		return NumberValue(float64(len([]rune(args[0].String())))), nil
	},
	// num coerces its argument to a number; null for unparseable input.
	"num": func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("num takes 1 argument, got %d", len(args))
		}
		v := args[0]
		switch v.kind {
		case KindNumber:
			return v, nil
		case KindBool:
			if v.b {
				return NumberValue(1), nil
			}
			return NumberValue(0), nil
		case KindString:
			n, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err != nil {
				return NullValue(), nil
			}
			return NumberValue(n), nil
		}
		return NullValue(), nil
	},
	// coalesce returns the first non-null argument.
	"coalesce": func(args []Value) (Value, error) {
		for _, a := range args {
			if !a.IsNull() {
				return a, nil
			}
		}
		return NullValue(), nil
	},
}

func equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	}
	return false
}

func compare(op string, a, b Value) (Value, error) {
	var cmp int
	switch {
	case a.kind == KindNumber && b.kind == KindNumber:
		switch {
		case a.n < b.n:
			cmp = -1
		case a.n > b.n:
			cmp = 1
		}
	case a.kind == KindString && b.kind == KindString:
		cmp = strings.Compare(a.s, b.s)
	case a.IsNull() || b.IsNull():
		return BoolValue(false), nil
	default:
		return Value{}, fmt.Errorf("cannot compare %s with %s", kindName(a.kind), kindName(b.kind))
	}
	switch op {
	case "<":
		return BoolValue(cmp < 0), nil
	case "<=":
		return BoolValue(cmp <= 0), nil
	case ">":
		return BoolValue(cmp > 0), nil
	case ">=":
		return BoolValue(cmp >= 0), nil
	}
	return Value{}, fmt.Errorf("unknown comparison %q", op)
}

func arith(op string, a, b Value) (Value, error) {
	if a.kind != KindNumber || b.kind != KindNumber {
		return Value{}, fmt.Errorf("operator %q needs numbers, got %s and %s", op, kindName(a.kind), kindName(b.kind))
	}
	switch op {
	case "+":
		return NumberValue(a.n + b.n), nil
	case "-":
		return NumberValue(a.n - b.n), nil
	case "*":
		return NumberValue(a.n * b.n), nil
	case "/":
		if b.n == 0 {
			return NullValue(), nil
		}
		return NumberValue(a.n / b.n), nil
	}
	return Value{}, fmt.Errorf("unknown operator %q", op)
}

func fromAny(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(v)
	case float64:
		return NumberValue(v)
	case int:
		return NumberValue(float64(v))
	case int64:
		return NumberValue(float64(v))
	case string:
		return StringValue(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return StringValue(v.String())
		}
		return NumberValue(n)
	}
	// Arrays and objects have no scalar meaning in the rule language.
	return NullValue()
}

func kindName(k ValueKind) string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	}
	return "null"
}
