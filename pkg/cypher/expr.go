package cypher

import (
	"fmt"
	"math"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// Row is one binding of variable names to values flowing through the
// pull-based operator pipeline.
type Row map[string]Value

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EvalContext carries everything expression evaluation needs: the current
// row of bound variables, query parameters, and read access to the graph
// for lazy property/label lookups on materialized nodes/relationships.
type EvalContext struct {
	Row      Row
	Params   map[string]Value
	Snapshot *storage.Snapshot
}

// Eval evaluates an expression against ctx, implementing Cypher's
// type-aware semantics: three-valued logic for null operands,
// int/float promotion with overflow-to-float on arithmetic, and Cypher's
// equality/ordering rules (pkg/cypher/value.go) rather than storage's
// strict bit-for-bit equality.
func Eval(e Expr, ctx *EvalContext) (Value, error) {
	switch n := e.(type) {
	case *NullLiteral:
		return Null(), nil
	case *BoolLiteral:
		return Bool(n.Value), nil
	case *IntLiteral:
		return Int(n.Value), nil
	case *FloatLiteral:
		return Float(n.Value), nil
	case *StringLiteral:
		return String(n.Value), nil
	case *ParamRef:
		v, ok := ctx.Params[n.Name]
		if !ok {
			return Null(), nil
		}
		return v, nil
	case *VarRef:
		v, ok := ctx.Row[n.Name]
		if !ok {
			return Null(), fmt.Errorf("%w: %s", ErrUndefinedVariable, n.Name)
		}
		return v, nil
	case *ListLiteral:
		items := make([]Value, len(n.Items))
		for i, it := range n.Items {
			v, err := Eval(it, ctx)
			if err != nil {
				return Null(), err
			}
			items[i] = v
		}
		return List(items), nil
	case *MapLiteral:
		vals := make(map[string]Value, len(n.Keys))
		for i, k := range n.Keys {
			v, err := Eval(n.Values[i], ctx)
			if err != nil {
				return Null(), err
			}
			vals[k] = v
		}
		return Map(append([]string(nil), n.Keys...), vals), nil
	case *PropertyAccess:
		return evalPropertyAccess(n, ctx)
	case *FunctionCall:
		return evalFunctionCall(n, ctx)
	case *BinaryExpr:
		return evalBinary(n, ctx)
	case *UnaryExpr:
		return evalUnary(n, ctx)
	case *CaseExpr:
		return evalCase(n, ctx)
	case *ListComprehension:
		return evalListComprehension(n, ctx)
	case *Quantifier:
		return evalQuantifier(n, ctx)
	case *ExistsSubquery:
		return Null(), fmt.Errorf("%w: EXISTS {} subqueries", ErrNotImplemented)
	}
	return Null(), fmt.Errorf("%w: unsupported expression %T", ErrNotImplemented, e)
}

func evalPropertyAccess(n *PropertyAccess, ctx *EvalContext) (Value, error) {
	target, err := Eval(n.Target, ctx)
	if err != nil {
		return Null(), err
	}
	switch {
	case target.IsNull():
		return Null(), nil
	case target.IsMap():
		v, ok := target.MapGet(n.Property)
		if !ok {
			return Null(), nil
		}
		return v, nil
	case target.IsNode():
		nv := target.NodeVal()
		if v, ok := nv.Props[n.Property]; ok {
			return v, nil
		}
		return Null(), nil
	case target.IsRel():
		rv := target.RelVal()
		if v, ok := rv.Props[n.Property]; ok {
			return v, nil
		}
		return Null(), nil
	}
	return Null(), fmt.Errorf("%w: cannot access property %q of a %s", ErrInvalidArgumentType, n.Property, target.TypeName())
}

func evalUnary(n *UnaryExpr, ctx *EvalContext) (Value, error) {
	switch n.Op {
	case "IS NULL":
		v, err := Eval(n.Expr, ctx)
		if err != nil {
			return Null(), err
		}
		return Bool(v.IsNull()), nil
	case "IS NOT NULL":
		v, err := Eval(n.Expr, ctx)
		if err != nil {
			return Null(), err
		}
		return Bool(!v.IsNull()), nil
	case "NOT":
		v, err := Eval(n.Expr, ctx)
		if err != nil {
			return Null(), err
		}
		b, known := Truthy(v)
		if !known {
			return Null(), nil
		}
		return Bool(!b), nil
	case "-":
		v, err := Eval(n.Expr, ctx)
		if err != nil {
			return Null(), err
		}
		if v.IsNull() {
			return Null(), nil
		}
		if !v.IsNumber() {
			return Null(), fmt.Errorf("%w: unary '-' requires a number, got %s", ErrInvalidArgumentType, v.TypeName())
		}
		if v.IsInt() {
			return Int(-v.Int()), nil
		}
		return Float(-v.Float()), nil
	}
	return Null(), fmt.Errorf("%w: unknown unary operator %q", ErrNotImplemented, n.Op)
}

func evalBinary(n *BinaryExpr, ctx *EvalContext) (Value, error) {
	switch n.Op {
	case "AND":
		return evalAnd(n, ctx)
	case "OR":
		return evalOr(n, ctx)
	case "XOR":
		l, err := Eval(n.Left, ctx)
		if err != nil {
			return Null(), err
		}
		r, err := Eval(n.Right, ctx)
		if err != nil {
			return Null(), err
		}
		lb, lk := Truthy(l)
		rb, rk := Truthy(r)
		if !lk || !rk {
			return Null(), nil
		}
		return Bool(lb != rb), nil
	}

	l, err := Eval(n.Left, ctx)
	if err != nil {
		return Null(), err
	}
	r, err := Eval(n.Right, ctx)
	if err != nil {
		return Null(), err
	}

	switch n.Op {
	case "=":
		res, known := Equal(l, r)
		if !known {
			return Null(), nil
		}
		return Bool(res), nil
	case "<>":
		res, known := Equal(l, r)
		if !known {
			return Null(), nil
		}
		return Bool(!res), nil
	case "<", "<=", ">", ">=":
		if l.IsNull() || r.IsNull() {
			return Null(), nil
		}
		c := Compare(l, r)
		switch n.Op {
		case "<":
			return Bool(c < 0), nil
		case "<=":
			return Bool(c <= 0), nil
		case ">":
			return Bool(c > 0), nil
		default:
			return Bool(c >= 0), nil
		}
	case "IN":
		return evalIn(l, r)
	case "STARTS WITH", "ENDS WITH", "CONTAINS":
		return evalStringPredicate(n.Op, l, r)
	case "+", "-", "*", "/", "%", "^":
		return evalArith(n.Op, l, r)
	}
	return Null(), fmt.Errorf("%w: unknown binary operator %q", ErrNotImplemented, n.Op)
}

func evalAnd(n *BinaryExpr, ctx *EvalContext) (Value, error) {
	l, err := Eval(n.Left, ctx)
	if err != nil {
		return Null(), err
	}
	lb, lk := Truthy(l)
	if lk && !lb {
		return Bool(false), nil
	}
	r, err := Eval(n.Right, ctx)
	if err != nil {
		return Null(), err
	}
	rb, rk := Truthy(r)
	if rk && !rb {
		return Bool(false), nil
	}
	if lk && rk {
		return Bool(true), nil
	}
	return Null(), nil
}

func evalOr(n *BinaryExpr, ctx *EvalContext) (Value, error) {
	l, err := Eval(n.Left, ctx)
	if err != nil {
		return Null(), err
	}
	lb, lk := Truthy(l)
	if lk && lb {
		return Bool(true), nil
	}
	r, err := Eval(n.Right, ctx)
	if err != nil {
		return Null(), err
	}
	rb, rk := Truthy(r)
	if rk && rb {
		return Bool(true), nil
	}
	if lk && rk {
		return Bool(false), nil
	}
	return Null(), nil
}

// evalIn implements Cypher's three-valued IN: true if found, false only if
// every element compared unequal with a *known* result, null if any
// comparison was unknown (i.e. the list contains null and no true match
// was found).
func evalIn(needle, haystack Value) (Value, error) {
	if haystack.IsNull() {
		return Null(), nil
	}
	if !haystack.IsList() {
		return Null(), fmt.Errorf("%w: IN requires a list, got %s", ErrInvalidArgumentType, haystack.TypeName())
	}
	sawUnknown := false
	for _, item := range haystack.ListItems() {
		res, known := Equal(needle, item)
		if !known {
			sawUnknown = true
			continue
		}
		if res {
			return Bool(true), nil
		}
	}
	if sawUnknown {
		return Null(), nil
	}
	return Bool(false), nil
}

func evalStringPredicate(op string, l, r Value) (Value, error) {
	if l.IsNull() || r.IsNull() {
		return Null(), nil
	}
	if !l.IsString() || !r.IsString() {
		return Null(), fmt.Errorf("%w: %s requires strings, got %s and %s", ErrInvalidArgumentType, op, l.TypeName(), r.TypeName())
	}
	switch op {
	case "STARTS WITH":
		return Bool(len(l.Str()) >= len(r.Str()) && l.Str()[:len(r.Str())] == r.Str()), nil
	case "ENDS WITH":
		return Bool(len(l.Str()) >= len(r.Str()) && l.Str()[len(l.Str())-len(r.Str()):] == r.Str()), nil
	case "CONTAINS":
		return Bool(containsSubstring(l.Str(), r.Str())), nil
	}
	return Null(), fmt.Errorf("%w: unknown string predicate %q", ErrNotImplemented, op)
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// evalArith implements arithmetic with int/float promotion: two ints stay
// an int for every operator except "^", which always promotes to float; in
// particular "/" on two integers truncates toward zero and stays an
// integer, as in openCypher. Integer overflow on + - * promotes the result
// to float rather than wrapping: a silently wrapped integer is worse than a
// representable float approximation. Two durations can be added or
// subtracted.
func evalArith(op string, l, r Value) (Value, error) {
	if l.IsString() && r.IsString() && op == "+" {
		return String(l.Str() + r.Str()), nil
	}
	if l.IsList() && op == "+" {
		if r.IsList() {
			return List(append(append([]Value(nil), l.ListItems()...), r.ListItems()...)), nil
		}
		return List(append(append([]Value(nil), l.ListItems()...), r)), nil
	}
	if l.IsNull() || r.IsNull() {
		return Null(), nil
	}
	if l.kind == kindDuration && r.kind == kindDuration {
		switch op {
		case "+":
			return DurationValue(l.dur.Add(r.dur)), nil
		case "-":
			return DurationValue(l.dur.Sub(r.dur)), nil
		}
	}
	if !l.IsNumber() || !r.IsNumber() {
		return Null(), fmt.Errorf("%w: arithmetic requires numbers, got %s and %s", ErrInvalidArgumentType, l.TypeName(), r.TypeName())
	}

	if op == "^" {
		return Float(math.Pow(l.AsFloat64(), r.AsFloat64())), nil
	}

	if l.IsInt() && r.IsInt() {
		a, b := l.Int(), r.Int()
		switch op {
		case "+":
			sum := a + b
			if (b > 0 && sum < a) || (b < 0 && sum > a) {
				return Float(float64(a) + float64(b)), nil
			}
			return Int(sum), nil
		case "-":
			diff := a - b
			if (b < 0 && diff < a) || (b > 0 && diff > a) {
				return Float(float64(a) - float64(b)), nil
			}
			return Int(diff), nil
		case "*":
			if a == 0 || b == 0 {
				return Int(0), nil
			}
			prod := a * b
			if prod/b != a || (a == math.MinInt64 && b == -1) {
				return Float(float64(a) * float64(b)), nil
			}
			return Int(prod), nil
		case "/":
			if b == 0 {
				return Null(), fmt.Errorf("%w: division by zero", ErrInvalidArgumentValue)
			}
			return Int(a / b), nil
		case "%":
			if b == 0 {
				return Null(), fmt.Errorf("%w: modulo by zero", ErrInvalidArgumentValue)
			}
			return Int(a % b), nil
		}
	}

	af, bf := l.AsFloat64(), r.AsFloat64()
	switch op {
	case "+":
		return Float(af + bf), nil
	case "-":
		return Float(af - bf), nil
	case "*":
		return Float(af * bf), nil
	case "/":
		return Float(af / bf), nil
	case "%":
		return Float(math.Mod(af, bf)), nil
	}
	return Null(), fmt.Errorf("%w: unknown arithmetic operator %q", ErrNotImplemented, op)
}

func evalCase(n *CaseExpr, ctx *EvalContext) (Value, error) {
	if n.Test != nil {
		testVal, err := Eval(n.Test, ctx)
		if err != nil {
			return Null(), err
		}
		for _, w := range n.Whens {
			whenVal, err := Eval(w.Cond, ctx)
			if err != nil {
				return Null(), err
			}
			res, known := Equal(testVal, whenVal)
			if known && res {
				return Eval(w.Then, ctx)
			}
		}
	} else {
		for _, w := range n.Whens {
			condVal, err := Eval(w.Cond, ctx)
			if err != nil {
				return Null(), err
			}
			b, known := Truthy(condVal)
			if known && b {
				return Eval(w.Then, ctx)
			}
		}
	}
	if n.Else != nil {
		return Eval(n.Else, ctx)
	}
	return Null(), nil
}

func evalListComprehension(n *ListComprehension, ctx *EvalContext) (Value, error) {
	listVal, err := Eval(n.List, ctx)
	if err != nil {
		return Null(), err
	}
	if !listVal.IsList() {
		if listVal.IsNull() {
			return Null(), nil
		}
		return Null(), fmt.Errorf("%w: list comprehension requires a list, got %s", ErrInvalidArgumentType, listVal.TypeName())
	}
	var out []Value
	for _, item := range listVal.ListItems() {
		inner := ctx.Row.clone()
		inner[n.Variable] = item
		innerCtx := &EvalContext{Row: inner, Params: ctx.Params, Snapshot: ctx.Snapshot}
		if n.Filter != nil {
			fv, err := Eval(n.Filter, innerCtx)
			if err != nil {
				return Null(), err
			}
			b, known := Truthy(fv)
			if !known || !b {
				continue
			}
		}
		if n.Project != nil {
			pv, err := Eval(n.Project, innerCtx)
			if err != nil {
				return Null(), err
			}
			out = append(out, pv)
		} else {
			out = append(out, item)
		}
	}
	return List(out), nil
}

func evalQuantifier(n *Quantifier, ctx *EvalContext) (Value, error) {
	listVal, err := Eval(n.List, ctx)
	if err != nil {
		return Null(), err
	}
	if !listVal.IsList() {
		if listVal.IsNull() {
			return Null(), nil
		}
		return Null(), fmt.Errorf("%w: quantifier requires a list, got %s", ErrInvalidArgumentType, listVal.TypeName())
	}
	items := listVal.ListItems()
	switch n.Kind {
	case "all":
		for _, item := range items {
			b, known, err := evalQuantifierPredicate(n, item, ctx)
			if err != nil {
				return Null(), err
			}
			if !known || !b {
				return Bool(false), nil
			}
		}
		return Bool(true), nil
	case "any":
		for _, item := range items {
			b, known, err := evalQuantifierPredicate(n, item, ctx)
			if err != nil {
				return Null(), err
			}
			if known && b {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	case "none":
		for _, item := range items {
			b, known, err := evalQuantifierPredicate(n, item, ctx)
			if err != nil {
				return Null(), err
			}
			if known && b {
				return Bool(false), nil
			}
		}
		return Bool(true), nil
	case "single":
		count := 0
		for _, item := range items {
			b, known, err := evalQuantifierPredicate(n, item, ctx)
			if err != nil {
				return Null(), err
			}
			if known && b {
				count++
			}
		}
		return Bool(count == 1), nil
	}
	return Null(), fmt.Errorf("%w: unknown quantifier %q", ErrNotImplemented, n.Kind)
}

func evalQuantifierPredicate(n *Quantifier, item Value, ctx *EvalContext) (bool, bool, error) {
	inner := ctx.Row.clone()
	inner[n.Variable] = item
	innerCtx := &EvalContext{Row: inner, Params: ctx.Params, Snapshot: ctx.Snapshot}
	if n.Predicate == nil {
		b, known := Truthy(item)
		return b, known, nil
	}
	v, err := Eval(n.Predicate, innerCtx)
	if err != nil {
		return false, false, err
	}
	b, known := Truthy(v)
	return b, known, nil
}
