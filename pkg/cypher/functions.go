package cypher

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// aggregateFunctions names the functions the planner must recognize as
// aggregates (they collapse a group of rows into one) rather than
// per-row scalar functions. Calling one of these anywhere it is evaluated
// row by row (e.g. in WHERE) fails with InvalidAggregation when the call is
// evaluated, not at planning time. In a RETURN/WITH projection the
// non-aggregate items become grouping keys.
var aggregateFunctions = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"collect": true, "percentilecont": true, "percentiledisc": true,
	"stdev": true, "stdevp": true,
}

func IsAggregateFunction(name string) bool {
	return aggregateFunctions[strings.ToLower(name)]
}

func evalFunctionCall(n *FunctionCall, ctx *EvalContext) (Value, error) {
	name := strings.ToLower(n.Name)
	if name == "__index__" {
		return evalIndex(n, ctx)
	}
	if IsAggregateFunction(name) {
		return Null(), fmt.Errorf("%w: aggregate function %s() used outside of aggregation context", ErrInvalidAggregation, name)
	}
	args := make([]Value, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, ctx)
		if err != nil {
			return Null(), err
		}
		args[i] = v
	}
	fn, ok := scalarFunctions[name]
	if !ok {
		return Null(), fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn(args, ctx)
}

func evalIndex(n *FunctionCall, ctx *EvalContext) (Value, error) {
	target, err := Eval(n.Args[0], ctx)
	if err != nil {
		return Null(), err
	}
	idx, err := Eval(n.Args[1], ctx)
	if err != nil {
		return Null(), err
	}
	if target.IsNull() || idx.IsNull() {
		return Null(), nil
	}
	switch {
	case target.IsList():
		if !idx.IsInt() {
			return Null(), fmt.Errorf("%w: list index must be an integer, got %s", ErrInvalidArgumentType, idx.TypeName())
		}
		items := target.ListItems()
		i := idx.Int()
		if i < 0 {
			i += int64(len(items))
		}
		if i < 0 || i >= int64(len(items)) {
			return Null(), nil
		}
		return items[i], nil
	case target.IsMap():
		if !idx.IsString() {
			return Null(), fmt.Errorf("%w: map index must be a string, got %s", ErrInvalidArgumentType, idx.TypeName())
		}
		v, ok := target.MapGet(idx.Str())
		if !ok {
			return Null(), nil
		}
		return v, nil
	}
	return Null(), fmt.Errorf("%w: cannot index a %s", ErrInvalidArgumentType, target.TypeName())
}

type scalarFunc func(args []Value, ctx *EvalContext) (Value, error)

var scalarFunctions map[string]scalarFunc

func init() {
	scalarFunctions = map[string]scalarFunc{
		"coalesce": func(args []Value, ctx *EvalContext) (Value, error) {
			for _, a := range args {
				if !a.IsNull() {
					return a, nil
				}
			}
			return Null(), nil
		},
		"tointeger":   func(args []Value, ctx *EvalContext) (Value, error) { return toInteger(arg0(args)) },
		"tofloat":     func(args []Value, ctx *EvalContext) (Value, error) { return toFloatFn(arg0(args)) },
		"tostring":    func(args []Value, ctx *EvalContext) (Value, error) { return toStringFn(arg0(args)), nil },
		"toboolean":   func(args []Value, ctx *EvalContext) (Value, error) { return toBooleanFn(arg0(args)) },
		"labels":      func(args []Value, ctx *EvalContext) (Value, error) { return labelsFn(arg0(args)) },
		"type":        func(args []Value, ctx *EvalContext) (Value, error) { return typeFn(arg0(args)) },
		"id":          func(args []Value, ctx *EvalContext) (Value, error) { return idFn(arg0(args)) },
		"properties":  func(args []Value, ctx *EvalContext) (Value, error) { return propertiesFn(arg0(args)) },
		"keys":        func(args []Value, ctx *EvalContext) (Value, error) { return keysFn(arg0(args)) },
		"size":        func(args []Value, ctx *EvalContext) (Value, error) { return sizeFn(arg0(args)) },
		"length":      func(args []Value, ctx *EvalContext) (Value, error) { return lengthFn(arg0(args)) },
		"head":        func(args []Value, ctx *EvalContext) (Value, error) { return headFn(arg0(args)) },
		"last":        func(args []Value, ctx *EvalContext) (Value, error) { return lastFn(arg0(args)) },
		"tail":        func(args []Value, ctx *EvalContext) (Value, error) { return tailFn(arg0(args)) },
		"reverse":     func(args []Value, ctx *EvalContext) (Value, error) { return reverseFn(arg0(args)) },
		"range":       rangeFn,
		"abs":         func(args []Value, ctx *EvalContext) (Value, error) { return absFn(arg0(args)) },
		"ceil":        func(args []Value, ctx *EvalContext) (Value, error) { return mathFn(arg0(args), math.Ceil) },
		"floor":       func(args []Value, ctx *EvalContext) (Value, error) { return mathFn(arg0(args), math.Floor) },
		"round":       func(args []Value, ctx *EvalContext) (Value, error) { return mathFn(arg0(args), math.Round) },
		"sqrt":        func(args []Value, ctx *EvalContext) (Value, error) { return mathFn(arg0(args), math.Sqrt) },
		"sign":        signFn,
		"toupper":     func(args []Value, ctx *EvalContext) (Value, error) { return stringMapFn(arg0(args), strings.ToUpper) },
		"tolower":     func(args []Value, ctx *EvalContext) (Value, error) { return stringMapFn(arg0(args), strings.ToLower) },
		"trim":        func(args []Value, ctx *EvalContext) (Value, error) { return stringMapFn(arg0(args), strings.TrimSpace) },
		"ltrim":       func(args []Value, ctx *EvalContext) (Value, error) { return stringMapFn(arg0(args), func(s string) string { return strings.TrimLeft(s, " \t\n\r") }) },
		"rtrim":       func(args []Value, ctx *EvalContext) (Value, error) { return stringMapFn(arg0(args), func(s string) string { return strings.TrimRight(s, " \t\n\r") }) },
		"substring":   substringFn,
		"replace":     replaceFn,
		"split":       splitFn,
		"duration":    durationFn,
		"startnode":   func(args []Value, ctx *EvalContext) (Value, error) { return startNodeFn(arg0(args), ctx) },
		"endnode":     func(args []Value, ctx *EvalContext) (Value, error) { return endNodeFn(arg0(args), ctx) },
		"nodes":       func(args []Value, ctx *EvalContext) (Value, error) { return pathNodesFn(arg0(args)) },
		"relationships": func(args []Value, ctx *EvalContext) (Value, error) { return pathRelsFn(arg0(args)) },
	}
}

func arg0(args []Value) Value {
	if len(args) == 0 {
		return Null()
	}
	return args[0]
}

func toInteger(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsInt():
		return v, nil
	case v.IsFloat():
		return Int(int64(v.Float())), nil
	case v.IsString():
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str()), 10, 64)
		if err != nil {
			return Null(), nil
		}
		return Int(n), nil
	case v.IsBool():
		if v.Bool() {
			return Int(1), nil
		}
		return Int(0), nil
	}
	return Null(), fmt.Errorf("%w: toInteger() cannot convert a %s", ErrInvalidArgumentType, v.TypeName())
}

func toFloatFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsFloat():
		return v, nil
	case v.IsInt():
		return Float(float64(v.Int())), nil
	case v.IsString():
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		if err != nil {
			return Null(), nil
		}
		return Float(f), nil
	}
	return Null(), fmt.Errorf("%w: toFloat() cannot convert a %s", ErrInvalidArgumentType, v.TypeName())
}

func toStringFn(v Value) Value {
	switch {
	case v.IsNull():
		return Null()
	case v.IsString():
		return v
	case v.IsBool():
		return String(strconv.FormatBool(v.Bool()))
	case v.IsInt():
		return String(strconv.FormatInt(v.Int(), 10))
	case v.IsFloat():
		return String(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case v.kind == kindDuration:
		return String(v.DurationVal().String())
	}
	return Null()
}

func toBooleanFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsBool():
		return v, nil
	case v.IsString():
		switch strings.ToLower(v.Str()) {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		default:
			return Null(), nil
		}
	}
	return Null(), fmt.Errorf("%w: toBoolean() cannot convert a %s", ErrInvalidArgumentType, v.TypeName())
}

func labelsFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsNode() {
		return Null(), fmt.Errorf("%w: labels() requires a node, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := make([]Value, len(v.NodeVal().Labels))
	for i, l := range v.NodeVal().Labels {
		items[i] = String(l)
	}
	return List(items), nil
}

func typeFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsRel() {
		return Null(), fmt.Errorf("%w: type() requires a relationship, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	return String(v.RelVal().Type), nil
}

func idFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsNode():
		return Int(int64(v.NodeVal().ID)), nil
	case v.IsRel():
		k := v.RelVal().Key
		return Int(int64(k.Src)<<20 ^ int64(k.Dst) ^ int64(k.Rel)<<40), nil
	}
	return Null(), fmt.Errorf("%w: id() requires a node or relationship, got %s", ErrInvalidArgumentType, v.TypeName())
}

func propertiesFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsNode():
		return mapOfProps(v.NodeVal().Props), nil
	case v.IsRel():
		return mapOfProps(v.RelVal().Props), nil
	case v.IsMap():
		return v, nil
	}
	return Null(), fmt.Errorf("%w: properties() requires a node, relationship, or map, got %s", ErrInvalidArgumentType, v.TypeName())
}

func mapOfProps(props map[string]Value) Value {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Map(keys, props)
}

func keysFn(v Value) (Value, error) {
	pv, err := propertiesFn(v)
	if err != nil {
		return Null(), err
	}
	if pv.IsNull() {
		return Null(), nil
	}
	keys := pv.MapKeys()
	items := make([]Value, len(keys))
	for i, k := range keys {
		items[i] = String(k)
	}
	return List(items), nil
}

func sizeFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsList():
		return Int(int64(len(v.ListItems()))), nil
	case v.IsString():
		return Int(int64(len([]rune(v.Str())))), nil
	}
	return Null(), fmt.Errorf("%w: size() requires a list or string, got %s", ErrInvalidArgumentType, v.TypeName())
}

func lengthFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if v.IsPath() {
		return Int(int64(len(v.PathVal().Rels))), nil
	}
	return sizeFn(v)
}

func headFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsList() {
		return Null(), fmt.Errorf("%w: head() requires a list, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := v.ListItems()
	if len(items) == 0 {
		return Null(), nil
	}
	return items[0], nil
}

func lastFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsList() {
		return Null(), fmt.Errorf("%w: last() requires a list, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := v.ListItems()
	if len(items) == 0 {
		return Null(), nil
	}
	return items[len(items)-1], nil
}

func tailFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsList() {
		return Null(), fmt.Errorf("%w: tail() requires a list, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := v.ListItems()
	if len(items) == 0 {
		return List(nil), nil
	}
	return List(append([]Value(nil), items[1:]...)), nil
}

func reverseFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsString():
		r := []rune(v.Str())
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return String(string(r)), nil
	case v.IsList():
		items := v.ListItems()
		out := make([]Value, len(items))
		for i, e := range items {
			out[len(items)-1-i] = e
		}
		return List(out), nil
	}
	return Null(), fmt.Errorf("%w: reverse() requires a list or string, got %s", ErrInvalidArgumentType, v.TypeName())
}

func rangeFn(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 2 {
		return Null(), fmt.Errorf("%w: range() requires at least 2 arguments", ErrInvalidArgumentValue)
	}
	if args[0].IsNull() || args[1].IsNull() || !args[0].IsInt() || !args[1].IsInt() {
		return Null(), fmt.Errorf("%w: range() requires integer bounds", ErrInvalidArgumentType)
	}
	step := int64(1)
	if len(args) > 2 {
		if !args[2].IsInt() || args[2].Int() == 0 {
			return Null(), fmt.Errorf("%w: range() step must be a nonzero integer", ErrInvalidArgumentValue)
		}
		step = args[2].Int()
	}
	start, end := args[0].Int(), args[1].Int()
	var out []Value
	if step > 0 {
		for i := start; i <= end; i += step {
			out = append(out, Int(i))
		}
	} else {
		for i := start; i >= end; i += step {
			out = append(out, Int(i))
		}
	}
	return List(out), nil
}

func absFn(v Value) (Value, error) {
	switch {
	case v.IsNull():
		return Null(), nil
	case v.IsInt():
		n := v.Int()
		if n < 0 {
			n = -n
		}
		return Int(n), nil
	case v.IsFloat():
		return Float(math.Abs(v.Float())), nil
	}
	return Null(), fmt.Errorf("%w: abs() requires a number, got %s", ErrInvalidArgumentType, v.TypeName())
}

func mathFn(v Value, f func(float64) float64) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsNumber() {
		return Null(), fmt.Errorf("%w: expected a number, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	return Float(f(v.AsFloat64())), nil
}

func signFn(args []Value, ctx *EvalContext) (Value, error) {
	v := arg0(args)
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsNumber() {
		return Null(), fmt.Errorf("%w: sign() requires a number, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	f := v.AsFloat64()
	switch {
	case f > 0:
		return Int(1), nil
	case f < 0:
		return Int(-1), nil
	default:
		return Int(0), nil
	}
}

func stringMapFn(v Value, f func(string) string) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsString() {
		return Null(), fmt.Errorf("%w: expected a string, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	return String(f(v.Str())), nil
}

func substringFn(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 2 {
		return Null(), fmt.Errorf("%w: substring() requires at least 2 arguments", ErrInvalidArgumentValue)
	}
	s := args[0]
	if s.IsNull() {
		return Null(), nil
	}
	if !s.IsString() || !args[1].IsInt() {
		return Null(), fmt.Errorf("%w: substring() requires (string, int[, int])", ErrInvalidArgumentType)
	}
	r := []rune(s.Str())
	start := int(args[1].Int())
	if start < 0 {
		start = 0
	}
	if start > len(r) {
		start = len(r)
	}
	end := len(r)
	if len(args) > 2 {
		if !args[2].IsInt() {
			return Null(), fmt.Errorf("%w: substring() length must be an integer", ErrInvalidArgumentType)
		}
		end = start + int(args[2].Int())
		if end > len(r) {
			end = len(r)
		}
	}
	if end < start {
		end = start
	}
	return String(string(r[start:end])), nil
}

func replaceFn(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 3 {
		return Null(), fmt.Errorf("%w: replace() requires 3 arguments", ErrInvalidArgumentValue)
	}
	if args[0].IsNull() {
		return Null(), nil
	}
	if !args[0].IsString() || !args[1].IsString() || !args[2].IsString() {
		return Null(), fmt.Errorf("%w: replace() requires (string, string, string)", ErrInvalidArgumentType)
	}
	return String(strings.ReplaceAll(args[0].Str(), args[1].Str(), args[2].Str())), nil
}

func splitFn(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 2 {
		return Null(), fmt.Errorf("%w: split() requires 2 arguments", ErrInvalidArgumentValue)
	}
	if args[0].IsNull() {
		return Null(), nil
	}
	if !args[0].IsString() || !args[1].IsString() {
		return Null(), fmt.Errorf("%w: split() requires (string, string)", ErrInvalidArgumentType)
	}
	parts := strings.Split(args[0].Str(), args[1].Str())
	out := make([]Value, len(parts))
	for i, p := range parts {
		out[i] = String(p)
	}
	return List(out), nil
}

func durationFn(args []Value, ctx *EvalContext) (Value, error) {
	v := arg0(args)
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsString() {
		return Null(), fmt.Errorf("%w: duration() requires a string, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	d, err := ParseISODuration(v.Str())
	if err != nil {
		return Null(), err
	}
	return DurationValue(d), nil
}

func startNodeFn(v Value, ctx *EvalContext) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsRel() || ctx.Snapshot == nil {
		return Null(), fmt.Errorf("%w: startNode() requires a relationship, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	return materializeNode(ctx.Snapshot, v.RelVal().Key.Src)
}

func endNodeFn(v Value, ctx *EvalContext) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsRel() || ctx.Snapshot == nil {
		return Null(), fmt.Errorf("%w: endNode() requires a relationship, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	return materializeNode(ctx.Snapshot, v.RelVal().Key.Dst)
}

func pathNodesFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsPath() {
		return Null(), fmt.Errorf("%w: nodes() requires a path, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := make([]Value, len(v.PathVal().Nodes))
	for i := range v.PathVal().Nodes {
		items[i] = Node(&v.PathVal().Nodes[i])
	}
	return List(items), nil
}

func pathRelsFn(v Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsPath() {
		return Null(), fmt.Errorf("%w: relationships() requires a path, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	items := make([]Value, len(v.PathVal().Rels))
	for i := range v.PathVal().Rels {
		items[i] = Rel(&v.PathVal().Rels[i])
	}
	return List(items), nil
}

// materializeNode resolves an InternalNodeId to a full NodeValue by reading
// its labels and properties from the snapshot; used by startNode/endNode
// and by the scan and expand operators.
func materializeNode(snap *storage.Snapshot, id storage.InternalNodeId) (Value, error) {
	ext, _ := snap.ResolveExternal(id)
	var labels []string
	if lbl, ok := snap.NodeLabel(id); ok && lbl != storage.NoLabel {
		if name, ok := snap.LabelName(lbl); ok {
			labels = append(labels, name)
		}
	}
	props, err := snap.NodeProperties(id)
	if err != nil {
		return Null(), err
	}
	propMap := make(map[string]Value, props.Len())
	for _, k := range props.Keys() {
		sv, _ := props.Get(k)
		propMap[k] = ValueFromStorage(sv)
	}
	return Node(&NodeValue{ID: id, ExternalID: ext, Labels: labels, Props: propMap}), nil
}

// materializeRel resolves an EdgeKey to a full RelValue.
func materializeRel(snap *storage.Snapshot, ek storage.EdgeKey) (Value, error) {
	typeName, _ := snap.RelTypeName(ek.Rel)
	props, err := snap.EdgeProperties(ek)
	if err != nil {
		return Null(), err
	}
	propMap := make(map[string]Value, props.Len())
	for _, k := range props.Keys() {
		sv, _ := props.Get(k)
		propMap[k] = ValueFromStorage(sv)
	}
	return Rel(&RelValue{Key: ek, Type: typeName, Props: propMap}), nil
}
