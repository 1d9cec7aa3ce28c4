package cypher

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// kind discriminates the runtime Value variants the evaluator works with.
// It is a superset of storage.ValueTag: NervusDB's query layer additionally
// materializes Node, Relationship and Path entities that never appear in a
// stored property.
type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindDuration
	kindDate
	kindList
	kindMap
	kindNode
	kindRel
	kindPath
)

// Value is the runtime value the expression evaluator and the operators
// produce and consume. Unlike storage.Value it can carry a materialized
// Node or Relationship (with its own property map resolved from a
// Snapshot), and it knows how to compare/order/hash per Cypher's rules
// rather than the storage layer's strict bit-for-bit equality.
type Value struct {
	kind kind

	b   bool
	i   int64
	f   float64
	s   string

	list []Value
	keys []string
	vals map[string]Value

	dur Duration

	node *NodeValue
	rel  *RelValue
	path *PathValue

	// usedEdgeSet is internal bookkeeping the expand operators stash in a
	// row under a reserved key (never a user-visible variable) to enforce
	// pattern-wide edge uniqueness; it is not a real Cypher value kind.
	usedEdgeSet map[storage.EdgeKey]bool
}

// NodeValue is a materialized node: identity plus the property map and
// label set resolved at read time from a Snapshot.
type NodeValue struct {
	ID         storage.InternalNodeId
	ExternalID storage.ExternalId
	Labels     []string
	Props      map[string]Value
}

// RelValue is a materialized relationship.
type RelValue struct {
	Key   storage.EdgeKey
	Type  string
	Props map[string]Value
}

// PathValue is an alternating Node/Rel/Node/... walk produced by pattern
// matching; path variables bind to this.
type PathValue struct {
	Nodes []NodeValue
	Rels  []RelValue
}

func Null() Value              { return Value{kind: kindNull} }
func Bool(b bool) Value        { return Value{kind: kindBool, b: b} }
func Int(i int64) Value        { return Value{kind: kindInt, i: i} }
func Float(f float64) Value    { return Value{kind: kindFloat, f: f} }
func String(s string) Value    { return Value{kind: kindString, s: s} }
func List(vs []Value) Value    { return Value{kind: kindList, list: vs} }
func DurationValue(d Duration) Value { return Value{kind: kindDuration, dur: d} }
func Node(n *NodeValue) Value  { return Value{kind: kindNode, node: n} }
func Rel(r *RelValue) Value    { return Value{kind: kindRel, rel: r} }
func Path(p *PathValue) Value  { return Value{kind: kindPath, path: p} }

func Map(keys []string, vals map[string]Value) Value {
	return Value{kind: kindMap, keys: keys, vals: vals}
}

func (v Value) IsNull() bool  { return v.kind == kindNull }
func (v Value) IsBool() bool  { return v.kind == kindBool }
func (v Value) IsInt() bool   { return v.kind == kindInt }
func (v Value) IsFloat() bool { return v.kind == kindFloat }
func (v Value) IsNumber() bool { return v.kind == kindInt || v.kind == kindFloat }
func (v Value) IsString() bool { return v.kind == kindString }
func (v Value) IsList() bool   { return v.kind == kindList }
func (v Value) IsMap() bool    { return v.kind == kindMap }
func (v Value) IsNode() bool   { return v.kind == kindNode }
func (v Value) IsRel() bool    { return v.kind == kindRel }
func (v Value) IsPath() bool   { return v.kind == kindPath }

func (v Value) Bool() bool          { return v.b }
func (v Value) Int() int64          { return v.i }
func (v Value) Float() float64      { return v.f }
func (v Value) Str() string         { return v.s }
func (v Value) ListItems() []Value  { return v.list }
func (v Value) MapKeys() []string   { return v.keys }
func (v Value) NodeVal() *NodeValue { return v.node }
func (v Value) RelVal() *RelValue   { return v.rel }
func (v Value) PathVal() *PathValue { return v.path }
func (v Value) DurationVal() Duration { return v.dur }

// MapGet reads a key from a map Value.
func (v Value) MapGet(key string) (Value, bool) {
	val, ok := v.vals[key]
	return val, ok
}

// AsFloat64 widens an int or float Value to float64; callers must check
// IsNumber first.
func (v Value) AsFloat64() float64 {
	if v.kind == kindInt {
		return float64(v.i)
	}
	return v.f
}

// TypeName returns the Cypher type name used in InvalidArgumentType
// messages.
func (v Value) TypeName() string {
	switch v.kind {
	case kindNull:
		return "Null"
	case kindBool:
		return "Boolean"
	case kindInt:
		return "Integer"
	case kindFloat:
		return "Float"
	case kindString:
		return "String"
	case kindDuration:
		return "Duration"
	case kindDate:
		return "Date"
	case kindList:
		return "List"
	case kindMap:
		return "Map"
	case kindNode:
		return "Node"
	case kindRel:
		return "Relationship"
	case kindPath:
		return "Path"
	}
	return "Unknown"
}

// ValueFromStorage converts a storage.Value (as read from a property map)
// into the query layer's runtime Value.
func ValueFromStorage(sv storage.Value) Value {
	switch sv.Tag {
	case storage.TagNull:
		return Null()
	case storage.TagBool:
		return Bool(sv.B)
	case storage.TagInt:
		return Int(sv.I)
	case storage.TagFloat:
		return Float(sv.F)
	case storage.TagString:
		return String(sv.S)
	case storage.TagDateTime:
		return DurationValue(Duration{Microseconds: sv.I})
	case storage.TagBlob:
		return String(string(sv.Blob))
	case storage.TagList:
		items := make([]Value, len(sv.List))
		for i, e := range sv.List {
			items[i] = ValueFromStorage(e)
		}
		return List(items)
	case storage.TagMap:
		if sv.Map == nil {
			return Map(nil, map[string]Value{})
		}
		keys := append([]string(nil), sv.Map.Keys()...)
		vals := make(map[string]Value, len(keys))
		for _, k := range keys {
			raw, _ := sv.Map.Get(k)
			vals[k] = ValueFromStorage(raw)
		}
		return Map(keys, vals)
	}
	return Null()
}

// ValueToStorage converts a runtime Value back to storage.Value for
// persisting as a node/edge property. Node, Relationship and Path values
// cannot be stored and are rejected here with InvalidArgumentType.
func ValueToStorage(v Value) (storage.Value, error) {
	switch v.kind {
	case kindNull:
		return storage.NullValue(), nil
	case kindBool:
		return storage.BoolValue(v.b), nil
	case kindInt:
		return storage.IntValue(v.i), nil
	case kindFloat:
		return storage.FloatValue(v.f), nil
	case kindString:
		return storage.StringValue(v.s), nil
	case kindDuration:
		return storage.DateTimeValue(v.dur.Microseconds), nil
	case kindList:
		out := make([]storage.Value, len(v.list))
		for i, e := range v.list {
			sv, err := ValueToStorage(e)
			if err != nil {
				return storage.Value{}, err
			}
			out[i] = sv
		}
		return storage.ListValue(out), nil
	case kindMap:
		m := storage.NewOrderedMap()
		for _, k := range v.keys {
			sv, err := ValueToStorage(v.vals[k])
			if err != nil {
				return storage.Value{}, err
			}
			m.Set(k, sv)
		}
		return storage.MapValue(m), nil
	}
	return storage.Value{}, fmt.Errorf("%w: cannot store a %s as a property", ErrInvalidArgumentType, v.TypeName())
}

// typeRank orders Cypher's types for comparison purposes per the standard
// "Ordering" rule: Map < Node < Relationship < Path < List < String <
// Boolean < Number < Null, with Null sorting last (and equal to nothing but itself).
func typeRank(v Value) int {
	switch v.kind {
	case kindMap:
		return 0
	case kindNode:
		return 1
	case kindRel:
		return 2
	case kindPath:
		return 3
	case kindList:
		return 4
	case kindString:
		return 5
	case kindBool:
		return 6
	case kindInt, kindFloat, kindDuration, kindDate:
		return 7
	case kindNull:
		return 8
	}
	return 9
}

// Equal implements Cypher's type-aware equality: values of genuinely
// different types (other than the numeric int/float pair) are unequal
// rather than an error; either side being null yields three-valued
// unknown, represented by the second return value being false.
func Equal(a, b Value) (result bool, known bool) {
	if a.kind == kindNull || b.kind == kindNull {
		return false, false
	}
	if a.IsNumber() && b.IsNumber() {
		return numEqual(a, b), true
	}
	if a.kind != b.kind {
		return false, true
	}
	switch a.kind {
	case kindBool:
		return a.b == b.b, true
	case kindString:
		return a.s == b.s, true
	case kindDuration:
		return a.dur.Microseconds == b.dur.Microseconds, true
	case kindList:
		if len(a.list) != len(b.list) {
			return false, true
		}
		allKnown := true
		for i := range a.list {
			r, k := Equal(a.list[i], b.list[i])
			if !k {
				allKnown = false
				continue
			}
			if !r {
				return false, true
			}
		}
		return allKnown, allKnown
	case kindMap:
		if len(a.keys) != len(b.keys) {
			return false, true
		}
		allKnown := true
		for _, k := range a.keys {
			bv, ok := b.vals[k]
			if !ok {
				return false, true
			}
			r, known := Equal(a.vals[k], bv)
			if !known {
				allKnown = false
				continue
			}
			if !r {
				return false, true
			}
		}
		return allKnown, allKnown
	case kindNode:
		return a.node.ID == b.node.ID, true
	case kindRel:
		return a.rel.Key == b.rel.Key, true
	}
	return false, true
}

func numEqual(a, b Value) bool {
	if a.kind == kindInt && b.kind == kindInt {
		return a.i == b.i
	}
	return a.AsFloat64() == b.AsFloat64()
}

// Compare implements Cypher's ORDER BY total ordering across all types:
// numbers compare numerically, strings lexically by byte
// value, booleans false<true, lists/maps element-wise, and incomparable
// types fall back to typeRank. Compare never reports "unknown" — ORDER BY
// needs a total order even across null, which sorts last.
func Compare(a, b Value) int {
	if a.kind == kindNull && b.kind == kindNull {
		return 0
	}
	if a.kind == kindNull {
		return 1
	}
	if b.kind == kindNull {
		return -1
	}
	if a.IsNumber() && b.IsNumber() {
		af, bf := a.AsFloat64(), b.AsFloat64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.kind {
	case kindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case kindString:
		return strings.Compare(a.s, b.s)
	case kindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return len(a.list) - len(b.list)
	case kindMap:
		ak := append([]string(nil), a.keys...)
		bk := append([]string(nil), b.keys...)
		sort.Strings(ak)
		sort.Strings(bk)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(a.vals[ak[i]], b.vals[bk[i]]); c != 0 {
				return c
			}
		}
		return len(ak) - len(bk)
	case kindDuration:
		if a.dur.Microseconds == b.dur.Microseconds {
			return 0
		}
		if a.dur.Microseconds < b.dur.Microseconds {
			return -1
		}
		return 1
	}
	return 0
}

// Truthy implements Cypher's three-valued boolean coercion used by WHERE
// and boolean operators: true/false pass through, everything else
// (including numbers and strings) is "unknown", modeled as false with
// known=false.
func Truthy(v Value) (result bool, known bool) {
	if v.kind == kindBool {
		return v.b, true
	}
	if v.kind == kindNull {
		return false, false
	}
	return false, false
}

// hashKey produces a comparable Go value suitable as a map key, used by
// DISTINCT and UNION's dedup passes. It panics on Node/Relationship/Path
// only if their identity fields can't be represented, which never
// happens in practice (InternalNodeId/EdgeKey are already comparable).
func hashKey(v Value) any {
	switch v.kind {
	case kindNull:
		return nil
	case kindBool:
		return v.b
	case kindInt:
		return v.i
	case kindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f)
		}
		return v.f
	case kindString:
		return v.s
	case kindDuration:
		return v.dur.Microseconds
	case kindNode:
		return v.node.ID
	case kindRel:
		return v.rel.Key
	case kindList:
		parts := make([]any, len(v.list))
		for i, e := range v.list {
			parts[i] = hashKey(e)
		}
		return fmt.Sprintf("%v", parts)
	case kindMap:
		return fmt.Sprintf("%v:%v", v.keys, v.vals)
	}
	return v
}
