package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ValueTag is the one-byte discriminator that makes every encoded
// PropertyValue self-describing.
type ValueTag byte

const (
	TagNull ValueTag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagDateTime
	TagBlob
	TagList
	TagMap
)

// OrderedMap is a string-keyed, insertion-ordered map of PropertyValues. Used
// both for node/edge property maps and for the Cypher "map" value kind.
type OrderedMap struct {
	keys   []string
	values map[string]Value
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]Value)}
}

// Set inserts or overwrites key, preserving first-insertion order.
func (m *OrderedMap) Set(key string, v Value) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key if present.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Get returns the value bound to key and whether it is present.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *OrderedMap) Keys() []string {
	return m.keys
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// Clone returns a deep-enough copy (keys slice and value map are copied; Value
// payloads are immutable once constructed so they are shared).
func (m *OrderedMap) Clone() *OrderedMap {
	out := NewOrderedMap()
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// Value is NervusDB's tagged-union property value: null, bool, int64,
// float64, string, datetime (microseconds since epoch), blob, list, or map.
// The zero Value is TagNull.
type Value struct {
	Tag   ValueTag
	B     bool
	I     int64
	F     float64
	S     string
	Blob  []byte
	List  []Value
	Map   *OrderedMap
}

func NullValue() Value             { return Value{Tag: TagNull} }
func BoolValue(b bool) Value       { return Value{Tag: TagBool, B: b} }
func IntValue(i int64) Value       { return Value{Tag: TagInt, I: i} }
func FloatValue(f float64) Value   { return Value{Tag: TagFloat, F: f} }
func StringValue(s string) Value   { return Value{Tag: TagString, S: s} }
func DateTimeValue(us int64) Value { return Value{Tag: TagDateTime, I: us} }
func BlobValue(b []byte) Value     { return Value{Tag: TagBlob, Blob: b} }
func ListValue(vs []Value) Value   { return Value{Tag: TagList, List: vs} }
func MapValue(m *OrderedMap) Value { return Value{Tag: TagMap, Map: m} }

func (v Value) IsNull() bool { return v.Tag == TagNull }

// Equal performs the strict, type-aware structural equality used by the
// property B-tree and by round-trip tests. Cypher's three-valued `=`
// operator is Equal in pkg/cypher/value.go — this is the storage layer's
// bit-for-bit equality, not the query-language operator.
func (v Value) Equal(o Value) bool {
	if v.Tag != o.Tag {
		return false
	}
	switch v.Tag {
	case TagNull:
		return true
	case TagBool:
		return v.B == o.B
	case TagInt:
		return v.I == o.I
	case TagFloat:
		return v.F == o.F || (math.IsNaN(v.F) && math.IsNaN(o.F))
	case TagString:
		return v.S == o.S
	case TagDateTime:
		return v.I == o.I
	case TagBlob:
		if len(v.Blob) != len(o.Blob) {
			return false
		}
		for i := range v.Blob {
			if v.Blob[i] != o.Blob[i] {
				return false
			}
		}
		return true
	case TagList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case TagMap:
		if v.Map.Len() != o.Map.Len() {
			return false
		}
		for _, k := range v.Map.Keys() {
			a, _ := v.Map.Get(k)
			b, ok := o.Map.Get(k)
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Encode serializes a Value to its self-describing binary form: a one-byte
// tag followed by a tag-specific payload. Decode is its
// exact inverse and must reject any truncated or malformed payload rather
// than over-read.
func Encode(v Value) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagNull:
	case TagBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TagInt, TagDateTime:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.I))
		buf = append(buf, tmp[:]...)
	case TagFloat:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.F))
		buf = append(buf, tmp[:]...)
	case TagString:
		buf = appendLenBytes(buf, []byte(v.S))
	case TagBlob:
		buf = appendLenBytes(buf, v.Blob)
	case TagList:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v.List)))
		buf = append(buf, tmp[:]...)
		for _, e := range v.List {
			buf = appendLenBytes(buf, Encode(e))
		}
	case TagMap:
		n := 0
		if v.Map != nil {
			n = v.Map.Len()
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(n))
		buf = append(buf, tmp[:]...)
		if v.Map != nil {
			for _, k := range v.Map.Keys() {
				buf = appendLenBytes(buf, []byte(k))
				val, _ := v.Map.Get(k)
				buf = appendLenBytes(buf, Encode(val))
			}
		}
	}
	return buf
}

func appendLenBytes(buf, data []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(data)))
	buf = append(buf, tmp[:]...)
	return append(buf, data...)
}

// Decode is the exact inverse of Encode. Every recursive step validates
// remaining length before slicing so a truncated or adversarial payload
// fails with ErrCorruption instead of panicking or over-reading.
func Decode(b []byte) (Value, error) {
	v, rest, err := decode(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, fmt.Errorf("%w: trailing bytes after value", ErrCorruption)
	}
	return v, nil
}

func decode(b []byte) (Value, []byte, error) {
	if len(b) < 1 {
		return Value{}, nil, fmt.Errorf("%w: empty value payload", ErrCorruption)
	}
	tag := ValueTag(b[0])
	b = b[1:]
	switch tag {
	case TagNull:
		return NullValue(), b, nil
	case TagBool:
		if len(b) < 1 {
			return Value{}, nil, fmt.Errorf("%w: truncated bool", ErrCorruption)
		}
		return BoolValue(b[0] != 0), b[1:], nil
	case TagInt:
		i, rest, err := readI64(b)
		if err != nil {
			return Value{}, nil, err
		}
		return IntValue(i), rest, nil
	case TagDateTime:
		i, rest, err := readI64(b)
		if err != nil {
			return Value{}, nil, err
		}
		return DateTimeValue(i), rest, nil
	case TagFloat:
		if len(b) < 8 {
			return Value{}, nil, fmt.Errorf("%w: truncated float", ErrCorruption)
		}
		return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(b[:8]))), b[8:], nil
	case TagString:
		data, rest, err := readLenBytes(b)
		if err != nil {
			return Value{}, nil, err
		}
		return StringValue(string(data)), rest, nil
	case TagBlob:
		data, rest, err := readLenBytes(b)
		if err != nil {
			return Value{}, nil, err
		}
		return BlobValue(data), rest, nil
	case TagList:
		if len(b) < 4 {
			return Value{}, nil, fmt.Errorf("%w: truncated list header", ErrCorruption)
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		list := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			elemBytes, rest, err := readLenBytes(b)
			if err != nil {
				return Value{}, nil, err
			}
			elem, err := Decode(elemBytes)
			if err != nil {
				return Value{}, nil, err
			}
			list = append(list, elem)
			b = rest
		}
		return ListValue(list), b, nil
	case TagMap:
		if len(b) < 4 {
			return Value{}, nil, fmt.Errorf("%w: truncated map header", ErrCorruption)
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		m := NewOrderedMap()
		for i := uint32(0); i < n; i++ {
			keyBytes, rest, err := readLenBytes(b)
			if err != nil {
				return Value{}, nil, err
			}
			b = rest
			valBytes, rest2, err := readLenBytes(b)
			if err != nil {
				return Value{}, nil, err
			}
			val, err := Decode(valBytes)
			if err != nil {
				return Value{}, nil, err
			}
			m.Set(string(keyBytes), val)
			b = rest2
		}
		return MapValue(m), b, nil
	default:
		return Value{}, nil, fmt.Errorf("%w: unknown value tag %d", ErrCorruption, tag)
	}
}

func readI64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated int", ErrCorruption)
	}
	return int64(binary.BigEndian.Uint64(b[:8])), b[8:], nil
}

func readLenBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated length prefix", ErrCorruption)
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("%w: length prefix exceeds remaining bytes", ErrCorruption)
	}
	return b[:n], b[n:], nil
}
