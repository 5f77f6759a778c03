// Package value implements the structured property values stored by the
// memory tiers: a small tagged variant covering the JSON data model.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is an immutable structured value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  Map
}

// Map is a string-keyed collection of values.
type Map map[string]Value

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Int(n int64) Value { return Value{kind: KindNumber, num: float64(n)} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

func Object(m Map) Value {
	if m == nil {
		m = Map{}
	}
	return Value{kind: KindMap, obj: m}
}

// Strings builds an array value of strings.
func Strings(items ...string) Value {
	out := make([]Value, 0, len(items))
	for _, s := range items {
		out = append(out, String(s))
	}
	return Array(out...)
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Boolean() bool { return v.b }
func (v Value) Items() []Value { return v.arr }
func (v Value) Fields() Map { return v.obj }

// Scalar renders string, number and bool values as text. Composite and null
// values report false.
func (v Value) Scalar() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// MapStrings rewrites every string leaf with fn. Map keys are kept as is.
func (v Value) MapStrings(fn func(string) string) Value {
	switch v.kind {
	case KindString:
		return String(fn(v.str))
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.MapStrings(fn)
		}
		return Array(out...)
	case KindMap:
		return Object(v.obj.MapStrings(fn))
	default:
		return v
	}
}

// Walk calls fn for every scalar leaf in depth-first order. Map entries are
// visited in key order.
func (v Value) Walk(fn func(leaf Value)) {
	switch v.kind {
	case KindArray:
		for _, item := range v.arr {
			item.Walk(fn)
		}
	case KindMap:
		v.obj.Walk(fn)
	case KindNull:
	default:
		fn(v)
	}
}

// Text flattens all scalar leaves into a space separated string.
func (v Value) Text() string {
	var parts []string
	v.Walk(func(leaf Value) {
		if s, ok := leaf.Scalar(); ok {
			parts = append(parts, s)
		}
	})
	return strings.Join(parts, " ")
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	default:
		return v.obj.Equal(o.obj)
	}
}

func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromAny converts decoded JSON style Go values (and common scalar types)
// into a Value.
func FromAny(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []string:
		return Strings(t...), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Array(items...), nil
	case map[string]interface{}:
		m, err := MapFromAny(t)
		if err != nil {
			return Value{}, err
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// MapFromAny converts a decoded JSON object.
func MapFromAny(raw map[string]interface{}) (Map, error) {
	out := make(Map, len(raw))
	for k, item := range raw {
		v, err := FromAny(item)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Map) MapStrings(fn func(string) string) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.MapStrings(fn)
	}
	return out
}

func (m Map) Walk(fn func(leaf Value)) {
	for _, k := range m.Keys() {
		m[k].Walk(fn)
	}
}

// Text flattens the map values into a space separated string.
func (m Map) Text() string {
	return Object(m).Text()
}

func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Has reports whether key is present with a non-null value.
func (m Map) Has(key string) bool {
	v, ok := m[key]
	return ok && !v.IsNull()
}

// Only returns the subset of m whose keys are listed.
func (m Map) Only(keys []string) Map {
	out := make(Map, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}
