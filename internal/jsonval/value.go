// Package jsonval models arbitrary parsed IaC content as a tagged union.
// All parsers and the condition evaluator operate over Value instead of
// raw interface{} trees, so every access is total and explicit.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is one node of a parsed document. The zero value is null.
// Object values remember key insertion order so tree walks over the
// same document always visit fields in the same order.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
	keys []string
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, num: n} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object builds an object value from alternating key, value pairs,
// preserving the order given.
func Object(pairs ...any) Value {
	v := Value{kind: KindObject, obj: make(map[string]Value, len(pairs)/2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		val, ok := pairs[i+1].(Value)
		if !ok {
			continue
		}
		v.set(key, val)
	}
	return v
}

func (v *Value) set(key string, val Value) {
	if v.obj == nil {
		v.obj = make(map[string]Value)
	}
	if _, exists := v.obj[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Str returns the string content or "" when the value is not a string.
func (v Value) Str() string { return v.str }

func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	}
	return 0
}

func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Null()
	}
	return v.arr[i]
}

func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Keys returns object keys in insertion order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	return v.keys
}

func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[key]
	return val, ok
}

// Field is Get without the presence flag; absent fields read as null.
func (v Value) Field(key string) Value {
	val, _ := v.Get(key)
	return val
}

// Lookup resolves a dotted path such as "acl.grants.0.permission".
// Numeric path segments index into arrays. The second result reports
// whether every segment was present.
func (v Value) Lookup(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindObject:
			next, ok := cur.Get(seg)
			if !ok {
				return Null(), false
			}
			cur = next
		case KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.arr) {
				return Null(), false
			}
			cur = cur.arr[idx]
		default:
			return Null(), false
		}
	}
	return cur, true
}

// Equal reports deep equality. Objects compare by key set and values,
// independent of insertion order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal is the method form of the package-level Equal.
func (v Value) Equal(o Value) bool { return Equal(v, o) }

// Decode parses a JSON document into a Value, preserving object key
// order. Numbers are kept as float64.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Null(), err
	}
	// Trailing garbage after the document is malformed input.
	if dec.More() {
		return Null(), fmt.Errorf("unexpected trailing content")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '{':
			obj := Value{kind: KindObject, obj: make(map[string]Value)}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("object key is not a string")
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				obj.set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Null(), err
			}
			return obj, nil
		case '[':
			arr := Value{kind: KindArray}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				arr.arr = append(arr.arr, item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Null(), err
			}
			return arr, nil
		}
	}
	return Null(), fmt.Errorf("unexpected token %v", tok)
}

// FromInterface converts an already-decoded interface{} tree (such as
// the output of yaml.Unmarshal) into a Value. Map keys are visited in
// sorted order so the result is deterministic.
func FromInterface(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []any:
		arr := Value{kind: KindArray, arr: make([]Value, 0, len(t))}
		for _, item := range t {
			arr.arr = append(arr.arr, FromInterface(item))
		}
		return arr
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := Value{kind: KindObject, obj: make(map[string]Value, len(t))}
		for _, k := range keys {
			obj.set(k, FromInterface(t[k]))
		}
		return obj
	case map[any]any:
		keys := make([]string, 0, len(t))
		byKey := make(map[string]any, len(t))
		for k, val := range t {
			ks := fmt.Sprintf("%v", k)
			keys = append(keys, ks)
			byKey[ks] = val
		}
		sort.Strings(keys)
		obj := Value{kind: KindObject, obj: make(map[string]Value, len(t))}
		for _, k := range keys {
			obj.set(k, FromInterface(byKey[k]))
		}
		return obj
	}
	return Null()
}

// Interface converts the value back into plain Go types for callers
// that hand the tree to encoding/json.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.obj[k].Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON emits object keys in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON allows Value fields inside API payloads.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}
