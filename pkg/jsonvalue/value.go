// Package jsonvalue provides an open JSON value type for payloads whose shape
// is not under this system's control (webhook responses, n8n execution
// records, stage-specific update data).
//
// A Value is a tagged union over null, bool, number, string, array and
// object. Objects keep their keys in document order, which matters when a
// caller needs "the last node" of an n8n run-data tree.
package jsonvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value
type Kind int

// Value kinds
const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// String returns the JSON type name of the kind
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// Value is an immutable-by-convention JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	arr  []Value
	keys []string
	obj  map[string]Value
}

// NullValue returns the JSON null value
func NullValue() Value { return Value{} }

// BoolValue wraps a bool
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{kind: String, s: s} }

// NumberValue wraps a textual JSON number
func NumberValue(n json.Number) Value { return Value{kind: Number, n: n} }

// IntValue wraps an integer
func IntValue(i int64) Value { return NumberValue(json.Number(strconv.FormatInt(i, 10))) }

// FloatValue wraps a float
func FloatValue(f float64) Value {
	return NumberValue(json.Number(strconv.FormatFloat(f, 'f', -1, 64)))
}

// ArrayValue builds an array from the given elements
func ArrayValue(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)
	return Value{kind: Array, arr: arr}
}

// EmptyObject returns an object with no keys
func EmptyObject() Value {
	return Value{kind: Object, obj: map[string]Value{}}
}

// Kind returns the variant of the value
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == Null }

// IsObject reports whether v is an object
func (v Value) IsObject() bool { return v.kind == Object }

// IsArray reports whether v is an array
func (v Value) IsArray() bool { return v.kind == Array }

// Bool returns the boolean held by v
func (v Value) Bool() (bool, bool) { return v.b, v.kind == Bool }

// Str returns the string held by v
func (v Value) Str() (string, bool) { return v.s, v.kind == String }

// Number returns the number held by v
func (v Value) Number() (json.Number, bool) { return v.n, v.kind == Number }

// Float returns the number held by v as a float64
func (v Value) Float() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := v.n.Float64()
	return f, err == nil
}

// Scalar renders a string, number or bool as a string. Null, arrays and
// objects are not scalars.
func (v Value) Scalar() (string, bool) {
	switch v.kind {
	case String:
		return v.s, true
	case Number:
		return v.n.String(), true
	case Bool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Truthy follows JavaScript truthiness, which is how webhook authors expect
// marker fields like "async" to be read.
func (v Value) Truthy() bool {
	switch v.kind {
	case Null:
		return false
	case Bool:
		return v.b
	case Number:
		f, err := v.n.Float64()
		return err == nil && f != 0
	case String:
		return v.s != ""
	default:
		return true
	}
}

// Len returns the number of elements of an array or keys of an object
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.keys)
	default:
		return 0
	}
}

// Items returns the elements of an array
func (v Value) Items() []Value {
	if v.kind != Array {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

// Index returns the i-th element of an array, or null
func (v Value) Index(i int) Value {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}
	}
	return v.arr[i]
}

// Last returns the final element of a non-empty array
func (v Value) Last() (Value, bool) {
	if v.kind != Array || len(v.arr) == 0 {
		return Value{}, false
	}
	return v.arr[len(v.arr)-1], true
}

// Keys returns the keys of an object in document order
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Get looks up a key of an object
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Field returns the value at key, or null when v is not an object or the key
// is absent
func (v Value) Field(key string) Value {
	f, _ := v.Get(key)
	return f
}

// Path follows a chain of object keys
func (v Value) Path(keys ...string) Value {
	cur := v
	for _, k := range keys {
		cur = cur.Field(k)
		if cur.kind == Null {
			return cur
		}
	}
	return cur
}

// Set assigns key on an object. A null receiver becomes an empty object first.
// Set panics on other kinds.
func (v *Value) Set(key string, val Value) {
	if v.kind == Null {
		*v = EmptyObject()
	}
	if v.kind != Object {
		panic(fmt.Sprintf("jsonvalue: Set on %s", v.kind))
	}
	if _, exists := v.obj[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

// Interface converts v into plain Go values (map[string]any, []any, string,
// bool, json.Number, nil)
func (v Value) Interface() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.obj[k].Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts plain Go values into a Value. Map keys are sorted so
// the result is deterministic.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float64:
		return FloatValue(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			item, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: Array, arr: items}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := EmptyObject()
		for _, k := range keys {
			item, err := FromInterface(t[k])
			if err != nil {
				return Value{}, err
			}
			obj.Set(k, item)
		}
		return obj, nil
	default:
		// Anything else goes through encoding/json.
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("jsonvalue: convert %T: %w", x, err)
		}
		return Parse(raw)
	}
}

// Parse decodes a single JSON document, keeping object key order
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decode(dec, 0)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("jsonvalue: trailing data after document")
	}
	return v, nil
}

// maxDepth bounds array and object nesting, matching encoding/json
const maxDepth = 10000

// ErrTooDeep is returned for documents nested deeper than maxDepth
var ErrTooDeep = errors.New("jsonvalue: exceeded max depth")

func decode(dec *json.Decoder, depth int) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		if depth >= maxDepth {
			return Value{}, ErrTooDeep
		}
		switch t {
		case '[':
			arr := []Value{}
			for dec.More() {
				item, err := decode(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: Array, arr: arr}, nil
		case '{':
			obj := EmptyObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("jsonvalue: object key is %T", kt)
				}
				item, err := decode(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				obj.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return obj, nil
		}
	}
	return Value{}, fmt.Errorf("jsonvalue: unexpected token %v", tok)
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		if v.n == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(v.n.String())
		}
	case String:
		raw, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(raw)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(raw)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String renders v as compact JSON
func (v Value) String() string {
	raw, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(raw)
}
