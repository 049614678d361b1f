package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/cidermigrate/internal/promise"
)

// Value is a sealed interface over the values a migration record may hold.
// Only Null, String, Int, Bool, Array, Object and PromiseRef implement it.
// Floats are not representable: the target record model carries numeric
// quantities as strings.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents a JSON null.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps string keys to values. A record body is an Object.
type Object map[string]Value

func (Object) value() {}

// PromiseRef stands in for a value that is not known yet: the value that
// will be delivered for (Kind, SourceID) in the promise store.
//
// A PromiseRef is data, not a pending computation. It is replaced by
// resolution at emission time and can never be encoded into final output.
type PromiseRef struct {
	Kind     promise.Kind
	SourceID string
}

func (PromiseRef) value() {}

// Promise builds a placeholder for the value of (kind, sourceID).
func Promise(kind promise.Kind, sourceID string) PromiseRef {
	return PromiseRef{Kind: kind, SourceID: sourceID}
}

// promiseKey is the reserved key a PromiseRef is persisted under.
const promiseKey = "_promise"

// SortedKeys returns the object's keys in byte order.
func (obj Object) SortedKeys() []string {
	return slices.Sorted(maps.Keys(obj))
}

// Str returns the string stored under key, or "" when absent or not a string.
func (obj Object) Str(key string) string {
	if s, ok := obj[key].(String); ok {
		return string(s)
	}
	return ""
}

// Append adds v to the array stored under key, creating the array if needed.
// A non-array value under key is replaced.
func (obj Object) Append(key string, v Value) {
	arr, _ := obj[key].(Array)
	obj[key] = append(arr, v)
}

// Clone returns a deep copy of the object.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	return cloneValue(obj).(Object)
}

// Clone returns a deep copy of the array.
func (arr Array) Clone() Array {
	if arr == nil {
		return nil
	}
	return cloneValue(arr).(Array)
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON implements json.Marshaler for Object with sorted keys.
// Placeholders are written in their persisted form; use Encode for output
// that must be free of placeholders.
func (obj Object) MarshalJSON() ([]byte, error) {
	return marshalValue(obj, true)
}

// MarshalJSON implements json.Marshaler for Array.
func (arr Array) MarshalJSON() ([]byte, error) {
	return marshalValue(arr, true)
}

// MarshalJSON writes the persisted form {"_promise":{"type":..,"id":..}}.
func (p PromiseRef) MarshalJSON() ([]byte, error) {
	return marshalValue(p, true)
}

// MarshalValue marshals a Value to JSON bytes in its persisted form.
func MarshalValue(v Value) ([]byte, error) {
	return marshalValue(v, true)
}

func marshalValue(v Value, allowPromises bool) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return marshalString(string(val))
	case Int:
		return []byte(fmt.Sprintf("%d", int64(val))), nil
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalValue(elem, allowPromises)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalString(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalValue(val[k], allowPromises)
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case PromiseRef:
		if !allowPromises {
			return nil, &UnresolvedError{Ref: val}
		}
		return marshalValue(Object{promiseKey: Object{
			"type": String(val.Kind),
			"id":   String(val.SourceID),
		}}, true)
	default:
		return nil, fmt.Errorf("unknown record value type: %T", v)
	}
}

// UnresolvedError reports a placeholder that reached a serializer which only
// accepts resolved records.
type UnresolvedError struct {
	Ref PromiseRef
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved promise %s/%s", e.Ref.Kind, e.Ref.SourceID)
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalValue decodes JSON into a Value. Objects in persisted placeholder
// form decode to PromiseRef. Floats are rejected.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts a Go value (as produced by encoding/json with UseNumber,
// or built by hand in a converter) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in records: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not allowed in records: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			rv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = rv
		}
		return arr, nil
	case map[string]any:
		if ref, ok := promiseFromMap(val); ok {
			return ref, nil
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			rv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = rv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// promiseFromMap recognises {"_promise":{"type":"..","id":".."}} and nothing else.
func promiseFromMap(m map[string]any) (PromiseRef, bool) {
	if len(m) != 1 {
		return PromiseRef{}, false
	}
	inner, ok := m[promiseKey].(map[string]any)
	if !ok {
		return PromiseRef{}, false
	}
	kind, ok1 := inner["type"].(string)
	id, ok2 := inner["id"].(string)
	if !ok1 || !ok2 || len(inner) != 2 {
		return PromiseRef{}, false
	}
	return PromiseRef{Kind: promise.Kind(kind), SourceID: id}, true
}
