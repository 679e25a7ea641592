// Package models defines the form value sum type shared by the form engine and state machine.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags which member of the Value union is populated.
type ValueKind string

const (
	// KindUndefined means no value has been entered.
	KindUndefined ValueKind = ""
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBool      ValueKind = "bool"
	KindList      ValueKind = "list"
)

// Value is a form field value: string, number, boolean, list of strings, or undefined.
// The zero Value is undefined.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []string
}

// String constructs a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number constructs a numeric Value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// List constructs a list Value. A nil slice yields an empty list, not undefined.
func List(items ...string) Value {
	if items == nil {
		items = []string{}
	}
	return Value{Kind: KindList, List: items}
}

// Undefined returns the undefined Value.
func Undefined() Value { return Value{} }

// IsUndefined reports whether no value is present.
func (v Value) IsUndefined() bool { return v.Kind == KindUndefined }

// IsEmpty reports whether the value is undefined, an empty string, or an empty list.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindUndefined:
		return true
	case KindString:
		return v.Str == ""
	case KindList:
		return len(v.List) == 0
	default:
		return false
	}
}

// AsNumber returns the numeric interpretation of the value, if any.
// Numeric strings are accepted; booleans and lists are not.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Text returns the canonical string form of a scalar value.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		return strings.Join(v.List, ",")
	default:
		return ""
	}
}

// Items returns the value as a list: lists as-is, scalars as one element, undefined as none.
func (v Value) Items() []string {
	switch v.Kind {
	case KindList:
		return v.List
	case KindUndefined:
		return nil
	default:
		return []string{v.Text()}
	}
}

// Clone returns a copy that shares no backing storage with v.
func (v Value) Clone() Value {
	if v.Kind == KindList {
		out := make([]string, len(v.List))
		copy(out, v.List)
		v.List = out
	}
	return v
}

// Equal reports strict equality of kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MarshalJSON encodes the value as a plain JSON scalar, array, or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a plain JSON scalar, array, or null.
// Array elements that are not strings are converted to their text form.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromInterface converts a decoded JSON value into a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(n), nil
	case []string:
		return List(t...), nil
	case []interface{}:
		items := make([]string, 0, len(t))
		for _, item := range t {
			elem, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			if elem.Kind == KindList || elem.Kind == KindUndefined {
				return Value{}, fmt.Errorf("unsupported nested list element %v", item)
			}
			items = append(items, elem.Text())
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// FormData maps field ids to their current values. A missing key is undefined.
type FormData map[string]Value

// Get returns the value for a field id, undefined when absent.
func (d FormData) Get(fieldID string) Value {
	if d == nil {
		return Value{}
	}
	return d[fieldID]
}

// Clone returns a deep copy of the form data.
func (d FormData) Clone() FormData {
	if d == nil {
		return nil
	}
	out := make(FormData, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}
