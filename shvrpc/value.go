package shvrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Value is an RPC value held in its canonical (compact JSON) text form. The
// zero Value represents an absent value and marshals as JSON null.
type Value []byte

var nullValue = []byte("null")

// ErrInvalidValue is returned when text cannot be parsed as an RPC value.
var ErrInvalidValue = errors.New("invalid rpc value")

// ParseValue validates b and returns its canonical form.
func ParseValue(b []byte) (Value, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidValue)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return Value(buf.Bytes()), nil
}

// NewValue encodes v into a Value.
func NewValue(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return Value(b), nil
}

// MustValue is like NewValue but panics on error. Intended for tests and
// static values.
func MustValue(v any) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// IsNull reports whether v is absent or JSON null.
func (v Value) IsNull() bool {
	return len(v) == 0 || bytes.Equal(v, nullValue)
}

// String returns the canonical text form.
func (v Value) String() string {
	if len(v) == 0 {
		return string(nullValue)
	}
	return string(v)
}

// Decode unmarshals v into dst. Numbers decode as json.Number when dst is an
// interface so integers survive the round trip.
func (v Value) Decode(dst any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(v.String())))
	dec.UseNumber()
	return dec.Decode(dst)
}

// Equal reports whether v and o hold the same value regardless of object key
// order.
func (v Value) Equal(o Value) bool {
	var a, b any
	if err := v.Decode(&a); err != nil {
		return false
	}
	if err := o.Decode(&b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return nullValue, nil
	}
	return []byte(v), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	parsed, err := ParseValue(b)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
