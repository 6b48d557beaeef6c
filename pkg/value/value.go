// Package value provides the typed property values stored on nodes and
// relationships in embergraph.
//
// A Value is a closed tagged union over the scalar kinds the engine
// understands: integer, boolean, text and float. The zero Value is Null and
// stands for "no value" (a missing property).
//
// Comparison Rules:
//   - Equal and Compare only relate values of the same kind.
//   - Comparing across kinds is not an error, it simply never matches.
//   - SortCompare is a total order used by ORDER BY: numbers (Int and Float
//     together), then Text, then Bool, then Null.
//
// Example Usage:
//
//	age := value.Int(30)
//	name := value.Text("Alice")
//
//	value.Equal(age, value.Int(30))     // true
//	value.Equal(age, value.Float(30))   // false: different kinds
//	_, ok := value.Compare(age, name)   // ok == false
package value

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrUnsupportedType is returned by From for Go values that have no Value kind.
var ErrUnsupportedType = errors.New("unsupported value type")

// Kind is the discriminant of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindText
	KindFloat
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable scalar property value.
//
// Values are small and passed by value. Only the payload field matching the
// kind is meaningful.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Null returns the absent value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, i: 1}
	}
	return Value{kind: KindBool}
}

// Text returns a text value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// From converts a Go scalar into a Value.
//
// Supported inputs are nil, bool, string, every signed and unsigned integer
// type (unsigned values above MaxInt64 are rejected), float32, float64 and
// Value itself.
func From(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return Text(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return fromUint(x)
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	default:
		return Null(), fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func fromUint(x uint64) (Value, error) {
	if x > math.MaxInt64 {
		return Null(), fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, x)
	}
	return Int(int64(x)), nil
}

// MustFrom is From that panics on unsupported input. Intended for literals
// in tests and examples.
func MustFrom(v any) Value {
	out, err := From(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Kind returns the value's discriminant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the absent value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.i != 0, v.kind == KindBool }

// AsText returns the text payload.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsFloat returns the float payload.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// Number returns the numeric payload of Int and Float values as a float64.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Interface returns the payload as a plain Go value (nil for Null).
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindBool:
		return v.i != 0
	case KindText:
		return v.s
	case KindFloat:
		return v.f
	}
	return nil
}

// String renders the value the way the query shell prints it.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindText:
		return strconv.Quote(v.s)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	}
	return "null"
}

// Equal reports whether a and b have the same non-null kind and payload.
func Equal(a, b Value) bool {
	if a.kind != b.kind || a.kind == KindNull {
		return false
	}
	switch a.kind {
	case KindText:
		return a.s == b.s
	case KindFloat:
		return a.f == b.f
	default:
		return a.i == b.i
	}
}

// Compare orders two values of the same kind.
//
// The boolean result is false when the values are not comparable: different
// kinds, either value Null, or a NaN float. Callers evaluating predicates
// must treat that as "does not match".
func Compare(a, b Value) (int, bool) {
	if a.kind != b.kind || a.kind == KindNull {
		return 0, false
	}
	switch a.kind {
	case KindInt, KindBool:
		return cmpInt(a.i, b.i), true
	case KindText:
		return cmpString(a.s, b.s), true
	case KindFloat:
		if math.IsNaN(a.f) || math.IsNaN(b.f) {
			return 0, false
		}
		return cmpFloat(a.f, b.f), true
	}
	return 0, false
}

// sortRank groups kinds for SortCompare. Int and Float share a rank so they
// interleave numerically.
func sortRank(v Value) int {
	switch v.kind {
	case KindInt, KindFloat:
		if v.kind == KindFloat && math.IsNaN(v.f) {
			return 1
		}
		return 0
	case KindText:
		return 2
	case KindBool:
		return 3
	}
	return 4
}

// SortCompare is a total order over all values, used for sorting.
//
// Numbers sort numerically (an Int and an equal Float tie), NaN floats sort
// after every other number, then Text lexicographically, then Bool with
// false first, then Null.
func SortCompare(a, b Value) int {
	ra, rb := sortRank(a), sortRank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}
	switch ra {
	case 0:
		if a.kind == KindInt && b.kind == KindInt {
			return cmpInt(a.i, b.i)
		}
		fa, _ := a.Number()
		fb, _ := b.Number()
		return cmpFloat(fa, fb)
	case 2:
		return cmpString(a.s, b.s)
	case 3:
		return cmpInt(a.i, b.i)
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
