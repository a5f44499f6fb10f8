package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// Kind is the type tag of a Datum.
type Kind byte

// Kind constants.
const (
	KindNull   Kind = 0
	KindInt    Kind = 1
	KindFloat  Kind = 2
	KindString Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return "unknown"
}

// ParseKind converts a column type name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "int", "integer":
		return KindInt, nil
	case "float", "double", "real":
		return KindFloat, nil
	case "string", "varchar", "char", "text":
		return KindString, nil
	}
	return KindNull, errors.Errorf("unknown column type %q", s)
}

// MarshalText encodes the kind by name, for catalog files.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name written by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	if string(text) == "null" {
		*k = KindNull
		return nil
	}
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Datum is a data box holding one column value. The zero Datum is NULL.
type Datum struct {
	k Kind
	i int64
	f float64
	s string
}

// NewIntDatum creates an integer Datum.
func NewIntDatum(i int64) Datum {
	return Datum{k: KindInt, i: i}
}

// NewFloatDatum creates a float Datum.
func NewFloatDatum(f float64) Datum {
	return Datum{k: KindFloat, f: f}
}

// NewStringDatum creates a string Datum.
func NewStringDatum(s string) Datum {
	return Datum{k: KindString, s: s}
}

// NewDatum boxes a Go value. Supported inputs are nil, the signed integer types, float32/64
// and string.
func NewDatum(v interface{}) Datum {
	switch x := v.(type) {
	case nil:
		return Datum{}
	case Datum:
		return x
	case int:
		return NewIntDatum(int64(x))
	case int32:
		return NewIntDatum(int64(x))
	case int64:
		return NewIntDatum(x)
	case float32:
		return NewFloatDatum(float64(x))
	case float64:
		return NewFloatDatum(x)
	case string:
		return NewStringDatum(x)
	}
	panic(fmt.Sprintf("unsupported datum value %T", v))
}

// Kind gets the kind of the datum.
func (d Datum) Kind() Kind {
	return d.k
}

// IsNull reports whether d is NULL.
func (d Datum) IsNull() bool {
	return d.k == KindNull
}

// GetInt64 gets the int64 value.
func (d Datum) GetInt64() int64 {
	return d.i
}

// GetFloat64 gets the float64 value. Integers are widened.
func (d Datum) GetFloat64() float64 {
	if d.k == KindInt {
		return float64(d.i)
	}
	return d.f
}

// GetString gets the string value.
func (d Datum) GetString() string {
	return d.s
}

// Interface returns the boxed Go value.
func (d Datum) Interface() interface{} {
	switch d.k {
	case KindInt:
		return d.i
	case KindFloat:
		return d.f
	case KindString:
		return d.s
	}
	return nil
}

// Compare returns -1, 0 or 1. NULL sorts before every other value, numbers compare
// numerically across int and float, and numbers sort before strings.
func (d Datum) Compare(o Datum) int {
	if d.k == KindNull || o.k == KindNull {
		switch {
		case d.k == o.k:
			return 0
		case d.k == KindNull:
			return -1
		default:
			return 1
		}
	}
	dNum, oNum := d.k != KindString, o.k != KindString
	switch {
	case dNum && oNum:
		if d.k == KindInt && o.k == KindInt {
			return compareInt(d.i, o.i)
		}
		return compareFloat(d.GetFloat64(), o.GetFloat64())
	case dNum:
		return -1
	case oNum:
		return 1
	}
	return strings.Compare(d.s, o.s)
}

// Equal reports whether d and o compare equal.
func (d Datum) Equal(o Datum) bool {
	return d.Compare(o) == 0
}

// ConvertTo coerces d to kind k. NULL converts to NULL.
func (d Datum) ConvertTo(k Kind) (Datum, error) {
	if d.k == k || d.k == KindNull {
		return d, nil
	}
	switch k {
	case KindInt:
		switch d.k {
		case KindFloat:
			return NewIntDatum(int64(d.f)), nil
		case KindString:
			i, err := strconv.ParseInt(strings.TrimSpace(d.s), 10, 64)
			if err != nil {
				return Datum{}, errors.Errorf("cannot convert %q to int", d.s)
			}
			return NewIntDatum(i), nil
		}
	case KindFloat:
		switch d.k {
		case KindInt:
			return NewFloatDatum(float64(d.i)), nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(d.s), 64)
			if err != nil {
				return Datum{}, errors.Errorf("cannot convert %q to float", d.s)
			}
			return NewFloatDatum(f), nil
		}
	case KindString:
		return NewStringDatum(d.String()), nil
	}
	return Datum{}, errors.Errorf("cannot convert %v to %v", d.k, k)
}

func (d Datum) String() string {
	switch d.k {
	case KindInt:
		return strconv.FormatInt(d.i, 10)
	case KindFloat:
		return strconv.FormatFloat(d.f, 'g', -1, 64)
	case KindString:
		return d.s
	}
	return "NULL"
}

// HashKey returns a string usable as a map key; equal datums of the same kind yield equal keys.
func (d Datum) HashKey() string {
	switch d.k {
	case KindInt:
		return "i" + strconv.FormatInt(d.i, 10)
	case KindFloat:
		if d.f == math.Trunc(d.f) && math.Abs(d.f) < 1<<53 {
			// Keep 1 and 1.0 in the same bucket, they compare equal.
			return "i" + strconv.FormatInt(int64(d.f), 10)
		}
		return "f" + strconv.FormatFloat(d.f, 'g', -1, 64)
	case KindString:
		return "s" + d.s
	}
	return "n"
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
