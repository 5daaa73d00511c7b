// Package expr implements the small arithmetic expression language used by
// measurement formulas: numeric literals, identifiers bound to scalars or
// arrays, the four arithmetic operators plus '^', comparisons, logical
// operators and a fixed, extendable set of functions.
//
// Evaluation is stateless. Every call receives its own bindings and
// function table, so compiled programs can be shared between goroutines.
package expr

import "strconv"

// Value is a scalar number or an array of numbers bound to an identifier.
type Value struct {
	num   float64
	arr   []float64
	isArr bool
}

// Number wraps a scalar.
func Number(f float64) Value { return Value{num: f} }

// Array wraps a list of numbers. The slice is copied.
func Array(values []float64) Value {
	cp := make([]float64, len(values))
	copy(cp, values)
	return Value{arr: cp, isArr: true}
}

// IsArray reports whether v holds an array.
func (v Value) IsArray() bool { return v.isArr }

// Float returns the scalar value; ok is false for arrays.
func (v Value) Float() (float64, bool) {
	if v.isArr {
		return 0, false
	}
	return v.num, true
}

// Floats returns the array value; ok is false for scalars.
func (v Value) Floats() ([]float64, bool) {
	if !v.isArr {
		return nil, false
	}
	return v.arr, true
}

func (v Value) String() string {
	if !v.isArr {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	out := "["
	for i, f := range v.arr {
		if i > 0 {
			out += ", "
		}
		out += strconv.FormatFloat(f, 'g', -1, 64)
	}
	return out + "]"
}

// Bindings maps identifiers to values for a single evaluation.
type Bindings map[string]Value

// With returns a copy of b with name bound to v. The receiver is not modified.
func (b Bindings) With(name string, v Value) Bindings {
	out := make(Bindings, len(b)+1)
	for k, val := range b {
		out[k] = val
	}
	out[name] = v
	return out
}

// Clone returns a shallow copy of b.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Scalars builds bindings from a map of plain numbers.
func Scalars(values map[string]float64) Bindings {
	out := make(Bindings, len(values))
	for k, v := range values {
		out[k] = Number(v)
	}
	return out
}
