package expr

import (
	"math"
	"strconv"
)

var builtins = Functions{
	"sqrt":  fnSqrt,
	"pow":   fnPow,
	"avg":   fnAvg,
	"abs":   fnAbs,
	"min":   fnMin,
	"max":   fnMax,
	"round": fnRound,
}

// Builtins returns a copy of the built-in function table. "if" is not in the
// table; it is evaluated lazily by the interpreter itself.
func Builtins() Functions {
	out := make(Functions, len(builtins))
	for k, v := range builtins {
		out[k] = v
	}
	return out
}

// Mean is the arithmetic mean helper shared with callers that aggregate
// sample values outside an expression.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func scalarArgs(name string, args []Value, want int) ([]float64, error) {
	if len(args) != want {
		return nil, ArityError(name, strconv.Itoa(want), len(args))
	}
	out := make([]float64, want)
	for i, a := range args {
		f, ok := a.Float()
		if !ok {
			return nil, TypeError(name, "argument "+strconv.Itoa(i+1)+" must be a number")
		}
		out[i] = f
	}
	return out, nil
}

func fnSqrt(args []Value) (float64, error) {
	xs, err := scalarArgs("sqrt", args, 1)
	if err != nil {
		return 0, err
	}
	if xs[0] < 0 {
		return 0, &Error{Kind: KindNonFinite, Name: "sqrt", Msg: "negative argument"}
	}
	return math.Sqrt(xs[0]), nil
}

func fnPow(args []Value) (float64, error) {
	xs, err := scalarArgs("pow", args, 2)
	if err != nil {
		return 0, err
	}
	return math.Pow(xs[0], xs[1]), nil
}

func fnAbs(args []Value) (float64, error) {
	xs, err := scalarArgs("abs", args, 1)
	if err != nil {
		return 0, err
	}
	return math.Abs(xs[0]), nil
}

// fnAvg requires exactly one array argument; averaging a scalar is almost
// always a formula authoring mistake (AVG of a variable instead of an item).
func fnAvg(args []Value) (float64, error) {
	if len(args) != 1 {
		return 0, ArityError("AVG", "1", len(args))
	}
	values, ok := args[0].Floats()
	if !ok {
		return 0, TypeError("AVG", "argument must be an array of sample values")
	}
	mean, ok := Mean(values)
	if !ok {
		return 0, TypeError("AVG", "no sample values to average")
	}
	return mean, nil
}

func flatten(name string, args []Value) ([]float64, error) {
	if len(args) == 0 {
		return nil, ArityError(name, "at least 1", 0)
	}
	var out []float64
	for _, a := range args {
		if fs, ok := a.Floats(); ok {
			out = append(out, fs...)
			continue
		}
		f, _ := a.Float()
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, TypeError(name, "no values")
	}
	return out, nil
}

func fnMin(args []Value) (float64, error) {
	xs, err := flatten("min", args)
	if err != nil {
		return 0, err
	}
	m := xs[0]
	for _, x := range xs[1:] {
		m = math.Min(m, x)
	}
	return m, nil
}

func fnMax(args []Value) (float64, error) {
	xs, err := flatten("max", args)
	if err != nil {
		return 0, err
	}
	m := xs[0]
	for _, x := range xs[1:] {
		m = math.Max(m, x)
	}
	return m, nil
}

func fnRound(args []Value) (float64, error) {
	if len(args) != 1 && len(args) != 2 {
		return 0, ArityError("round", "1 or 2", len(args))
	}
	xs, err := scalarArgs("round", args, len(args))
	if err != nil {
		return 0, err
	}
	if len(xs) == 1 {
		return math.Round(xs[0]), nil
	}
	scale := math.Pow(10, math.Trunc(xs[1]))
	return math.Round(xs[0]*scale) / scale, nil
}
