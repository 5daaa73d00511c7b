package expr

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateArithmetic(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want float64
	}{
		{"precedence", "1 + 2 * 3", 7},
		{"parens", "(1 + 2) * 3", 9},
		{"unary minus binds looser than power", "-2^2", -4},
		{"power right associative", "2^3^2", 512},
		{"negative exponent", "2^-1", 0.5},
		{"exponent literal", "1.5e2 + .5", 150.5},
		{"left associative subtraction", "10 - 4 - 3", 3},
		{"division", "7 / 2", 3.5},
		{"comparison true", "3 > 2", 1},
		{"comparison false", "3 <= 2", 0},
		{"equality", "2 == 2 && 1 != 2", 1},
		{"logical or", "0 || 0", 0},
		{"not", "!0", 1},
		{"sqrt", "sqrt(16)", 4},
		{"pow", "pow(2, 10)", 1024},
		{"abs", "abs(-3.5)", 3.5},
		{"min max", "min(3, 1, 2) + max(3, 1, 2)", 4},
		{"round", "round(2.346, 2)", 2.35},
		{"round integer", "round(2.5)", 3},
		{"if true branch", "if(1 > 0, 10, 20)", 10},
		{"if false branch", "if(0, 10, 20)", 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.src, nil, nil)
			require.NoError(t, err)
			require.InDelta(t, tc.want, got, 1e-12)
		})
	}
}

func TestEvaluateBindings(t *testing.T) {
	b := Bindings{
		"x":          Number(2),
		"thickness":  Array([]float64{3.5, 3.6, 3.7}),
		"room_2.len": Number(4),
	}
	got, err := Evaluate("x * AVG(thickness) + room_2.len", b, nil)
	require.NoError(t, err)
	require.InDelta(t, 2*3.6+4, got, 1e-9)

	got, err = Evaluate("avg(thickness)", b, nil)
	require.NoError(t, err)
	require.InDelta(t, 3.6, got, 1e-9)

	got, err = Evaluate("max(thickness)", b, nil)
	require.NoError(t, err)
	require.InDelta(t, 3.7, got, 1e-9)
}

func TestEvaluateErrors(t *testing.T) {
	b := Bindings{"arr": Array([]float64{1, 2}), "x": Number(1)}
	cases := []struct {
		name string
		src  string
		want error
	}{
		{"empty", "   ", ErrSyntax},
		{"dangling operator", "1 +", ErrSyntax},
		{"unbalanced", "(1 + 2", ErrSyntax},
		{"bad character", "1 # 2", ErrSyntax},
		{"number then ident", "2x", ErrSyntax},
		{"unknown identifier", "y + 1", ErrUnknownIdentifier},
		{"unknown function", "foo(1)", ErrUnknownFunction},
		{"arity", "sqrt(1, 2)", ErrArity},
		{"if arity", "if(1, 2)", ErrArity},
		{"array as scalar", "arr + 1", ErrType},
		{"avg of scalar", "AVG(x)", ErrType},
		{"array result", "arr", ErrType},
		{"division by zero", "1 / (x - 1)", ErrDivisionByZero},
		{"overflow", "10 ^ 400", ErrNonFinite},
		{"sqrt negative", "sqrt(-1)", ErrNonFinite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Evaluate(tc.src, b, nil)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			var exprErr *Error
			require.ErrorAs(t, err, &exprErr)
		})
	}
}

func TestErrorCarriesPosition(t *testing.T) {
	_, err := Evaluate("1 + missing", nil, nil)
	var exprErr *Error
	require.ErrorAs(t, err, &exprErr)
	require.Equal(t, KindUnknownIdentifier, exprErr.Kind)
	require.Equal(t, "missing", exprErr.Name)
	require.Equal(t, 4, exprErr.Pos)
	require.Contains(t, err.Error(), `"missing"`)
	require.Contains(t, err.Error(), "offset 4")
}

func TestIfIsLazy(t *testing.T) {
	got, err := Evaluate("if(x > 0, 10 / x, 0)", Bindings{"x": Number(0)}, nil)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = Evaluate("if(1, 5, undefined_var)", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 5.0, got)
}

func TestLogicalShortCircuit(t *testing.T) {
	got, err := Evaluate("0 && (1 / 0)", nil, nil)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = Evaluate("1 || nope", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1.0, got)
}

func TestCustomFunctionsOverrideBuiltins(t *testing.T) {
	fns := Functions{
		"double": func(args []Value) (float64, error) {
			f, _ := args[0].Float()
			return 2 * f, nil
		},
		"sqrt": func([]Value) (float64, error) { return 42, nil },
	}
	got, err := Evaluate("DOUBLE(3) + sqrt(4)", nil, fns)
	require.NoError(t, err)
	require.Equal(t, 48.0, got)

	_, err = Evaluate("double(1)", nil, nil)
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func TestCustomFunctionErrorIsLocated(t *testing.T) {
	fns := Functions{"fail": func([]Value) (float64, error) { return 0, errors.New("boom") }}
	_, err := Evaluate("1 + fail()", nil, fns)
	var exprErr *Error
	require.ErrorAs(t, err, &exprErr)
	require.Equal(t, "fail", exprErr.Name)
	require.Equal(t, 4, exprErr.Pos)
	require.Contains(t, exprErr.Msg, "boom")
}

func TestProgramIntrospection(t *testing.T) {
	p := MustCompile("AVG(a) + avg(b) * x - AVG(a) + sqrt(y)")
	require.Equal(t, []string{"a", "b", "x", "y"}, p.Identifiers())
	require.Equal(t, []string{"a", "b"}, p.Calls("AVG"))
	require.Empty(t, p.Calls("pow"))
	require.Equal(t, "AVG(a) + avg(b) * x - AVG(a) + sqrt(y)", p.Source())
}

func TestBindingsWithDoesNotMutate(t *testing.T) {
	base := Bindings{"a": Number(1)}
	next := base.With("b", Number(2))
	require.Len(t, base, 1)
	require.Len(t, next, 2)

	src := []float64{1, 2}
	v := Array(src)
	src[0] = 99
	fs, ok := v.Floats()
	require.True(t, ok)
	require.Equal(t, []float64{1, 2}, fs)
	require.Equal(t, "[1, 2]", v.String())
}

func TestProgramConcurrentUse(t *testing.T) {
	p := MustCompile("x * 2 + AVG(s)")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := p.Eval(Bindings{"x": Number(float64(i)), "s": Array([]float64{1, 3})}, nil)
			if err != nil || got != float64(i)*2+2 {
				t.Errorf("goroutine %d: got %v, %v", i, got, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestMean(t *testing.T) {
	_, ok := Mean(nil)
	require.False(t, ok)
	m, ok := Mean([]float64{1, 2, 3, 4})
	require.True(t, ok)
	require.Equal(t, 2.5, m)
}
