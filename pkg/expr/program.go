package expr

import (
	"math"
	"sort"
	"strings"
)

// Func is a registrable function. Arguments are already evaluated.
type Func func(args []Value) (float64, error)

// Functions maps function names to implementations. Lookup tries the exact
// name first and then its lower-case form, so AVG and avg both resolve.
type Functions map[string]Func

func (f Functions) lookup(name string) (Func, bool) {
	if fn, ok := f[name]; ok {
		return fn, true
	}
	fn, ok := f[strings.ToLower(name)]
	return fn, ok
}

// Program is a parsed expression. It is immutable.
type Program struct {
	src  string
	root node
}

// Compile parses src into a reusable program.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{src: src, root: root}, nil
}

// MustCompile is Compile that panics on error; for tests and constants.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Evaluate compiles and evaluates expression in one step. Functions given in
// fns take precedence over the built-ins; nil means built-ins only.
func Evaluate(expression string, bindings Bindings, fns Functions) (float64, error) {
	p, err := Compile(expression)
	if err != nil {
		return 0, err
	}
	return p.Eval(bindings, fns)
}

// Eval evaluates the program against bindings. The result must be a finite
// scalar.
func (p *Program) Eval(bindings Bindings, fns Functions) (float64, error) {
	ev := evaluator{src: p.src, bindings: bindings, fns: fns}
	v, err := ev.eval(p.root)
	if err != nil {
		return 0, err
	}
	f, ok := v.Float()
	if !ok {
		return 0, &Error{Kind: KindType, Expr: p.src, Pos: p.root.position(), Msg: "expression evaluates to an array, not a number"}
	}
	return f, nil
}

// Identifiers returns the sorted, de-duplicated variable names the program
// reads, excluding function names.
func (p *Program) Identifiers() []string {
	seen := map[string]struct{}{}
	walk(p.root, func(n node) {
		if id, ok := n.(identNode); ok {
			seen[id.name] = struct{}{}
		}
	})
	return sortedKeys(seen)
}

// Calls returns the identifier arguments passed to every call of fn
// (case-insensitive), in source order without duplicates. Non-identifier
// arguments are ignored. Calls("AVG") on "AVG(a) + AVG(b)" yields [a b].
func (p *Program) Calls(fn string) []string {
	var out []string
	seen := map[string]struct{}{}
	walk(p.root, func(n node) {
		call, ok := n.(callNode)
		if !ok || !strings.EqualFold(call.name, fn) {
			return
		}
		for _, arg := range call.args {
			id, ok := arg.(identNode)
			if !ok {
				continue
			}
			if _, dup := seen[id.name]; dup {
				continue
			}
			seen[id.name] = struct{}{}
			out = append(out, id.name)
		}
	})
	return out
}

func walk(n node, visit func(node)) {
	visit(n)
	switch t := n.(type) {
	case unaryNode:
		walk(t.operand, visit)
	case binaryNode:
		walk(t.left, visit)
		walk(t.right, visit)
	case callNode:
		for _, a := range t.args {
			walk(a, visit)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type evaluator struct {
	src      string
	bindings Bindings
	fns      Functions
}

func (ev *evaluator) fail(kind ErrorKind, pos int, name, msg string) error {
	return &Error{Kind: kind, Expr: ev.src, Pos: pos, Name: name, Msg: msg}
}

func (ev *evaluator) eval(n node) (Value, error) {
	switch t := n.(type) {
	case numberNode:
		return Number(t.val), nil
	case identNode:
		v, ok := ev.bindings[t.name]
		if !ok {
			return Value{}, ev.fail(KindUnknownIdentifier, t.pos, t.name, "")
		}
		return v, nil
	case unaryNode:
		return ev.evalUnary(t)
	case binaryNode:
		return ev.evalBinary(t)
	case callNode:
		return ev.evalCall(t)
	default:
		return Value{}, ev.fail(KindSyntax, n.position(), "", "unsupported node")
	}
}

func (ev *evaluator) scalar(n node) (float64, error) {
	v, err := ev.eval(n)
	if err != nil {
		return 0, err
	}
	f, ok := v.Float()
	if !ok {
		name := ""
		if id, isIdent := n.(identNode); isIdent {
			name = id.name
		}
		return 0, ev.fail(KindType, n.position(), name, "array used where a number is required")
	}
	return f, nil
}

func (ev *evaluator) evalUnary(n unaryNode) (Value, error) {
	x, err := ev.scalar(n.operand)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case "-":
		return Number(-x), nil
	case "!":
		return Number(boolFloat(x == 0)), nil
	default:
		return Number(x), nil
	}
}

func (ev *evaluator) evalBinary(n binaryNode) (Value, error) {
	l, err := ev.scalar(n.left)
	if err != nil {
		return Value{}, err
	}
	// short-circuit logical operators
	switch n.op {
	case "&&":
		if l == 0 {
			return Number(0), nil
		}
		r, err := ev.scalar(n.right)
		if err != nil {
			return Value{}, err
		}
		return Number(boolFloat(r != 0)), nil
	case "||":
		if l != 0 {
			return Number(1), nil
		}
		r, err := ev.scalar(n.right)
		if err != nil {
			return Value{}, err
		}
		return Number(boolFloat(r != 0)), nil
	}

	r, err := ev.scalar(n.right)
	if err != nil {
		return Value{}, err
	}
	var out float64
	switch n.op {
	case "+":
		out = l + r
	case "-":
		out = l - r
	case "*":
		out = l * r
	case "/":
		if r == 0 {
			return Value{}, ev.fail(KindDivisionByZero, n.pos, "", "")
		}
		out = l / r
	case "^":
		out = math.Pow(l, r)
	case "<":
		out = boolFloat(l < r)
	case "<=":
		out = boolFloat(l <= r)
	case ">":
		out = boolFloat(l > r)
	case ">=":
		out = boolFloat(l >= r)
	case "==":
		out = boolFloat(l == r)
	case "!=":
		out = boolFloat(l != r)
	default:
		return Value{}, ev.fail(KindSyntax, n.pos, n.op, "unsupported operator")
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return Value{}, ev.fail(KindNonFinite, n.pos, n.op, "")
	}
	return Number(out), nil
}

func (ev *evaluator) evalCall(n callNode) (Value, error) {
	// if is a special form: only the selected branch is evaluated.
	if strings.EqualFold(n.name, "if") {
		if _, overridden := ev.fns.lookup(n.name); !overridden {
			return ev.evalIf(n)
		}
	}
	fn, ok := ev.fns.lookup(n.name)
	if !ok {
		fn, ok = builtins.lookup(n.name)
	}
	if !ok {
		return Value{}, ev.fail(KindUnknownFunction, n.pos, n.name, "")
	}
	args := make([]Value, 0, len(n.args))
	for _, a := range n.args {
		v, err := ev.eval(a)
		if err != nil {
			return Value{}, err
		}
		args = append(args, v)
	}
	out, err := fn(args)
	if err != nil {
		return Value{}, ev.locate(err, n)
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return Value{}, ev.fail(KindNonFinite, n.pos, n.name, "")
	}
	return Number(out), nil
}

func (ev *evaluator) evalIf(n callNode) (Value, error) {
	if len(n.args) != 3 {
		return Value{}, ev.fail(KindArity, n.pos, n.name, "want 3 arguments (cond, then, else)")
	}
	cond, err := ev.scalar(n.args[0])
	if err != nil {
		return Value{}, err
	}
	branch := n.args[2]
	if cond != 0 {
		branch = n.args[1]
	}
	f, err := ev.scalar(branch)
	if err != nil {
		return Value{}, err
	}
	return Number(f), nil
}

// locate attaches source position to errors raised by function bodies.
func (ev *evaluator) locate(err error, n callNode) error {
	if e, ok := err.(*Error); ok {
		cp := *e
		if cp.Expr == "" {
			cp.Expr = ev.src
			cp.Pos = n.pos
		}
		if cp.Name == "" {
			cp.Name = n.name
		}
		return &cp
	}
	return &Error{Kind: KindType, Expr: ev.src, Pos: n.pos, Name: n.name, Msg: err.Error()}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
