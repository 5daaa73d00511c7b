package expr

import "fmt"

// ErrorKind classifies expression failures.
type ErrorKind int

const (
	KindSyntax ErrorKind = iota + 1
	KindUnknownIdentifier
	KindUnknownFunction
	KindArity
	KindType
	KindDivisionByZero
	KindNonFinite
)

func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "syntax error"
	case KindUnknownIdentifier:
		return "unknown identifier"
	case KindUnknownFunction:
		return "unknown function"
	case KindArity:
		return "wrong number of arguments"
	case KindType:
		return "type mismatch"
	case KindDivisionByZero:
		return "division by zero"
	case KindNonFinite:
		return "non-finite result"
	default:
		return "expression error"
	}
}

// Error is returned for every parse or evaluation failure.
type Error struct {
	Kind ErrorKind
	// Expr is the full source text of the expression.
	Expr string
	// Pos is the byte offset of the failing token in Expr.
	Pos int
	// Name is the identifier or function involved, when there is one.
	Name string
	Msg  string
}

func (e *Error) Error() string {
	detail := e.Kind.String()
	if e.Name != "" {
		detail += " " + quote(e.Name)
	}
	if e.Msg != "" {
		detail += ": " + e.Msg
	}
	if e.Expr == "" {
		return detail
	}
	return fmt.Sprintf("%s in %q at offset %d", detail, e.Expr, e.Pos)
}

// Is matches sentinel errors of the same kind so callers can write
// errors.Is(err, expr.ErrDivisionByZero).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Expr == "" && t.Name == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrSyntax            = &Error{Kind: KindSyntax}
	ErrUnknownIdentifier = &Error{Kind: KindUnknownIdentifier}
	ErrUnknownFunction   = &Error{Kind: KindUnknownFunction}
	ErrArity             = &Error{Kind: KindArity}
	ErrType              = &Error{Kind: KindType}
	ErrDivisionByZero    = &Error{Kind: KindDivisionByZero}
	ErrNonFinite         = &Error{Kind: KindNonFinite}
)

// ArityError is a helper for function implementations.
func ArityError(fn string, want string, got int) error {
	return &Error{Kind: KindArity, Name: fn, Msg: fmt.Sprintf("want %s, got %d", want, got)}
}

// TypeError is a helper for function implementations.
func TypeError(fn string, msg string) error {
	return &Error{Kind: KindType, Name: fn, Msg: msg}
}

func quote(s string) string { return "\"" + s + "\"" }
