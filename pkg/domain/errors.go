package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"measurecore/pkg/expr"
)

// Sentinel errors shared across layers.
var (
	ErrNotFound    = errors.New("not found")
	ErrBatchClosed = errors.New("batch is closed")
)

// SchemaError reports a malformed measurement point definition. It is raised
// when a schema is loaded, never during evaluation.
type SchemaError struct {
	ProductID string
	Item      string
	Problems  []string
}

func (e *SchemaError) Error() string {
	prefix := "invalid measurement point"
	if e.Item != "" {
		prefix += " " + quote(e.Item)
	}
	if e.ProductID != "" {
		prefix += " of product " + quote(e.ProductID)
	}
	return prefix + ": " + strings.Join(e.Problems, "; ")
}

// MissingDependencyError names prerequisite items that have no recorded data.
type MissingDependencyError struct {
	Item    string
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("item %s depends on items without data: %s", quote(e.Item), strings.Join(e.Missing, ", "))
}

// VariableFailure explains why one variable could not be resolved.
type VariableFailure struct {
	Variable string
	// MissingItem is set when the failure is an AVG reference without data.
	MissingItem string
	Err         error
}

func (f VariableFailure) String() string {
	switch {
	case f.MissingItem != "":
		return fmt.Sprintf("%s: no data for item %s", f.Variable, quote(f.MissingItem))
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Variable, f.Err)
	default:
		return f.Variable
	}
}

// UnresolvedVariableError lists every variable of an item that could not be
// computed. Resolution is all-or-nothing, so no bindings accompany it.
type UnresolvedVariableError struct {
	Item     string
	Failures []VariableFailure
}

func (e *UnresolvedVariableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("item %s: unresolved variables: %s", quote(e.Item), strings.Join(parts, "; "))
}

// Variables returns the names of the failed variables in declaration order.
func (e *UnresolvedVariableError) Variables() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Variable)
	}
	return out
}

// MissingItems returns the sorted distinct item ids referenced by failures.
func (e *UnresolvedVariableError) MissingItems() []string {
	seen := map[string]struct{}{}
	for _, f := range e.Failures {
		if f.MissingItem != "" {
			seen[f.MissingItem] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Unwrap exposes the underlying expression errors.
func (e *UnresolvedVariableError) Unwrap() []error {
	var out []error
	for _, f := range e.Failures {
		if f.Err != nil {
			out = append(out, f.Err)
		}
	}
	return out
}

// FormulaError wraps an expression failure with the item, sample and formula
// that produced it.
type FormulaError struct {
	Item string
	// Stage is "variable", "pre_processing" or "joint".
	Stage       string
	Formula     string
	Source      string
	SampleIndex int
	Err         error
}

func (e *FormulaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "item %s: %s formula %s", quote(e.Item), e.Stage, quote(e.Formula))
	if e.SampleIndex > 0 {
		fmt.Fprintf(&b, " (sample %d)", e.SampleIndex)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *FormulaError) Unwrap() error { return e.Err }

// ExpressionError returns the underlying expression error, if any.
func (e *FormulaError) ExpressionError() (*expr.Error, bool) {
	var exprErr *expr.Error
	if errors.As(e.Err, &exprErr) {
		return exprErr, true
	}
	return nil, false
}

// MissingFinalValueError is raised for JOINT items without a usable final value.
type MissingFinalValueError struct {
	Item   string
	Reason string
	// Err is the evaluation failure of the final formula, if any.
	Err error
}

func (e *MissingFinalValueError) Error() string {
	return fmt.Sprintf("item %s: missing final value: %s", quote(e.Item), e.Reason)
}

func (e *MissingFinalValueError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request shape.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func quote(s string) string { return "\"" + s + "\"" }
