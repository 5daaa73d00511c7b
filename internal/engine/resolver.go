package engine

import (
	"fmt"

	"measurecore/pkg/domain"
	"measurecore/pkg/expr"
)

// Resolved holds the values of an item's variables in declaration order.
type Resolved struct {
	values []domain.VariableValue
}

// Values returns a copy of the resolved variables.
func (r Resolved) Values() []domain.VariableValue {
	out := make([]domain.VariableValue, len(r.values))
	copy(out, r.values)
	return out
}

// Get returns the value of a variable.
func (r Resolved) Get(name string) (float64, bool) {
	for _, v := range r.values {
		if v.NameID == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Bindings returns the variables as scalar expression bindings.
func (r Resolved) Bindings() expr.Bindings {
	out := make(expr.Bindings, len(r.values))
	for _, v := range r.values {
		out[v.NameID] = expr.Number(v.Value)
	}
	return out
}

// Resolve computes an item's variables strictly in declared order. FIXED
// variables copy their literal, MANUAL variables read manualInputs and
// FORMULA variables are evaluated against the variables resolved so far
// plus an array for every AVG(item) argument fetched from lookup.
//
// Resolution is all-or-nothing: every failing variable is collected and a
// *domain.UnresolvedVariableError is returned without partial bindings.
func (e *Engine) Resolve(item string, variables []domain.Variable, manualInputs map[string]float64, lookup BatchLookup) (Resolved, error) {
	if lookup == nil {
		lookup = NoData
	}
	var (
		resolved Resolved
		failures []domain.VariableFailure
		failed   = map[string]struct{}{}
	)
	fail := func(f domain.VariableFailure) {
		failures = append(failures, f)
		failed[f.Variable] = struct{}{}
	}

	for _, v := range variables {
		switch v.Type {
		case domain.VariableFixed:
			if v.Value == nil {
				fail(domain.VariableFailure{Variable: v.Name, Err: fmt.Errorf("fixed variable has no value")})
				continue
			}
			resolved.values = append(resolved.values, domain.VariableValue{NameID: v.Name, Value: *v.Value, Type: v.Type})
		case domain.VariableManual:
			value, ok := manualInputs[v.Name]
			if !ok {
				fail(domain.VariableFailure{Variable: v.Name, Err: fmt.Errorf("manual input not supplied")})
				continue
			}
			resolved.values = append(resolved.values, domain.VariableValue{NameID: v.Name, Value: value, Type: v.Type})
		case domain.VariableFormula:
			value, failure := e.resolveFormula(item, v, resolved, failed, lookup)
			if failure != nil {
				for _, f := range failure {
					fail(f)
				}
				continue
			}
			resolved.values = append(resolved.values, domain.VariableValue{NameID: v.Name, Value: value, Type: v.Type, Formula: v.Formula})
		default:
			fail(domain.VariableFailure{Variable: v.Name, Err: fmt.Errorf("unsupported variable type %q", v.Type)})
		}
	}
	if len(failures) > 0 {
		return Resolved{}, &domain.UnresolvedVariableError{Item: item, Failures: failures}
	}
	return resolved, nil
}

func (e *Engine) resolveFormula(item string, v domain.Variable, resolved Resolved, failed map[string]struct{}, lookup BatchLookup) (float64, []domain.VariableFailure) {
	prog, err := expr.Compile(v.Formula)
	if err != nil {
		return 0, []domain.VariableFailure{{Variable: v.Name, Err: e.formulaError(item, "variable", v.Name, v.Formula, 0, err)}}
	}
	var failures []domain.VariableFailure
	for _, id := range prog.Identifiers() {
		if _, ok := failed[id]; ok {
			failures = append(failures, domain.VariableFailure{Variable: v.Name, Err: fmt.Errorf("depends on unresolved variable %q", id)})
		}
	}
	bindings := resolved.Bindings()
	for _, ref := range prog.Calls("AVG") {
		values, ok := lookup.LookupSamples(ref)
		if !ok {
			fallback, legacy := e.LegacyAverageFallback()
			if !legacy {
				failures = append(failures, domain.VariableFailure{Variable: v.Name, MissingItem: ref})
				continue
			}
			e.logger.Warn("substituting legacy average for item without data",
				"item", item, "variable", v.Name, "reference", ref, "value", fallback)
			values = []float64{fallback}
		}
		bindings[ref] = expr.Array(values)
	}
	if len(failures) > 0 {
		return 0, failures
	}
	value, err := prog.Eval(bindings, e.functions)
	if err != nil {
		return 0, []domain.VariableFailure{{Variable: v.Name, Err: e.formulaError(item, "variable", v.Name, v.Formula, 0, err)}}
	}
	return value, nil
}

func (e *Engine) formulaError(item, stage, name, source string, sampleIndex int, err error) error {
	return &domain.FormulaError{Item: item, Stage: stage, Formula: name, Source: source, SampleIndex: sampleIndex, Err: err}
}
