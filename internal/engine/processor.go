package engine

import (
	"measurecore/pkg/domain"
	"measurecore/pkg/expr"
)

// Process runs the point's pre-processing formulas for one sample. Raw
// readings are bound as single_value, or before and after, next to the
// resolved variables; each formula's result is bound by name for the
// formulas that follow it.
func (e *Engine) Process(mp domain.MeasurementPoint, sample domain.Sample, resolved Resolved) (domain.SampleResult, error) {
	result := domain.SampleResult{Sample: sample}
	if len(mp.PreProcessingFormulas) == 0 {
		return result, nil
	}
	bindings := resolved.Bindings()
	switch mp.Setup.Type {
	case domain.SetupSingle:
		if sample.SingleValue != nil {
			bindings[domain.BindingSingleValue] = expr.Number(*sample.SingleValue)
		}
	case domain.SetupBeforeAfter:
		if ba := sample.BeforeAfterValue; ba != nil {
			bindings[domain.BindingBefore] = expr.Number(ba.Before)
			bindings[domain.BindingAfter] = expr.Number(ba.After)
		}
	}

	values := make([]domain.FormulaValue, 0, len(mp.PreProcessingFormulas))
	for _, f := range mp.PreProcessingFormulas {
		v, err := expr.Evaluate(f.Formula, bindings, e.functions)
		if err != nil {
			return domain.SampleResult{}, e.formulaError(mp.NameID(), "pre_processing", f.Name, f.Formula, sample.SampleIndex, err)
		}
		bindings[f.Name] = expr.Number(v)
		values = append(values, domain.FormulaValue{Name: f.Name, Formula: f.Formula, Value: &v, IsShow: f.IsShow})
	}
	result.PreProcessingFormulaValues = values
	return result, nil
}

// FormulaValue returns a named pre-processing value of a processed sample.
func FormulaValue(s domain.SampleResult, name string) (float64, bool) {
	for _, fv := range s.PreProcessingFormulaValues {
		if fv.Name == name && fv.Value != nil {
			return *fv.Value, true
		}
	}
	return 0, false
}
