package engine

import (
	"errors"
	"fmt"
	"sort"

	"measurecore/pkg/domain"
	"measurecore/pkg/expr"
)

// EvaluateItem turns one item submission into a verdict. It checks
// cross-item dependencies, resolves variables, processes every sample and
// applies the point's evaluation strategy. The result is a pure function of
// its inputs; EvaluatedAt is left for the caller to stamp.
func (e *Engine) EvaluateItem(mp domain.MeasurementPoint, sub domain.ItemSubmission, lookup BatchLookup) (domain.MeasurementResult, error) {
	item := mp.NameID()
	if lookup == nil {
		lookup = NoData
	}
	if _, legacy := e.LegacyAverageFallback(); !legacy {
		if missing := e.CheckDependencies(mp, lookup); len(missing) > 0 {
			return domain.MeasurementResult{}, &domain.MissingDependencyError{Item: item, Missing: missing}
		}
	}
	if len(sub.Samples) == 0 {
		return domain.MeasurementResult{}, &domain.ValidationError{Field: item + ".samples", Message: "at least one sample is required"}
	}
	samples := sortedSamples(sub.Samples)
	for _, s := range samples {
		if err := domain.ValidateSampleShape(mp, s); err != nil {
			return domain.MeasurementResult{}, err
		}
	}

	resolved, err := e.Resolve(item, mp.Variables, sub.ManualInputs(), lookup)
	if err != nil {
		return domain.MeasurementResult{}, err
	}

	processed := make([]domain.SampleResult, 0, len(samples))
	for _, s := range samples {
		sr, err := e.Process(mp, s, resolved)
		if err != nil {
			return domain.MeasurementResult{}, err
		}
		processed = append(processed, sr)
	}

	result := domain.MeasurementResult{
		MeasurementItemNameID: item,
		EvaluationType:        mp.EvaluationType,
		VariableValues:        resolved.Values(),
		Samples:               processed,
	}
	switch mp.EvaluationType {
	case domain.EvaluationSkipCheck:
		result.Status = boolPtr(true)
	case domain.EvaluationPerSample:
		err = e.evaluatePerSample(mp, &result)
	case domain.EvaluationJoint:
		err = e.evaluateJoint(mp, resolved, lookup, &result)
	default:
		err = &domain.SchemaError{Item: item, Problems: []string{fmt.Sprintf("unsupported evaluation type %q", mp.EvaluationType)}}
	}
	if err != nil {
		return domain.MeasurementResult{}, err
	}
	return result, nil
}

func (e *Engine) evaluatePerSample(mp domain.MeasurementPoint, result *domain.MeasurementResult) error {
	setting := mp.EvaluationSetting.PerSample
	if setting == nil {
		return &domain.SchemaError{Item: mp.NameID(), Problems: []string{"per_sample_setting is required for PER_SAMPLE evaluation"}}
	}
	all := true
	for i := range result.Samples {
		s := &result.Samples[i]
		var value *float64
		if setting.IsRawData {
			value = copyFloat(s.SingleValue)
		} else if v, ok := FormulaValue(*s, setting.PreProcessingFormulaName); ok {
			value = &v
		}
		ok := EvaluateRule(value, mp.RuleEvaluation)
		s.EvaluatedValue = value
		s.Status = boolPtr(ok)
		all = all && ok
	}
	result.Status = boolPtr(all)
	return nil
}

func (e *Engine) evaluateJoint(mp domain.MeasurementPoint, resolved Resolved, lookup BatchLookup, result *domain.MeasurementResult) error {
	item := mp.NameID()
	setting := mp.EvaluationSetting.Joint
	if setting == nil || len(setting.Formulas) == 0 {
		return &domain.MissingFinalValueError{Item: item, Reason: "no joint formulas declared"}
	}
	final := -1
	for i, f := range setting.Formulas {
		if f.IsFinalValue {
			final = i
			break
		}
	}
	if final < 0 {
		return &domain.MissingFinalValueError{Item: item, Reason: "no joint formula is marked is_final_value"}
	}

	bindings := resolved.Bindings()
	var own []float64
	for _, s := range result.Samples {
		if v, ok := SampleNumber(s.Sample); ok {
			own = append(own, v)
		}
	}
	bindings[item] = expr.Array(own)
	for _, f := range mp.PreProcessingFormulas {
		column := make([]float64, 0, len(result.Samples))
		for _, s := range result.Samples {
			if v, ok := FormulaValue(s, f.Name); ok {
				column = append(column, v)
			}
		}
		bindings[f.Name] = expr.Array(column)
	}

	joint := make([]domain.JointResult, 0, len(setting.Formulas))
	for i, f := range setting.Formulas {
		prog, err := expr.Compile(f.Formula)
		if err != nil {
			return e.formulaError(item, "joint", f.Name, f.Formula, 0, err)
		}
		for _, ref := range prog.Calls("AVG") {
			if _, bound := bindings[ref]; bound {
				continue
			}
			values, ok := lookup.LookupSamples(ref)
			if !ok {
				fallback, legacy := e.LegacyAverageFallback()
				if !legacy {
					return &domain.MissingDependencyError{Item: item, Missing: []string{ref}}
				}
				e.logger.Warn("substituting legacy average for item without data",
					"item", item, "formula", f.Name, "reference", ref, "value", fallback)
				values = []float64{fallback}
			}
			bindings[ref] = expr.Array(values)
		}
		v, err := prog.Eval(bindings, e.functions)
		if err != nil {
			if i == final && notANumber(err) {
				return &domain.MissingFinalValueError{
					Item:   item,
					Reason: fmt.Sprintf("final formula %q did not resolve to a number", f.Name),
					Err:    err,
				}
			}
			return e.formulaError(item, "joint", f.Name, f.Formula, 0, err)
		}
		bindings[f.Name] = expr.Number(v)
		joint = append(joint, domain.JointResult{Name: f.Name, Formula: f.Formula, Value: &v, IsFinalValue: f.IsFinalValue})
	}

	finalValue := joint[final].Value
	result.JointResults = joint
	result.FinalValue = copyFloat(finalValue)
	result.Status = boolPtr(EvaluateRule(finalValue, mp.RuleEvaluation))
	return nil
}

// RawResult records a submission without a verdict. Save-progress stores it
// for items that cannot be evaluated yet.
func RawResult(sub domain.ItemSubmission) domain.MeasurementResult {
	samples := sortedSamples(sub.Samples)
	out := domain.MeasurementResult{
		MeasurementItemNameID: sub.MeasurementItemNameID,
		Samples:               make([]domain.SampleResult, 0, len(samples)),
	}
	for _, v := range sub.VariableValues {
		out.VariableValues = append(out.VariableValues, domain.VariableValue{NameID: v.NameID, Value: v.Value, Type: domain.VariableManual})
	}
	for _, s := range samples {
		out.Samples = append(out.Samples, domain.SampleResult{Sample: s})
	}
	return out
}

// Submission rebuilds the raw submission stored inside a result so saved
// items can be evaluated again. Only MANUAL variable values are carried over.
func Submission(r domain.MeasurementResult) domain.ItemSubmission {
	sub := domain.ItemSubmission{MeasurementItemNameID: r.MeasurementItemNameID}
	for _, v := range r.VariableValues {
		if v.Type == domain.VariableManual || v.Type == "" {
			sub.VariableValues = append(sub.VariableValues, domain.VariableValue{NameID: v.NameID, Value: v.Value})
		}
	}
	for _, s := range r.Samples {
		sub.Samples = append(sub.Samples, s.Sample)
	}
	return sub
}

func sortedSamples(in []domain.Sample) []domain.Sample {
	out := make([]domain.Sample, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SampleIndex < out[j].SampleIndex })
	return out
}

func boolPtr(b bool) *bool { return &b }

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// notANumber reports whether err means the expression produced something
// other than a finite scalar.
func notANumber(err error) bool {
	var xerr *expr.Error
	if !errors.As(err, &xerr) {
		return false
	}
	return xerr.Kind == expr.KindType || xerr.Kind == expr.KindNonFinite
}
