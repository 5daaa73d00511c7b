package memory

import (
	"measurecore/pkg/domain"
	"time"
)

// CloneBatch returns a deep copy of b. Stored batches never share pointers
// or slices with values handed to callers.
func CloneBatch(b Batch) Batch {
	cp := b
	cp.OverallResult = cloneBool(b.OverallResult)
	cp.MeasuredAt = cloneTime(b.MeasuredAt)
	cp.DueDate = cloneTime(b.DueDate)
	if b.MeasurementResults != nil {
		cp.MeasurementResults = make([]domain.MeasurementResult, len(b.MeasurementResults))
		for i, r := range b.MeasurementResults {
			cp.MeasurementResults[i] = cloneResult(r)
		}
	}
	return cp
}

func cloneResult(r domain.MeasurementResult) domain.MeasurementResult {
	cp := r
	cp.Status = cloneBool(r.Status)
	cp.FinalValue = cloneFloat(r.FinalValue)
	cp.EvaluatedAt = cloneTime(r.EvaluatedAt)
	if r.VariableValues != nil {
		cp.VariableValues = make([]domain.VariableValue, len(r.VariableValues))
		copy(cp.VariableValues, r.VariableValues)
	}
	if r.Samples != nil {
		cp.Samples = make([]domain.SampleResult, len(r.Samples))
		for i, s := range r.Samples {
			cp.Samples[i] = cloneSampleResult(s)
		}
	}
	if r.JointResults != nil {
		cp.JointResults = make([]domain.JointResult, len(r.JointResults))
		for i, j := range r.JointResults {
			j.Value = cloneFloat(j.Value)
			cp.JointResults[i] = j
		}
	}
	return cp
}

func cloneSampleResult(s domain.SampleResult) domain.SampleResult {
	cp := s
	cp.SingleValue = cloneFloat(s.SingleValue)
	if s.BeforeAfterValue != nil {
		ba := *s.BeforeAfterValue
		cp.BeforeAfterValue = &ba
	}
	cp.QualitativeValue = cloneBool(s.QualitativeValue)
	cp.Status = cloneBool(s.Status)
	cp.EvaluatedValue = cloneFloat(s.EvaluatedValue)
	if s.PreProcessingFormulaValues != nil {
		cp.PreProcessingFormulaValues = make([]domain.FormulaValue, len(s.PreProcessingFormulaValues))
		for i, fv := range s.PreProcessingFormulaValues {
			fv.Value = cloneFloat(fv.Value)
			cp.PreProcessingFormulaValues[i] = fv
		}
	}
	return cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
