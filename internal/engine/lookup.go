package engine

import (
	"sort"

	"measurecore/pkg/domain"
)

// BatchLookup finds numeric sample data for a measurement item of the batch
// under evaluation. ok is false when the item has no numeric samples.
type BatchLookup interface {
	LookupSamples(itemID string) (values []float64, ok bool)
}

// LookupFunc adapts a function to BatchLookup.
type LookupFunc func(itemID string) ([]float64, bool)

// LookupSamples implements BatchLookup.
func (f LookupFunc) LookupSamples(itemID string) ([]float64, bool) { return f(itemID) }

// NoData is a lookup that never finds anything.
var NoData BatchLookup = LookupFunc(func(string) ([]float64, bool) { return nil, false })

// batchLookup searches the request's pending submissions first and then the
// batch's persisted results. The batch is a snapshot and never re-read.
type batchLookup struct {
	pending   map[string][]domain.Sample
	persisted map[string][]domain.SampleResult
}

// NewBatchLookup builds the lookup used during one evaluation call.
func NewBatchLookup(batch domain.Batch, pending []domain.ItemSubmission) BatchLookup {
	l := &batchLookup{
		pending:   make(map[string][]domain.Sample, len(pending)),
		persisted: make(map[string][]domain.SampleResult, len(batch.MeasurementResults)),
	}
	for _, sub := range pending {
		l.pending[sub.MeasurementItemNameID] = sub.Samples
	}
	for _, r := range batch.MeasurementResults {
		l.persisted[r.MeasurementItemNameID] = r.Samples
	}
	return l
}

func (l *batchLookup) LookupSamples(itemID string) ([]float64, bool) {
	if samples, ok := l.pending[itemID]; ok {
		if values := sampleNumbers(samples); len(values) > 0 {
			return values, true
		}
	}
	if results, ok := l.persisted[itemID]; ok {
		if values := resultNumbers(results); len(values) > 0 {
			return values, true
		}
	}
	return nil, false
}

// SampleNumber returns the numeric reading of a raw sample: the single value,
// or the after reading of a before/after pair. AVG references to a
// BEFORE_AFTER item and the own-item array of a JOINT BEFORE_AFTER item
// therefore average the after readings; formulas that need the before
// reading bind it per sample through pre-processing. Qualitative samples
// have none.
func SampleNumber(s domain.Sample) (float64, bool) {
	switch {
	case s.SingleValue != nil:
		return *s.SingleValue, true
	case s.BeforeAfterValue != nil:
		return s.BeforeAfterValue.After, true
	default:
		return 0, false
	}
}

func sampleNumbers(samples []domain.Sample) []float64 {
	ordered := make([]domain.Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SampleIndex < ordered[j].SampleIndex })
	var out []float64
	for _, s := range ordered {
		if v, ok := SampleNumber(s); ok {
			out = append(out, v)
		}
	}
	return out
}

func resultNumbers(samples []domain.SampleResult) []float64 {
	raw := make([]domain.Sample, 0, len(samples))
	var evaluated []float64
	for _, s := range samples {
		raw = append(raw, s.Sample)
		if s.EvaluatedValue != nil {
			evaluated = append(evaluated, *s.EvaluatedValue)
		}
	}
	if values := sampleNumbers(raw); len(values) > 0 {
		return values
	}
	return evaluated
}
