package engine

import (
	"math"

	"measurecore/pkg/domain"
)

// Verdict labels used in summaries.
const (
	ResultOK           = "OK"
	ResultNG           = "NG"
	ResultNotAvailable = "N/A"
)

// SampleSummary is the per-sample line of an item detail.
type SampleSummary struct {
	SampleIndex int    `json:"sample_index"`
	Status      *bool  `json:"status"`
	Result      string `json:"result"`
}

// ItemDetail summarises one measurement item.
type ItemDetail struct {
	MeasurementItem string                `json:"measurement_item"`
	Status          bool                  `json:"status"`
	Result          string                `json:"result"`
	EvaluationType  domain.EvaluationType `json:"evaluation_type"`
	FinalValue      *float64              `json:"final_value"`
	SamplesSummary  []SampleSummary       `json:"samples_summary"`
}

// Summary is the structured evaluation summary of a batch.
type Summary struct {
	TotalItems  int          `json:"total_items"`
	PassedItems int          `json:"passed_items"`
	FailedItems int          `json:"failed_items"`
	PassRate    float64      `json:"pass_rate"`
	ItemDetails []ItemDetail `json:"item_details"`
}

// BatchVerdict is the outcome of folding item results.
type BatchVerdict struct {
	OverallResult bool    `json:"overall_result"`
	Summary       Summary `json:"evaluation_summary"`
}

// Aggregate folds item results into a batch verdict. The overall result is
// the logical AND of item statuses; an item without a status counts as NG.
// Item order does not affect the verdict.
func Aggregate(results []domain.MeasurementResult) BatchVerdict {
	verdict := BatchVerdict{OverallResult: true}
	s := &verdict.Summary
	s.TotalItems = len(results)
	s.ItemDetails = make([]ItemDetail, 0, len(results))
	for _, r := range results {
		passed := r.Passed()
		if passed {
			s.PassedItems++
		} else {
			s.FailedItems++
			verdict.OverallResult = false
		}
		detail := ItemDetail{
			MeasurementItem: r.MeasurementItemNameID,
			Status:          passed,
			Result:          label(passed),
			EvaluationType:  detailType(r),
			FinalValue:      copyFloat(r.FinalValue),
			SamplesSummary:  make([]SampleSummary, 0, len(r.Samples)),
		}
		for _, smp := range r.Samples {
			line := SampleSummary{SampleIndex: smp.SampleIndex, Result: ResultNotAvailable}
			if smp.Status != nil {
				line.Status = boolPtr(*smp.Status)
				line.Result = label(*smp.Status)
			}
			detail.SamplesSummary = append(detail.SamplesSummary, line)
		}
		s.ItemDetails = append(s.ItemDetails, detail)
	}
	if s.TotalItems > 0 {
		s.PassRate = math.Round(float64(s.PassedItems)/float64(s.TotalItems)*100*100) / 100
	}
	return verdict
}

func detailType(r domain.MeasurementResult) domain.EvaluationType {
	if r.EvaluationType != "" {
		return r.EvaluationType
	}
	if len(r.JointResults) > 0 {
		return domain.EvaluationJoint
	}
	return domain.EvaluationPerSample
}

func label(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultNG
}

// ProductStatus is the listing state of a product's latest batch.
type ProductStatus string

// Listing states.
const (
	ProductTodo          ProductStatus = "TODO"
	ProductOngoing       ProductStatus = "ONGOING"
	ProductNeedToMeasure ProductStatus = "NEED_TO_MEASURE"
	ProductOK            ProductStatus = "OK"
)

// StatusOf maps a batch to its listing state. A nil batch means no batch
// has been created for the product. Completed batches list as OK whatever
// their verdict; the verdict itself is in OverallResult.
func StatusOf(b *domain.Batch) ProductStatus {
	if b == nil {
		return ProductTodo
	}
	switch b.Status {
	case domain.BatchPending:
		return ProductOngoing
	case domain.BatchInProgress:
		return ProductNeedToMeasure
	case domain.BatchCompleted:
		return ProductOK
	case domain.BatchCancelled:
		return ProductTodo
	default:
		return ProductTodo
	}
}

// Progress is the percentage of stored items that carry a status. It is 100
// for completed batches and nil when the batch holds no results.
func Progress(b *domain.Batch) *float64 {
	if b == nil || len(b.MeasurementResults) == 0 {
		if b != nil && b.Status == domain.BatchCompleted {
			return floatPtr(100)
		}
		return nil
	}
	if b.Status == domain.BatchCompleted {
		return floatPtr(100)
	}
	done := 0
	for _, r := range b.MeasurementResults {
		if r.Status != nil {
			done++
		}
	}
	return floatPtr(float64(done) / float64(len(b.MeasurementResults)) * 100)
}

func floatPtr(f float64) *float64 { return &f }
