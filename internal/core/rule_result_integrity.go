package core

import (
	"context"
	"fmt"
	"measurecore/pkg/domain"
)

const resultIntegrityRuleName = "result_integrity"

// ResultIntegrityRule checks that stored results are keyed uniquely and that
// a batch's overall result is consistent with its item verdicts.
func ResultIntegrityRule() domain.Rule {
	return resultIntegrityRule{}
}

type resultIntegrityRule struct{}

func (resultIntegrityRule) Name() string { return resultIntegrityRuleName }

func (resultIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	add := func(severity domain.Severity, id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     resultIntegrityRuleName,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
			Entity:   domain.EntityBatch,
			EntityID: id,
		})
	}
	checked := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityBatch {
			continue
		}
		after, ok := batchPayload(change.After)
		if !ok {
			continue
		}
		if _, done := checked[after.ID]; done {
			continue
		}
		checked[after.ID] = struct{}{}
		// Rules run against the transaction's final state.
		batch, ok := view.FindBatch(after.ID)
		if !ok {
			continue
		}

		seen := make(map[string]struct{}, len(batch.MeasurementResults))
		allPassed := true
		for _, r := range batch.MeasurementResults {
			if _, dup := seen[r.MeasurementItemNameID]; dup {
				add(domain.SeverityBlock, batch.ID, "batch %s stores item %s more than once", batch.ID, r.MeasurementItemNameID)
			}
			seen[r.MeasurementItemNameID] = struct{}{}
			allPassed = allPassed && r.Passed()
			if batch.SampleCount > 0 && len(r.Samples) > batch.SampleCount {
				add(domain.SeverityWarn, batch.ID, "item %s has %d samples, batch %s expects %d",
					r.MeasurementItemNameID, len(r.Samples), batch.ID, batch.SampleCount)
			}
		}

		switch batch.Status {
		case domain.BatchCompleted:
			if batch.OverallResult == nil {
				add(domain.SeverityBlock, batch.ID, "completed batch %s has no overall result", batch.ID)
				continue
			}
			for _, r := range batch.MeasurementResults {
				if r.Status == nil {
					add(domain.SeverityBlock, batch.ID, "completed batch %s has unevaluated item %s", batch.ID, r.MeasurementItemNameID)
				}
			}
			if *batch.OverallResult != allPassed {
				add(domain.SeverityBlock, batch.ID, "overall result of batch %s disagrees with its items", batch.ID)
			}
		case domain.BatchPending, domain.BatchInProgress, domain.BatchCancelled:
			if batch.OverallResult != nil {
				add(domain.SeverityBlock, batch.ID, "batch %s carries an overall result before completion", batch.ID)
			}
		default:
			// reported by the lifecycle rule
		}
	}
	return res, nil
}
