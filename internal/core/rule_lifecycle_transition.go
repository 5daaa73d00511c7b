package core

import (
	"context"
	"fmt"
	"measurecore/pkg/domain"
	"reflect"
)

const lifecycleRuleName = "lifecycle_transition"

// LifecycleTransitionRule blocks illegal batch status transitions and any
// write to a batch that already reached a terminal state.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

var batchTransitions = map[domain.BatchStatus]map[domain.BatchStatus]struct{}{
	domain.BatchPending:    toSet(domain.BatchPending, domain.BatchInProgress, domain.BatchCompleted, domain.BatchCancelled),
	domain.BatchInProgress: toSet(domain.BatchInProgress, domain.BatchCompleted, domain.BatchCancelled),
	domain.BatchCompleted:  toSet(domain.BatchCompleted),
	domain.BatchCancelled:  toSet(domain.BatchCancelled),
}

func (lifecycleTransitionRule) Name() string { return lifecycleRuleName }

func (lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     lifecycleRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   domain.EntityBatch,
			EntityID: id,
		})
	}
	for _, change := range changes {
		if change.Entity != domain.EntityBatch {
			continue
		}
		after, hasAfter := batchPayload(change.After)
		if hasAfter && !after.Status.Valid() {
			block(after.ID, "batch %s is set to invalid status %q", after.ID, after.Status)
			continue
		}
		before, hasBefore := batchPayload(change.Before)
		if !hasBefore {
			if hasAfter && after.Status.Terminal() {
				block(after.ID, "batch %s cannot be created in terminal status %s", after.ID, after.Status)
			}
			continue
		}
		if !hasAfter {
			if before.Status == domain.BatchCompleted {
				block(before.ID, "completed batch %s cannot be deleted", before.ID)
			}
			continue
		}
		if _, ok := batchTransitions[before.Status][after.Status]; !ok {
			block(after.ID, "cannot move batch %s from %s to %s", after.ID, before.Status, after.Status)
			continue
		}
		if before.Status.Terminal() && !reflect.DeepEqual(before.MeasurementResults, after.MeasurementResults) {
			block(after.ID, "results of %s batch %s are immutable", before.Status, after.ID)
		}
	}
	return res, nil
}

func toSet(values ...domain.BatchStatus) map[domain.BatchStatus]struct{} {
	set := make(map[domain.BatchStatus]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
