package core

import (
	"context"
	"fmt"
	"measurecore/internal/engine"
	"measurecore/pkg/domain"
)

// SampleCheck is the answer to a single-item check. Awaiting is set for
// items whose samples arrive from an instrument or another item; Result is
// set otherwise.
type SampleCheck struct {
	Item        string                    `json:"measurement_item_name_id"`
	Source      domain.Source             `json:"source_type"`
	Awaiting    bool                      `json:"awaiting"`
	Message     string                    `json:"message,omitempty"`
	DerivedFrom string                    `json:"derived_from,omitempty"`
	Result      *domain.MeasurementResult `json:"result,omitempty"`
}

// ProgressReport summarises a partial save.
type ProgressReport struct {
	MeasurementID string             `json:"measurement_id"`
	Status        domain.BatchStatus `json:"status"`
	Progress      *float64           `json:"progress"`
	SavedItems    int                `json:"saved_items"`
	TotalItems    int                `json:"total_items"`
}

// Submission is the outcome of a final submission.
type Submission struct {
	Batch   domain.Batch        `json:"batch"`
	Verdict engine.BatchVerdict `json:"verdict"`
}

func (s *Service) loadBatch(id string) (domain.Batch, error) {
	b, ok := s.store.GetBatch(id)
	if !ok {
		return domain.Batch{}, fmt.Errorf("batch %q: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (s *Service) point(ctx context.Context, productID, item string) (domain.MeasurementPoint, error) {
	mp, err := s.schemas.MeasurementPoint(ctx, productID, item)
	if err != nil {
		return domain.MeasurementPoint{}, &domain.ValidationError{
			Field:   "measurement_item_name_id",
			Message: fmt.Sprintf("unknown item %q for product %q", item, productID),
		}
	}
	return mp, nil
}

// CheckSamples evaluates one item against the batch without storing
// anything, so an operator can see the verdict before saving.
func (s *Service) CheckSamples(ctx context.Context, batchID string, sub domain.ItemSubmission) (SampleCheck, error) {
	check := SampleCheck{Item: sub.MeasurementItemNameID}
	err := s.run(ctx, opCheckSamples, func(ctx context.Context) (string, error) {
		batch, err := s.loadBatch(batchID)
		if err != nil {
			return batchID, err
		}
		mp, err := s.point(ctx, batch.ProductID, sub.MeasurementItemNameID)
		if err != nil {
			return batchID, err
		}
		check.Source = mp.Setup.Source
		switch mp.Setup.Source {
		case domain.SourceInstrument:
			check.Awaiting = true
			check.Message = "waiting for instrument data"
			return batchID, nil
		case domain.SourceDerived:
			check.Awaiting = true
			check.DerivedFrom = mp.Setup.SourceDerivedNameID
			check.Message = fmt.Sprintf("waiting for data derived from %s", mp.Setup.SourceDerivedNameID)
			return batchID, nil
		case domain.SourceManual:
		default:
			return batchID, &domain.SchemaError{ProductID: batch.ProductID, Item: mp.NameID(), Problems: []string{fmt.Sprintf("unsupported source %q", mp.Setup.Source)}}
		}
		if err := domain.ValidateSubmissions([]domain.ItemSubmission{sub}, true); err != nil {
			return batchID, err
		}
		result, err := s.engine.EvaluateItem(mp, sub, engine.NewBatchLookup(batch, nil))
		if err != nil {
			return batchID, err
		}
		now := s.now()
		result.EvaluatedAt = &now
		check.Result = &result
		return batchID, nil
	})
	return check, err
}

// CheckDependencies lists the items that item reads through AVG and that
// have no data yet, neither in submitted nor in the stored batch.
func (s *Service) CheckDependencies(ctx context.Context, batchID, item string, submitted []domain.ItemSubmission) ([]string, error) {
	var missing []string
	err := s.run(ctx, opCheckDependencies, func(ctx context.Context) (string, error) {
		batch, err := s.loadBatch(batchID)
		if err != nil {
			return batchID, err
		}
		mp, err := s.point(ctx, batch.ProductID, item)
		if err != nil {
			return batchID, err
		}
		missing = s.engine.CheckDependencies(mp, engine.NewBatchLookup(batch, submitted))
		return batchID, nil
	})
	return missing, err
}

// SaveProgress merges partial item submissions into the batch and moves it to
// IN_PROGRESS. Items that can be evaluated are stored with their verdict;
// the rest keep their raw data with a null status. Evaluation errors never
// abort a save.
func (s *Service) SaveProgress(ctx context.Context, batchID string, partial []domain.ItemSubmission) (ProgressReport, Result, error) {
	var (
		report ProgressReport
		res    Result
	)
	err := s.run(ctx, opSaveProgress, func(ctx context.Context) (string, error) {
		if err := domain.ValidateSubmissions(partial, false); err != nil {
			return batchID, err
		}
		return batchID, s.withBatchLock(ctx, batchID, func() error {
			var err error
			res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
				current, ok := tx.FindBatch(batchID)
				if !ok {
					return fmt.Errorf("batch %q: %w", batchID, domain.ErrNotFound)
				}
				if current.Status.Terminal() {
					return fmt.Errorf("batch %s is %s: %w", batchID, current.Status, domain.ErrBatchClosed)
				}
				lookup := engine.NewBatchLookup(current, partial)
				now := s.now()
				results := make([]domain.MeasurementResult, 0, len(partial))
				for _, sub := range partial {
					mp, err := s.point(ctx, current.ProductID, sub.MeasurementItemNameID)
					if err != nil {
						return err
					}
					result, err := s.engine.EvaluateItem(mp, sub, lookup)
					if err != nil {
						s.logger.Debug("item saved without verdict", "batch_id", batchID, "item", sub.MeasurementItemNameID, "reason", err)
						result = engine.RawResult(sub)
						result.EvaluationType = mp.EvaluationType
					} else {
						result.EvaluatedAt = &now
					}
					results = append(results, result)
				}
				updated, err := tx.UpdateBatch(batchID, func(b *domain.Batch) error {
					b.MergeResults(results)
					b.Status = domain.BatchInProgress
					if actor := ActorFrom(ctx); actor != "" {
						b.MeasuredBy = actor
					}
					return nil
				})
				if err != nil {
					return err
				}
				report = ProgressReport{
					MeasurementID: updated.MeasurementID,
					Status:        updated.Status,
					Progress:      engine.Progress(&updated),
					SavedItems:    len(partial),
					TotalItems:    len(updated.MeasurementResults),
				}
				return nil
			})
			return err
		})
	})
	return report, res, err
}

// SubmitBatch evaluates every item of the batch, the submitted ones and the
// ones stored by earlier saves, and completes the batch with the AND of their
// verdicts. Any evaluation error aborts the whole submission and leaves the
// stored batch untouched.
func (s *Service) SubmitBatch(ctx context.Context, batchID string, subs []domain.ItemSubmission) (Submission, Result, error) {
	var (
		out Submission
		res Result
	)
	err := s.run(ctx, opSubmitBatch, func(ctx context.Context) (string, error) {
		if err := domain.ValidateSubmissions(subs, true); err != nil {
			return batchID, err
		}
		err := s.withBatchLock(ctx, batchID, func() error {
			var err error
			res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
				current, ok := tx.FindBatch(batchID)
				if !ok {
					return fmt.Errorf("batch %q: %w", batchID, domain.ErrNotFound)
				}
				if current.Status.Terminal() {
					return fmt.Errorf("batch %s is %s: %w", batchID, current.Status, domain.ErrBatchClosed)
				}
				all := unionSubmissions(current, subs)
				lookup := engine.NewBatchLookup(current, all)
				now := s.now()
				results := make([]domain.MeasurementResult, 0, len(all))
				for _, sub := range all {
					mp, err := s.point(ctx, current.ProductID, sub.MeasurementItemNameID)
					if err != nil {
						return err
					}
					result, err := s.engine.EvaluateItem(mp, sub, lookup)
					if err != nil {
						return err
					}
					result.EvaluatedAt = &now
					results = append(results, result)
				}
				verdict := engine.Aggregate(results)
				updated, err := tx.UpdateBatch(batchID, func(b *domain.Batch) error {
					overall := verdict.OverallResult
					b.MeasurementResults = results
					b.Status = domain.BatchCompleted
					b.OverallResult = &overall
					b.MeasuredAt = &now
					if actor := ActorFrom(ctx); actor != "" {
						b.MeasuredBy = actor
					}
					return nil
				})
				if err != nil {
					return err
				}
				out = Submission{Batch: updated, Verdict: verdict}
				return nil
			})
			return err
		})
		if err != nil {
			return batchID, err
		}
		s.logger.Info("batch submitted", "batch_id", batchID, "overall_result", out.Verdict.OverallResult,
			"passed_items", out.Verdict.Summary.PassedItems, "failed_items", out.Verdict.Summary.FailedItems)
		s.archiveVerdict(ctx, out)
		return batchID, nil
	})
	return out, res, err
}

// unionSubmissions keeps stored item order, replaces stored items that are
// resubmitted and appends new items in request order.
func unionSubmissions(batch domain.Batch, subs []domain.ItemSubmission) []domain.ItemSubmission {
	byItem := make(map[string]domain.ItemSubmission, len(subs))
	for _, sub := range subs {
		byItem[sub.MeasurementItemNameID] = sub
	}
	out := make([]domain.ItemSubmission, 0, len(batch.MeasurementResults)+len(subs))
	stored := make(map[string]struct{}, len(batch.MeasurementResults))
	for _, r := range batch.MeasurementResults {
		stored[r.MeasurementItemNameID] = struct{}{}
		if sub, ok := byItem[r.MeasurementItemNameID]; ok {
			out = append(out, sub)
			continue
		}
		out = append(out, engine.Submission(r))
	}
	for _, sub := range subs {
		if _, ok := stored[sub.MeasurementItemNameID]; !ok {
			out = append(out, sub)
		}
	}
	return out
}
