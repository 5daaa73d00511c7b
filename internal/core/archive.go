package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"measurecore/internal/blob"
	"measurecore/internal/engine"
	"measurecore/pkg/domain"
	"path"
	"time"
)

// ArchivedVerdict is the JSON document stored for every completed batch.
type ArchivedVerdict struct {
	MeasurementID      string                     `json:"measurement_id"`
	ProductID          string                     `json:"product_id"`
	BatchNumber        string                     `json:"batch_number"`
	OverallResult      bool                       `json:"overall_result"`
	Result             string                     `json:"result"`
	MeasuredBy         string                     `json:"measured_by,omitempty"`
	MeasuredAt         *time.Time                 `json:"measured_at,omitempty"`
	EvaluationSummary  engine.Summary             `json:"evaluation_summary"`
	MeasurementResults []domain.MeasurementResult `json:"measurement_results"`
}

// VerdictKey returns the archive key of a batch verdict.
func VerdictKey(productID, batchID string) string {
	return path.Join("verdicts", productID, batchID+".json")
}

func newArchivedVerdict(sub Submission) ArchivedVerdict {
	result := engine.ResultNG
	if sub.Verdict.OverallResult {
		result = engine.ResultOK
	}
	return ArchivedVerdict{
		MeasurementID:      sub.Batch.MeasurementID,
		ProductID:          sub.Batch.ProductID,
		BatchNumber:        sub.Batch.BatchNumber,
		OverallResult:      sub.Verdict.OverallResult,
		Result:             result,
		MeasuredBy:         sub.Batch.MeasuredBy,
		MeasuredAt:         sub.Batch.MeasuredAt,
		EvaluationSummary:  sub.Verdict.Summary,
		MeasurementResults: sub.Batch.MeasurementResults,
	}
}

// archiveVerdict writes the verdict after the batch is committed. Failures
// are logged; the stored batch remains the source of truth.
func (s *Service) archiveVerdict(ctx context.Context, sub Submission) {
	if s.archive == nil {
		return
	}
	doc := newArchivedVerdict(sub)
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Warn("encode verdict", "batch_id", sub.Batch.ID, "error", err)
		return
	}
	key := VerdictKey(sub.Batch.ProductID, sub.Batch.ID)
	_, err = s.archive.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"measurement-id": sub.Batch.MeasurementID,
			"result":         doc.Result,
		},
	})
	if err != nil {
		s.logger.Warn("archive verdict", "batch_id", sub.Batch.ID, "key", key, "error", err)
		return
	}
	s.logger.Debug("verdict archived", "batch_id", sub.Batch.ID, "key", key, "driver", s.archive.Driver())
}

// ArchivedVerdict reads the archived verdict of a completed batch.
func (s *Service) ArchivedVerdict(ctx context.Context, batchID string) (ArchivedVerdict, error) {
	var out ArchivedVerdict
	err := s.run(ctx, opArchivedVerdict, func(ctx context.Context) (string, error) {
		if s.archive == nil {
			return batchID, errors.New("verdict archive is not configured")
		}
		batch, err := s.loadBatch(batchID)
		if err != nil {
			return batchID, err
		}
		_, rc, err := s.archive.Get(ctx, VerdictKey(batch.ProductID, batch.ID))
		if err != nil {
			if errors.Is(err, blob.ErrNotExist) {
				return batchID, fmt.Errorf("verdict of batch %q: %w", batchID, domain.ErrNotFound)
			}
			return batchID, err
		}
		defer func() { _ = rc.Close() }()
		if err := json.NewDecoder(rc).Decode(&out); err != nil {
			return batchID, fmt.Errorf("decode verdict of batch %q: %w", batchID, err)
		}
		return batchID, nil
	})
	return out, err
}
