package core

import (
	"context"
	"errors"
	"fmt"
	"measurecore/internal/engine"
	"measurecore/pkg/domain"
	"strings"

	"github.com/google/uuid"
)

const (
	measurementIDPrefix = "MSR-"
	defaultSampleCount  = 3
	createAttempts      = 3
)

func newMeasurementID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return measurementIDPrefix + strings.ToUpper(raw[:8])
}

func (s *Service) newBatchNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BATCH-" + s.now().Format("20060102") + "-" + strings.ToUpper(raw[:6])
}

// CreateBatch opens a PENDING batch for a registered product. The batch id is
// its measurement id (MSR-XXXXXXXX).
func (s *Service) CreateBatch(ctx context.Context, req domain.BatchRequest) (domain.Batch, Result, error) {
	var (
		created domain.Batch
		res     Result
	)
	err := s.run(ctx, opCreateBatch, func(ctx context.Context) (string, error) {
		if err := req.Validate(); err != nil {
			return "", err
		}
		product, err := s.schemas.Product(ctx, req.ProductID)
		if err != nil {
			return "", err
		}
		now := s.now()
		if req.DueDate != nil && !req.DueDate.After(now) {
			return "", &domain.ValidationError{Field: "due_date", Message: "must be in the future"}
		}
		batch := domain.Batch{
			ProductID:   product.ProductID,
			BatchNumber: req.BatchNumber,
			SampleCount: req.SampleCount,
			Status:      domain.BatchPending,
			MeasuredBy:  req.MeasuredBy,
			DueDate:     req.DueDate,
			Notes:       req.Notes,
		}
		if batch.BatchNumber == "" {
			batch.BatchNumber = s.newBatchNumber()
		}
		if batch.SampleCount == 0 {
			batch.SampleCount = defaultSampleCount
			if len(product.MeasurementPoints) > 0 && product.MeasurementPoints[0].Setup.SampleAmount > 0 {
				batch.SampleCount = product.MeasurementPoints[0].Setup.SampleAmount
			}
		}
		if batch.MeasuredBy == "" {
			batch.MeasuredBy = ActorFrom(ctx)
		}
		for attempt := 0; attempt < createAttempts; attempt++ {
			batch.MeasurementID = newMeasurementID()
			batch.ID = batch.MeasurementID
			res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
				if _, exists := tx.FindBatch(batch.ID); exists {
					return errMeasurementIDTaken
				}
				var err error
				created, err = tx.CreateBatch(batch)
				return err
			})
			if !errors.Is(err, errMeasurementIDTaken) {
				break
			}
		}
		if err != nil {
			return batch.ID, err
		}
		s.logger.Info("batch created", "batch_id", created.ID, "product_id", created.ProductID, "batch_number", created.BatchNumber)
		return created.ID, nil
	})
	return created, res, err
}

var errMeasurementIDTaken = errors.New("measurement id already taken")

// GetBatch returns a batch by its measurement id.
func (s *Service) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var batch domain.Batch
	err := s.run(ctx, opGetBatch, func(context.Context) (string, error) {
		b, ok := s.store.GetBatch(id)
		if !ok {
			return id, fmt.Errorf("batch %q: %w", id, domain.ErrNotFound)
		}
		batch = b
		return id, nil
	})
	return batch, err
}

// ListBatches returns the batches of a product, oldest first. An empty
// product id lists every batch.
func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.run(ctx, opListBatches, func(ctx context.Context) (string, error) {
		return productID, s.store.View(ctx, func(view TransactionView) error {
			for _, b := range view.ListBatches() {
				if productID == "" || b.ProductID == productID {
					out = append(out, b)
				}
			}
			return nil
		})
	})
	return out, err
}

// CancelBatch moves an open batch to CANCELLED.
func (s *Service) CancelBatch(ctx context.Context, id string) (domain.Batch, Result, error) {
	var (
		updated domain.Batch
		res     Result
	)
	err := s.run(ctx, opCancelBatch, func(ctx context.Context) (string, error) {
		return id, s.withBatchLock(ctx, id, func() error {
			var err error
			res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
				var err error
				updated, err = tx.UpdateBatch(id, func(b *domain.Batch) error {
					if b.Status.Terminal() {
						return fmt.Errorf("batch %s is %s: %w", id, b.Status, domain.ErrBatchClosed)
					}
					b.Status = domain.BatchCancelled
					return nil
				})
				return err
			})
			return err
		})
	})
	return updated, res, err
}

// ProductOverview is the listing view of a product: the state of its most
// recent batch.
type ProductOverview struct {
	ProductID   string               `json:"product_id"`
	Status      engine.ProductStatus `json:"status"`
	Progress    *float64             `json:"progress"`
	LatestBatch *domain.Batch        `json:"latest_batch,omitempty"`
}

// ProductOverview reports the listing state of a product from its newest batch.
func (s *Service) ProductOverview(ctx context.Context, productID string) (ProductOverview, error) {
	out := ProductOverview{ProductID: productID}
	err := s.run(ctx, opProductOverview, func(ctx context.Context) (string, error) {
		if _, err := s.schemas.Product(ctx, productID); err != nil {
			return productID, err
		}
		var latest *domain.Batch
		err := s.store.View(ctx, func(view TransactionView) error {
			// ListBatches is ordered by creation time.
			batches := view.ListBatches()
			for i := range batches {
				if batches[i].ProductID == productID {
					latest = &batches[i]
				}
			}
			return nil
		})
		if err != nil {
			return productID, err
		}
		out.Status = engine.StatusOf(latest)
		out.Progress = engine.Progress(latest)
		out.LatestBatch = latest
		return productID, nil
	})
	return out, err
}
