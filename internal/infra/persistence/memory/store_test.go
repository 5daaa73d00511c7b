package memory

import (
	"context"
	"errors"
	"measurecore/pkg/domain"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestStoreCreateAndGetBatch(t *testing.T) {
	store := NewStore(nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.SetNowFunc(fixedClock(now))

	var created Batch
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateBatch(Batch{ProductID: "P-1", BatchNumber: "B-1", SampleCount: 3})
		return err
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.Status != domain.BatchPending {
		t.Fatalf("expected pending status, got %q", created.Status)
	}
	if !created.CreatedAt.Equal(now) || !created.UpdatedAt.Equal(now) {
		t.Fatalf("expected timestamps from clock, got %v %v", created.CreatedAt, created.UpdatedAt)
	}
	got, ok := store.GetBatch(created.ID)
	if !ok || got.BatchNumber != "B-1" {
		t.Fatalf("expected stored batch, got %+v", got)
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.CreateBatch(Batch{ProductID: "P-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := len(store.ListBatches()); n != 0 {
		t.Fatalf("expected rollback, found %d batches", n)
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	store := NewStore(nil)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.SetNowFunc(fixedClock(start))
	var id string
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		b, err := tx.CreateBatch(Batch{ProductID: "P-1"})
		id = b.ID
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := start.Add(time.Hour)
	store.SetNowFunc(fixedClock(later))
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdateBatch(id, func(b *Batch) error {
			b.Status = domain.BatchInProgress
			b.ID = "hijack"
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.GetBatch(id)
	if got.Status != domain.BatchInProgress {
		t.Fatalf("expected in progress, got %q", got.Status)
	}
	if got.ID != id || !got.CreatedAt.Equal(start) || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected identity or timestamps: %+v", got.Base)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteBatch(id)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.GetBatch(id); ok {
		t.Fatalf("expected batch to be deleted")
	}
}

func TestStoreMissingBatchErrors(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdateBatch("missing", func(*Batch) error { return nil })
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from update, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteBatch("missing")
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.CreateBatch(Batch{Base: domain.Base{ID: "dup"}}); err != nil {
			return err
		}
		_, err := tx.CreateBatch(Batch{Base: domain.Base{ID: "dup"}})
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestStoreReturnsDeepCopies(t *testing.T) {
	store := NewStore(nil)
	ok := true
	v := 1.5
	var id string
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		b, err := tx.CreateBatch(Batch{
			OverallResult: &ok,
			MeasurementResults: []domain.MeasurementResult{{
				MeasurementItemNameID: "len",
				Status:                &ok,
				Samples:               []domain.SampleResult{{Sample: domain.Sample{SampleIndex: 1, SingleValue: &v}}},
			}},
		})
		id = b.ID
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.GetBatch(id)
	*got.OverallResult = false
	*got.MeasurementResults[0].Samples[0].SingleValue = 99
	got.MeasurementResults[0].MeasurementItemNameID = "changed"

	again, _ := store.GetBatch(id)
	if !*again.OverallResult {
		t.Fatalf("overall result aliased")
	}
	if *again.MeasurementResults[0].Samples[0].SingleValue != 1.5 {
		t.Fatalf("sample value aliased")
	}
	if again.MeasurementResults[0].MeasurementItemNameID != "len" {
		t.Fatalf("results slice aliased")
	}
}

func TestStoreListOrdersByCreation(t *testing.T) {
	store := NewStore(nil)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		store.SetNowFunc(fixedClock(base.Add(time.Duration(i) * time.Minute)))
		id := id
		if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			_, err := tx.CreateBatch(Batch{Base: domain.Base{ID: id}})
			return err
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list := store.ListBatches()
	if len(list) != 3 || list[0].ID != "c" || list[1].ID != "a" || list[2].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestStoreTransactionChangesAndSnapshot(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		b, err := tx.CreateBatch(Batch{ProductID: "P-1"})
		if err != nil {
			return err
		}
		if _, ok := tx.Snapshot().FindBatch(b.ID); !ok {
			t.Fatalf("snapshot should see own writes")
		}
		if _, err := tx.UpdateBatch(b.ID, func(x *Batch) error { x.Notes = "n"; return nil }); err != nil {
			return err
		}
		changes := tx.Changes()
		if len(changes) != 2 || changes[0].Action != domain.ActionCreate || changes[1].Action != domain.ActionUpdate {
			t.Fatalf("unexpected changes: %+v", changes)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

type blockRule struct{}

func (blockRule) Name() string { return "block" }

func (blockRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	if len(view.ListBatches()) > 1 {
		return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "one batch only", Entity: domain.EntityBatch}}}, nil
	}
	return domain.Result{}, nil
}

func TestStoreBlockingRuleDiscardsTransaction(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockRule{})
	store := NewStore(engine)
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatch(Batch{})
		return err
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	res, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatch(Batch{})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	if n := len(store.ListBatches()); n != 1 {
		t.Fatalf("expected 1 batch after block, got %d", n)
	}
	if store.RulesEngine() != engine {
		t.Fatalf("expected configured engine")
	}
}

func TestStoreExportImport(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatch(Batch{Base: domain.Base{ID: "b1"}, ProductID: "P-1"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap := store.ExportState()
	other := NewStore(nil)
	other.ImportState(snap)
	got, ok := other.GetBatch("b1")
	if !ok || got.ProductID != "P-1" {
		t.Fatalf("expected imported batch, got %+v", got)
	}
	err := other.View(context.Background(), func(v TransactionView) error {
		if len(v.ListBatches()) != 1 {
			t.Fatalf("expected one batch in view")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCommitHookErrorDiscardsTransaction(t *testing.T) {
	store := NewStore(nil)
	var seen []Change
	_, err := store.RunInTransactionWithCommit(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{ProductID: "P-1"})
		return err
	}, func(changes []Change) error {
		seen = changes
		return errors.New("disk full")
	})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(seen) != 1 || seen[0].Action != domain.ActionCreate {
		t.Fatalf("hook saw unexpected changes %+v", seen)
	}
	if n := len(store.ListBatches()); n != 0 {
		t.Fatalf("expected empty store, got %d batches", n)
	}
}
