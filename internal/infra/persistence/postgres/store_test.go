package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"measurecore/internal/infra/persistence/postgres/testutil"
	"measurecore/pkg/domain"
	"strings"
	"testing"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreCreatesTableAndLoadsRows(t *testing.T) {
	db, conn := testutil.NewStubDB()
	payload, err := json.Marshal(domain.Batch{Base: domain.Base{ID: "b1"}, ProductID: "P-1", Status: domain.BatchInProgress})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	conn.Tables["batches"] = []map[string]any{{"id": "b1", "payload": payload}}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, ok := store.GetBatch("b1")
	if !ok || got.Status != domain.BatchInProgress {
		t.Fatalf("expected hydrated batch, got %+v", got)
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS BATCHES") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected batches DDL, got %v", conn.Execs)
	}
}

func TestRunInTransactionPersistsTouchedBatches(t *testing.T) {
	store, conn := openStub(t)
	var id string
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		b, err := tx.CreateBatch(domain.Batch{ProductID: "P-1"})
		id = b.ID
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rows := conn.Rows("batches")
	if len(rows) != 1 || rows[0]["id"] != id || rows[0]["status"] != string(domain.BatchPending) {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateBatch(id, func(b *domain.Batch) error {
			b.Status = domain.BatchCompleted
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rows = conn.Rows("batches")
	if len(rows) != 1 || rows[0]["status"] != string(domain.BatchCompleted) {
		t.Fatalf("expected upserted row, got %+v", rows)
	}

	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteBatch(id)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rows := conn.Rows("batches"); len(rows) != 0 {
		t.Fatalf("expected row removed, got %+v", rows)
	}
}

func TestRunInTransactionReadOnlySkipsWrite(t *testing.T) {
	store, conn := openStub(t)
	if _, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("noop transaction: %v", err)
	}
	if conn.Commits != 0 {
		t.Fatalf("expected no SQL commit, got %d", conn.Commits)
	}
}

func TestRunInTransactionSurfacesCommitFailure(t *testing.T) {
	store, conn := openStub(t)
	conn.FailCommit = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{ProductID: "P-1"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("postgres://example", nil); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	boom := errors.New("boom")
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, boom })
	defer restore()
	if _, err := NewStore("", nil); !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestFailedCommitLeavesStoreUnchanged(t *testing.T) {
	store, conn := openStub(t)
	var id string
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		b, err := tx.CreateBatch(domain.Batch{ProductID: "P-1"})
		id = b.ID
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	conn.FailCommit = true
	ok := true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateBatch(id, func(b *domain.Batch) error {
			b.Status = domain.BatchCompleted
			b.OverallResult = &ok
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected commit error")
	}
	got, found := store.GetBatch(id)
	if !found || got.Status != domain.BatchPending || got.OverallResult != nil {
		t.Fatalf("failed commit leaked into the store: %+v", got)
	}
}
