// Package postgres provides a Postgres-backed batch store that mirrors the
// in-memory semantics and keeps one JSONB row per batch.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"measurecore/internal/infra/persistence/memory"
	"measurecore/pkg/domain"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/measurecore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists batches to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the batches table exists and hydrates the in-memory store from it.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureBatchTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn within an in-memory transaction and writes the
// touched batches to Postgres before the new state is published.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.RunInTransactionWithCommit(ctx, fn, func(changes []domain.Change) error {
		return s.persist(ctx, changes)
	})
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureBatchTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure batches table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM batches`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Batches: map[string]domain.Batch{}}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan batch: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode batch %s: %w", id, err)
		}
		snapshot.Batches[id] = b
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate batches: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if change.Entity != domain.EntityBatch {
			continue
		}
		if change.Action == domain.ActionDelete {
			before, _ := change.Before.(domain.Batch)
			if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, before.ID); err != nil {
				return fmt.Errorf("delete batch %s: %w", before.ID, err)
			}
			continue
		}
		after, ok := change.After.(domain.Batch)
		if !ok {
			continue
		}
		data, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("encode batch %s: %w", after.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO batches(id,product_id,status,payload) VALUES($1,$2,$3,$4) ON CONFLICT(id) DO UPDATE SET product_id=EXCLUDED.product_id, status=EXCLUDED.status, payload=EXCLUDED.payload`,
			after.ID, after.ProductID, string(after.Status), data); err != nil {
			return fmt.Errorf("upsert batch %s: %w", after.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
