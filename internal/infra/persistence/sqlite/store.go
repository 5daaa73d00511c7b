// Package sqlite persists batches to a local SQLite database. Transactions run
// against the in-memory store; the rows of touched batches are written after
// each successful commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"measurecore/internal/infra/persistence/memory"
	"measurecore/pkg/domain"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "measurecore.db"

// Store persists batches to a single SQLite table as JSON payloads.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the in-memory
// state from it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create batches table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, payload FROM batches`)
	if err != nil {
		return fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Batches: map[string]domain.Batch{}}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return fmt.Errorf("decode batch %s: %w", id, err)
		}
		snapshot.Batches[id] = b
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate batches: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// RunInTransaction applies fn in memory and writes the batches it created,
// updated or deleted before the new state is published. A failed write
// leaves the store unchanged.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.RunInTransactionWithCommit(ctx, fn, func(changes []domain.Change) error {
		return s.persist(ctx, changes)
	})
}

func (s *Store) persist(ctx context.Context, changes []domain.Change) (retErr error) {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if change.Entity != domain.EntityBatch {
			continue
		}
		if change.Action == domain.ActionDelete {
			before, _ := change.Before.(domain.Batch)
			if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, before.ID); err != nil {
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO batches(id,product_id,status,payload) VALUES(?,?,?,?) ON CONFLICT(id) DO UPDATE SET product_id=excluded.product_id, status=excluded.status, payload=excluded.payload`,
			after.ID, after.ProductID, string(after.Status), data); err != nil {
			return fmt.Errorf("upsert batch %s: %w", after.ID, err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
