package domain

import "context"

// Transaction exposes the batch operations a persistence implementation must
// support within an atomic scope. Reads inside a transaction observe the
// snapshot taken when it began plus the transaction's own writes.
type Transaction interface {
	Snapshot() TransactionView
	CreateBatch(Batch) (Batch, error)
	UpdateBatch(id string, mutator func(*Batch) error) (Batch, error)
	DeleteBatch(id string) error
	FindBatch(id string) (Batch, bool)
	// Changes lists the mutations recorded so far, in order.
	Changes() []Change
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	ListBatches() []Batch
	FindBatch(id string) (Batch, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetBatch(id string) (Batch, bool)
	ListBatches() []Batch
	RulesEngine() *RulesEngine
}
