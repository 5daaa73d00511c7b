// Package memory provides an in-memory transactional batch store. The SQL
// backed stores build on it and persist the batches a transaction touched.
package memory

import (
	"context"
	"fmt"
	"measurecore/pkg/domain"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exported aliases keep method signatures concise.
type (
	// Batch is an alias of domain.Batch.
	Batch = domain.Batch
	// Change is an alias of domain.Change.
	Change = domain.Change
	// Result is an alias of domain.Result.
	Result = domain.Result
	// RulesEngine is an alias of domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Transaction is an alias of domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView is an alias of domain.TransactionView.
	TransactionView = domain.TransactionView
)

var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	batches map[string]Batch
}

// Snapshot captures the store state for persistence.
type Snapshot struct {
	Batches map[string]Batch `json:"batches"`
}

func newMemoryState() memoryState {
	return memoryState{batches: map[string]Batch{}}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{Batches: make(map[string]Batch, len(state.batches))}
	for id, b := range state.batches {
		s.Batches[id] = CloneBatch(b)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for id, b := range s.Batches {
		if b.ID == "" {
			b.ID = id
		}
		state.batches[id] = CloneBatch(b)
	}
	return state
}

func (s memoryState) clone() memoryState { return memoryStateFromSnapshot(snapshotFromMemoryState(s)) }

// Store is an in-memory implementation of domain.PersistentStore.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc replaces the clock used to stamp created and updated times.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// NowFunc returns the clock used for timestamps.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RulesEngine returns the configured rules engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the current state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListBatches() []Batch {
	return sortedBatches(v.state.batches)
}

func (v transactionView) FindBatch(id string) (Batch, bool) {
	b, ok := v.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return CloneBatch(b), true
}

// RunInTransaction executes fn within a transactional snapshot. Registered
// rules see the transaction's final state; a blocking violation discards it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWithCommit(ctx, fn, nil)
}

// RunInTransactionWithCommit is RunInTransaction with a hook that receives
// the transaction's changes after the rules pass and before the new state is
// published. A hook error discards the transaction, so durable backends can
// write first and keep memory and disk in step.
func (s *Store) RunInTransactionWithCommit(ctx context.Context, fn func(tx Transaction) error, commit func([]Change) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &transaction{store: s, state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if commit != nil {
		if err := commit(tx.Changes()); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) Changes() []Change {
	out := make([]Change, len(tx.changes))
	copy(out, tx.changes)
	return out
}

func (tx *transaction) FindBatch(id string) (Batch, bool) {
	b, ok := tx.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return CloneBatch(b), true
}

func (tx *transaction) CreateBatch(b Batch) (Batch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, exists := tx.state.batches[b.ID]; exists {
		return Batch{}, fmt.Errorf("batch %q already exists", b.ID)
	}
	if b.Status == "" {
		b.Status = domain.BatchPending
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	tx.state.batches[b.ID] = CloneBatch(b)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: CloneBatch(b)})
	return CloneBatch(b), nil
}

func (tx *transaction) UpdateBatch(id string, mutator func(*Batch) error) (Batch, error) {
	current, ok := tx.state.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %q: %w", id, domain.ErrNotFound)
	}
	before := CloneBatch(current)
	current = CloneBatch(current)
	if err := mutator(&current); err != nil {
		return Batch{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.batches[id] = CloneBatch(current)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: CloneBatch(current)})
	return CloneBatch(current), nil
}

func (tx *transaction) DeleteBatch(id string) error {
	current, ok := tx.state.batches[id]
	if !ok {
		return fmt.Errorf("batch %q: %w", id, domain.ErrNotFound)
	}
	delete(tx.state.batches, id)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionDelete, Before: CloneBatch(current)})
	return nil
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(id string) (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return CloneBatch(b), true
}

// ListBatches returns all batches ordered by creation time, then id.
func (s *Store) ListBatches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedBatches(s.state.batches)
}

func sortedBatches(in map[string]Batch) []Batch {
	out := make([]Batch, 0, len(in))
	for _, b := range in {
		out = append(out, CloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
