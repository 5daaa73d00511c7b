package core

import (
	"context"
	"fmt"
	"measurecore/internal/blob"
	"measurecore/internal/engine"
	"measurecore/internal/infra/lock"
	lockmemory "measurecore/internal/infra/lock/memory"
	"measurecore/internal/infra/persistence/memory"
	"measurecore/internal/registry"
	"time"
)

const defaultLockWait = 10 * time.Second

// Service exposes the transactional batch operations: batch lifecycle,
// partial saves, final submission and read-side status.
type Service struct {
	store    PersistentStore
	schemas  registry.SchemaRegistry
	engine   *engine.Engine
	locker   lock.Locker
	lockWait time.Duration
	archive  blob.Store
	logger   Logger
	clock    Clock
	audit    AuditRecorder
	metrics  MetricsRecorder
	tracer   Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. A nil logger keeps the noop default.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithEngine replaces the evaluation engine.
func WithEngine(e *engine.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithLocker sets the per-batch writer lock and how long to wait for it.
// A non-positive wait keeps the default.
func WithLocker(locker lock.Locker, wait time.Duration) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
		if wait > 0 {
			s.lockWait = wait
		}
	}
}

// WithArchive stores a JSON copy of every submitted verdict in store.
func WithArchive(store blob.Store) Option {
	return func(s *Service) {
		s.archive = store
	}
}

// NewService constructs a service backed by the supplied store and schemas.
func NewService(store PersistentStore, schemas registry.SchemaRegistry, opts ...Option) *Service {
	svc := &Service{
		store:    store,
		schemas:  schemas,
		engine:   engine.New(),
		locker:   lockmemory.New(),
		lockWait: defaultLockWait,
		logger:   noopLogger{},
		clock:    systemClock{},
		audit:    noopAuditRecorder{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(rules *RulesEngine, schemas registry.SchemaRegistry, opts ...Option) *Service {
	return NewService(memory.NewStore(rules), schemas, opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Engine returns the evaluation engine.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Operation names used for tracing, metrics and audit.
const (
	opCreateBatch       = "create_batch"
	opGetBatch          = "get_batch"
	opListBatches       = "list_batches"
	opCancelBatch       = "cancel_batch"
	opCheckSamples      = "check_samples"
	opCheckDependencies = "check_dependencies"
	opSaveProgress      = "save_progress"
	opSubmitBatch       = "submit_batch"
	opProductOverview   = "product_overview"
	opArchivedVerdict   = "archived_verdict"
)

type auditOperation struct {
	entity string
	action string
}

// Only writes and evaluations are audited.
var auditOperations = map[string]auditOperation{
	opCreateBatch:  {entity: "batch", action: "create"},
	opCancelBatch:  {entity: "batch", action: "cancel"},
	opCheckSamples: {entity: "measurement_item", action: "check"},
	opSaveProgress: {entity: "batch", action: "save_progress"},
	opSubmitBatch:  {entity: "batch", action: "submit"},
}

// run wraps an operation with tracing, metrics, audit and logging. fn
// returns the id of the entity it acted on.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	entityID, err := fn(ctx)
	duration := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	s.recordAudit(ctx, op, entityID, err, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "entity_id", entityID, "error", err)
		return err
	}
	s.logger.Debug("operation completed", "operation", op, "entity_id", entityID, "duration", duration)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, err error, duration time.Duration) {
	meta, ok := auditOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Actor:     ActorFrom(ctx),
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// withBatchLock serialises writers of one batch.
func (s *Service) withBatchLock(ctx context.Context, batchID string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, "batch:"+batchID)
	if err != nil {
		return fmt.Errorf("lock batch %s: %w", batchID, err)
	}
	defer unlock()
	return fn()
}
