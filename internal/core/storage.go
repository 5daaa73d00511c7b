package core

import (
	"fmt"
	"measurecore/internal/config"
	"measurecore/internal/infra/persistence/memory"
	"measurecore/internal/infra/persistence/postgres"
	"measurecore/internal/infra/persistence/sqlite"
	"measurecore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
	RulesEngine     = domain.RulesEngine
	Result          = domain.Result
	Change          = domain.Change
)

// OpenPersistentStore selects a backend from the storage configuration.
// An empty driver means memory.
func OpenPersistentStore(cfg config.StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	switch StorageDriver(cfg.Driver) {
	case "", StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
