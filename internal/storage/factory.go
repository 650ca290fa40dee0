package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/internal/storage/implementations/postgres"
	"github.com/inferloop/ehrprivacy/internal/storage/implementations/redis"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// BudgetStore is a privacy.BudgetStore that holds a connection.
type BudgetStore interface {
	privacy.BudgetStore
	Ping(ctx context.Context) error
	Close() error
}

// CreateFunc builds and connects a store from configuration.
type CreateFunc func(ctx context.Context, cfg config.StorageConfig) (BudgetStore, error)

// Factory maps backend names to store constructors.
type Factory struct {
	creators map[string]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a factory with the memory, redis and postgres backends registered.
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]CreateFunc),
		logger:   logger,
	}
	factory.registerDefaults()
	return factory
}

// CreateStore builds the store named by cfg.Backend.
func (f *Factory) CreateStore(ctx context.Context, cfg config.StorageConfig) (BudgetStore, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[cfg.Backend]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError("UNSUPPORTED_TYPE", fmt.Sprintf("Storage backend '%s' is not supported", cfg.Backend))
	}

	store, err := createFunc(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f.logger.WithField("backend", cfg.Backend).Info("Created budget store")
	return store, nil
}

func (f *Factory) RegisterStore(backend string, createFunc CreateFunc) error {
	if backend == "" {
		return errors.NewValidationError("INVALID_TYPE", "Storage backend cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Storage create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[backend] = createFunc
	return nil
}

// SupportedBackends lists the registered backend names in order.
func (f *Factory) SupportedBackends() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	backends := make([]string, 0, len(f.creators))
	for b := range f.creators {
		backends = append(backends, b)
	}
	sort.Strings(backends)
	return backends
}

func (f *Factory) registerDefaults() {
	f.RegisterStore(config.BackendMemory, func(context.Context, config.StorageConfig) (BudgetStore, error) {
		return NewMemoryBudgetStore(), nil
	})

	f.RegisterStore(config.BackendRedis, func(ctx context.Context, cfg config.StorageConfig) (BudgetStore, error) {
		store, err := redis.NewRedisBudgetStore(&redis.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			TTL:          cfg.Redis.TTL,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, f.logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	})

	f.RegisterStore(config.BackendPostgres, func(ctx context.Context, cfg config.StorageConfig) (BudgetStore, error) {
		store, err := postgres.NewPostgresBudgetStore(&postgres.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, f.logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	})
}
