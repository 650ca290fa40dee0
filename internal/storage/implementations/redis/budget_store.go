package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

const storageType = "redis"

// maxReserveAttempts bounds optimistic retries when another writer touches the
// session key between WATCH and EXEC.
const maxReserveAttempts = 10

// RedisConfig holds configuration for the Redis budget store
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	KeyPrefix    string        `json:"key_prefix"`
	TTL          time.Duration `json:"ttl"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RedisBudgetStore keeps one JSON budget snapshot per analyst session.
type RedisBudgetStore struct {
	config *RedisConfig
	client *redis.Client
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisBudgetStore creates a store; Connect must be called before use.
func NewRedisBudgetStore(config *RedisConfig, logger *logrus.Logger) (*RedisBudgetStore, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis config cannot be nil")
	}
	if config.Addr == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis address is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisBudgetStore{
		config: config,
		logger: logger,
	}, nil
}

// Connect opens the client and verifies the server answers.
func (r *RedisBudgetStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         r.config.Addr,
		Password:     r.config.Password,
		DB:           r.config.DB,
		PoolSize:     r.config.PoolSize,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.NewStorageConnectionError(storageType, r.config.Addr, err)
	}

	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr": r.config.Addr,
		"db":   r.config.DB,
	}).Info("Connected to Redis budget store")

	return nil
}

func (r *RedisBudgetStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.closed = true
	return err
}

func (r *RedisBudgetStore) Ping(ctx context.Context) error {
	client, err := r.connected()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (r *RedisBudgetStore) Load(ctx context.Context, session string) (*privacy.BudgetSnapshot, error) {
	client, err := r.connected()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := client.Get(ctx, r.budgetKey(session)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "load", storageType).WithKey(session).WithDuration(time.Since(start))
	}

	snapshot := &privacy.BudgetSnapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, errors.WrapStorageError(err, "load", storageType).WithKey(session)
	}

	r.logger.WithFields(logrus.Fields{
		"session":  session,
		"duration": time.Since(start),
	}).Debug("Loaded budget snapshot")

	return snapshot, nil
}

func (r *RedisBudgetStore) Save(ctx context.Context, snapshot *privacy.BudgetSnapshot) error {
	client, err := r.connected()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Session == "" {
		return errors.InvalidParameter("snapshot", nil, "snapshot must name a session")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize budget snapshot")
	}

	if err := client.Set(ctx, r.budgetKey(snapshot.Session), data, r.config.TTL).Err(); err != nil {
		return errors.WrapStorageError(err, "save", storageType).WithKey(snapshot.Session)
	}
	return nil
}

// Reserve charges the stored budget with an optimistic WATCH/MULTI/EXEC
// transaction on the session key, retrying when a concurrent writer wins.
func (r *RedisBudgetStore) Reserve(ctx context.Context, session string, total float64, txs []privacy.BudgetTransaction, allowOverspend bool) (*privacy.BudgetSnapshot, error) {
	client, err := r.connected()
	if err != nil {
		return nil, err
	}
	if session == "" {
		return nil, errors.InvalidParameter("session", session, "session must not be empty")
	}

	key := r.budgetKey(session)
	var charged *privacy.BudgetSnapshot
	charge := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		snapshot, encoded, err := chargeSnapshot(data, session, total, txs, allowOverspend)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.config.TTL)
			return nil
		})
		if err == nil {
			charged = snapshot
		}
		return err
	}

	start := time.Now()
	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		err := client.Watch(ctx, charge, key)
		switch {
		case err == nil:
			r.logger.WithFields(logrus.Fields{
				"session":  session,
				"spent":    charged.Spent,
				"attempts": attempt,
				"duration": time.Since(start),
			}).Debug("Reserved budget")
			return charged, nil
		case err == redis.TxFailedErr:
			continue
		case stderrors.Is(err, errors.ErrBudgetExhausted):
			return nil, err
		default:
			return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session).WithDuration(time.Since(start))
		}
	}
	return nil, errors.NewStorageError("RESERVE_CONFLICT", "budget kept changing during reserve").
		WithContext("session", session)
}

// chargeSnapshot applies txs to the stored JSON snapshot (nil data for an
// unknown session) and returns the charged snapshot with its encoding.
func chargeSnapshot(data []byte, session string, total float64, txs []privacy.BudgetTransaction, allowOverspend bool) (*privacy.BudgetSnapshot, []byte, error) {
	snapshot := &privacy.BudgetSnapshot{Session: session, Total: total}
	if data != nil {
		if err := json.Unmarshal(data, snapshot); err != nil {
			return nil, nil, err
		}
	}
	if err := privacy.ApplyCharge(snapshot, txs, allowOverspend); err != nil {
		return nil, nil, err
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, encoded, nil
}

func (r *RedisBudgetStore) Delete(ctx context.Context, session string) error {
	client, err := r.connected()
	if err != nil {
		return err
	}

	n, err := client.Del(ctx, r.budgetKey(session)).Result()
	if err != nil {
		return errors.WrapStorageError(err, "delete", storageType).WithKey(session)
	}
	if n == 0 {
		return errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	return nil
}

func (r *RedisBudgetStore) connected() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	return r.client, nil
}

func (r *RedisBudgetStore) budgetKey(session string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:budget:%s", r.config.KeyPrefix, session)
	}
	return fmt.Sprintf("budget:%s", session)
}
