package redis

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

func TestNewRedisBudgetStore(t *testing.T) {
	config := &RedisConfig{
		Addr: "localhost:6379",
		TTL:  time.Hour,
	}

	logger := logrus.New()
	store, err := NewRedisBudgetStore(config, logger)

	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Equal(t, config, store.config)
	assert.Equal(t, logger, store.logger)
}

func TestNewRedisBudgetStoreInvalidConfig(t *testing.T) {
	_, err := NewRedisBudgetStore(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewRedisBudgetStore(&RedisConfig{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestRedisBudgetStoreKeys(t *testing.T) {
	store, err := NewRedisBudgetStore(&RedisConfig{Addr: "localhost:6379", KeyPrefix: "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test:budget:analyst-1", store.budgetKey("analyst-1"))

	store, err = NewRedisBudgetStore(&RedisConfig{Addr: "localhost:6379"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "budget:analyst-1", store.budgetKey("analyst-1"))
}

func TestRedisBudgetStoreNotConnected(t *testing.T) {
	store, err := NewRedisBudgetStore(&RedisConfig{Addr: "localhost:6379"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Load(ctx, "analyst-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.NotErrorIs(t, err, errors.ErrDataNotFound)

	err = store.Save(ctx, &privacy.BudgetSnapshot{Session: "analyst-1", Total: 1})
	assert.Contains(t, err.Error(), "not connected")

	_, err = store.Reserve(ctx, "analyst-1", 1, []privacy.BudgetTransaction{{ID: "tx-1", Epsilon: 0.1}}, false)
	assert.Contains(t, err.Error(), "not connected")

	assert.Error(t, store.Delete(ctx, "analyst-1"))
	assert.Error(t, store.Ping(ctx))
	assert.NoError(t, store.Close())
}

func TestChargeSnapshot(t *testing.T) {
	txs := []privacy.BudgetTransaction{{ID: "tx-1", Query: "count", Epsilon: 0.4}}

	snapshot, encoded, err := chargeSnapshot(nil, "analyst-1", 1, txs, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snapshot.Total)
	assert.InDelta(t, 0.4, snapshot.Spent, 1e-12)

	// A second writer starts from what the first one stored.
	snapshot, encoded, err = chargeSnapshot(encoded, "analyst-1", 1, []privacy.BudgetTransaction{{ID: "tx-2", Epsilon: 0.4}}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, snapshot.Spent, 1e-12)
	require.Len(t, snapshot.Transactions, 2)

	_, _, err = chargeSnapshot(encoded, "analyst-1", 1, []privacy.BudgetTransaction{{ID: "tx-3", Epsilon: 0.4}}, false)
	assert.ErrorIs(t, err, errors.ErrBudgetExhausted)

	_, _, err = chargeSnapshot([]byte("{"), "analyst-1", 1, txs, false)
	assert.Error(t, err)
}
