package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

func newMockStore(t *testing.T) (*PostgresBudgetStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresBudgetStoreWithDB(db, "budgets", nil)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresBudgetStore_Connect(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "budgets"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Connect(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_Load(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"total_epsilon", "spent_epsilon", "transactions", "updated_at"}).
		AddRow(1.0, 0.3, []byte(`[{"id":"tx-1","query":"count","epsilon":0.3,"timestamp":"2024-03-01T11:59:00Z"}]`), updated)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_epsilon, spent_epsilon, transactions, updated_at FROM "budgets" WHERE session = $1`)).
		WithArgs("analyst-1").
		WillReturnRows(rows)

	snapshot, err := store.Load(context.Background(), "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, "analyst-1", snapshot.Session)
	assert.Equal(t, 1.0, snapshot.Total)
	assert.Equal(t, 0.3, snapshot.Spent)
	assert.Equal(t, updated, snapshot.UpdatedAt)
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, "tx-1", snapshot.Transactions[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_LoadMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_epsilon`)).
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, errors.ErrDataNotFound)
}

func TestPostgresBudgetStore_LoadFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_epsilon`)).
		WillReturnError(sql.ErrConnDone)

	_, err := store.Load(context.Background(), "analyst-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrDataNotFound)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPostgresBudgetStore_Save(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "budgets"`)).
		WithArgs("analyst-1", 1.0, 0.0, []byte(`[]`), updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), &privacy.BudgetSnapshot{Session: "analyst-1", Total: 1, UpdatedAt: updated})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	err = store.Save(context.Background(), &privacy.BudgetSnapshot{})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestPostgresBudgetStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "budgets" WHERE session = $1`)).
		WithArgs("analyst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "budgets"`)).
		WithArgs("analyst-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "analyst-1"))
	assert.ErrorIs(t, store.Delete(context.Background(), "analyst-2"), errors.ErrDataNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectReserve(mock sqlmock.Sqlmock, session string, total, spent float64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "budgets" (session, total_epsilon, spent_epsilon, transactions, updated_at) VALUES ($1, $2, 0, '[]', $3)`)).
		WithArgs(session, total, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_epsilon, spent_epsilon, transactions, updated_at FROM "budgets" WHERE session = $1 FOR UPDATE`)).
		WithArgs(session).
		WillReturnRows(sqlmock.NewRows([]string{"total_epsilon", "spent_epsilon", "transactions", "updated_at"}).
			AddRow(total, spent, []byte(`[]`), time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestPostgresBudgetStore_Reserve(t *testing.T) {
	store, mock := newMockStore(t)
	expectReserve(mock, "analyst-1", 1.0, 0.5)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "budgets" SET spent_epsilon = $2, transactions = $3, updated_at = $4 WHERE session = $1`)).
		WithArgs("analyst-1", 0.75, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snapshot, err := store.Reserve(context.Background(), "analyst-1", 1.0,
		[]privacy.BudgetTransaction{{ID: "tx-1", Query: "count", Epsilon: 0.25}}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, snapshot.Spent, 1e-12)
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, "tx-1", snapshot.Transactions[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_ReserveExhausted(t *testing.T) {
	store, mock := newMockStore(t)
	expectReserve(mock, "analyst-1", 1.0, 0.9)
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), "analyst-1", 1.0,
		[]privacy.BudgetTransaction{{ID: "tx-1", Query: "count", Epsilon: 0.25}}, false)
	assert.ErrorIs(t, err, errors.ErrBudgetExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_ReserveFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "budgets"`)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), "analyst-1", 1.0,
		[]privacy.BudgetTransaction{{ID: "tx-1", Epsilon: 0.25}}, false)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_ManagerRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_epsilon`)).
		WithArgs("analyst-1").
		WillReturnError(sql.ErrNoRows)
	expectReserve(mock, "analyst-1", 1.0, 0)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "budgets"`)).
		WithArgs("analyst-1", 0.25, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	manager, err := privacy.NewBudgetManager(1, false, store, nil)
	require.NoError(t, err)

	budget, err := manager.Budget(context.Background(), "analyst-1")
	require.NoError(t, err)
	_, _, err = budget.Spend("count", "", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, budget.Remaining(), 1e-12)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresBudgetStoreWithDB(db, "budgets", nil)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetStore_NotConnected(t *testing.T) {
	store, err := NewPostgresBudgetStore(&PostgresConfig{DSN: "postgres://localhost/ehr"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "privacy_budgets", store.config.Table)

	_, err = store.Load(context.Background(), "analyst-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	_, err = store.Reserve(context.Background(), "analyst-1", 1, nil, false)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.Error(t, store.Ping(context.Background()))
	assert.NoError(t, store.Close())
}
