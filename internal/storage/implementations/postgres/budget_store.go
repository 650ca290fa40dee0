package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

const storageType = "postgres"

// PostgresConfig holds configuration for the Postgres budget store
type PostgresConfig struct {
	DSN             string        `json:"dsn"`
	Table           string        `json:"table"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
}

// PostgresBudgetStore keeps one row per analyst session, with the ledger
// stored as JSONB.
type PostgresBudgetStore struct {
	config  *PostgresConfig
	db      *sql.DB
	logger  *logrus.Logger
	mu      sync.RWMutex
	queries queries
}

type queries struct {
	create string
	load   string
	save   string
	delete string
	seed   string
	lock   string
	charge string
}

func newQueries(table string) queries {
	t := pq.QuoteIdentifier(table)
	return queries{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session TEXT PRIMARY KEY,
	total_epsilon DOUBLE PRECISION NOT NULL,
	spent_epsilon DOUBLE PRECISION NOT NULL,
	transactions JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, t),
		load: fmt.Sprintf(`SELECT total_epsilon, spent_epsilon, transactions, updated_at FROM %s WHERE session = $1`, t),
		save: fmt.Sprintf(`INSERT INTO %s (session, total_epsilon, spent_epsilon, transactions, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session) DO UPDATE SET total_epsilon = EXCLUDED.total_epsilon, spent_epsilon = EXCLUDED.spent_epsilon, transactions = EXCLUDED.transactions, updated_at = EXCLUDED.updated_at`, t),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE session = $1`, t),
		seed: fmt.Sprintf(`INSERT INTO %s (session, total_epsilon, spent_epsilon, transactions, updated_at) VALUES ($1, $2, 0, '[]', $3)
ON CONFLICT (session) DO NOTHING`, t),
		lock:   fmt.Sprintf(`SELECT total_epsilon, spent_epsilon, transactions, updated_at FROM %s WHERE session = $1 FOR UPDATE`, t),
		charge: fmt.Sprintf(`UPDATE %s SET spent_epsilon = $2, transactions = $3, updated_at = $4 WHERE session = $1`, t),
	}
}

func NewPostgresBudgetStore(config *PostgresConfig, logger *logrus.Logger) (*PostgresBudgetStore, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Postgres config cannot be nil")
	}
	if config.Table == "" {
		config.Table = "privacy_budgets"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresBudgetStore{
		config:  config,
		logger:  logger,
		queries: newQueries(config.Table),
	}, nil
}

// NewPostgresBudgetStoreWithDB wraps an already open database handle.
func NewPostgresBudgetStoreWithDB(db *sql.DB, table string, logger *logrus.Logger) (*PostgresBudgetStore, error) {
	store, err := NewPostgresBudgetStore(&PostgresConfig{Table: table}, logger)
	if err != nil {
		return nil, err
	}
	store.db = db
	return store, nil
}

// Connect opens the pool, pings the server and creates the budget table.
func (p *PostgresBudgetStore) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		db, err := sql.Open("postgres", p.config.DSN)
		if err != nil {
			return errors.NewStorageConnectionError(storageType, p.config.Table, err)
		}
		db.SetMaxOpenConns(p.config.MaxOpenConns)
		db.SetMaxIdleConns(p.config.MaxIdleConns)
		db.SetConnMaxLifetime(p.config.ConnMaxLifetime)

		pingCtx := ctx
		if p.config.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
			defer cancel()
		}
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return errors.NewStorageConnectionError(storageType, p.config.Table, err)
		}
		p.db = db
	}

	if _, err := p.db.ExecContext(ctx, p.queries.create); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SCHEMA_INIT_FAILED", "Failed to initialize schema")
	}

	p.logger.WithField("table", p.config.Table).Info("Connected to Postgres budget store")
	return nil
}

func (p *PostgresBudgetStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PostgresBudgetStore) Load(ctx context.Context, session string) (*privacy.BudgetSnapshot, error) {
	db, err := p.handle()
	if err != nil {
		return nil, err
	}

	snapshot := &privacy.BudgetSnapshot{Session: session}
	var ledger []byte
	err = db.QueryRowContext(ctx, p.queries.load, session).
		Scan(&snapshot.Total, &snapshot.Spent, &ledger, &snapshot.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "load", storageType).WithKey(session)
	}

	if err := json.Unmarshal(ledger, &snapshot.Transactions); err != nil {
		return nil, errors.WrapStorageError(err, "load", storageType).WithKey(session)
	}
	return snapshot, nil
}

func (p *PostgresBudgetStore) Save(ctx context.Context, snapshot *privacy.BudgetSnapshot) error {
	db, err := p.handle()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Session == "" {
		return errors.InvalidParameter("snapshot", nil, "snapshot must name a session")
	}

	transactions := snapshot.Transactions
	if transactions == nil {
		transactions = []privacy.BudgetTransaction{}
	}
	ledger, err := json.Marshal(transactions)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize budget ledger")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, p.queries.save,
		snapshot.Session, snapshot.Total, snapshot.Spent, ledger, snapshot.UpdatedAt); err != nil {
		return errors.WrapStorageError(err, "save", storageType).WithKey(snapshot.Session).WithDuration(time.Since(start))
	}

	p.logger.WithFields(logrus.Fields{
		"session":  snapshot.Session,
		"spent":    snapshot.Spent,
		"duration": time.Since(start),
	}).Debug("Saved budget snapshot")
	return nil
}

// Reserve charges the session's row inside one transaction. The row is
// seeded when missing and then locked with SELECT ... FOR UPDATE, so
// concurrent reservations on a session serialize in the database.
func (p *PostgresBudgetStore) Reserve(ctx context.Context, session string, total float64, txs []privacy.BudgetTransaction, allowOverspend bool) (*privacy.BudgetSnapshot, error) {
	db, err := p.handle()
	if err != nil {
		return nil, err
	}
	if session == "" {
		return nil, errors.InvalidParameter("session", session, "session must not be empty")
	}

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, p.queries.seed, session, total, start.UTC()); err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}

	snapshot := &privacy.BudgetSnapshot{Session: session}
	var ledger []byte
	if err := tx.QueryRowContext(ctx, p.queries.lock, session).
		Scan(&snapshot.Total, &snapshot.Spent, &ledger, &snapshot.UpdatedAt); err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}
	if err := json.Unmarshal(ledger, &snapshot.Transactions); err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}

	if err := privacy.ApplyCharge(snapshot, txs, allowOverspend); err != nil {
		return nil, err
	}

	ledger, err = json.Marshal(snapshot.Transactions)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize budget ledger")
	}
	if _, err := tx.ExecContext(ctx, p.queries.charge, session, snapshot.Spent, ledger, snapshot.UpdatedAt); err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WrapStorageError(err, "reserve", storageType).WithKey(session)
	}

	p.logger.WithFields(logrus.Fields{
		"session":  session,
		"spent":    snapshot.Spent,
		"duration": time.Since(start),
	}).Debug("Reserved budget")
	return snapshot, nil
}

func (p *PostgresBudgetStore) Delete(ctx context.Context, session string) error {
	db, err := p.handle()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, p.queries.delete, session)
	if err != nil {
		return errors.WrapStorageError(err, "delete", storageType).WithKey(session)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	return nil
}

func (p *PostgresBudgetStore) Ping(ctx context.Context) error {
	db, err := p.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (p *PostgresBudgetStore) handle() (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Postgres not connected")
	}
	return p.db, nil
}
