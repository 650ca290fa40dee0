package privacy

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// budgetTolerance absorbs rounding when a query spends exactly the remainder.
const budgetTolerance = 1e-12

// BudgetTransaction records one budget expenditure.
type BudgetTransaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
	Column    string    `json:"column,omitempty"`
	Epsilon   float64   `json:"epsilon"`
	Overspent bool      `json:"overspent,omitempty"`
}

// BudgetStatus provides current budget status information
type BudgetStatus struct {
	Session     string  `json:"session"`
	Total       float64 `json:"total_epsilon"`
	Spent       float64 `json:"spent_epsilon"`
	Remaining   float64 `json:"remaining_epsilon"`
	Utilization float64 `json:"utilization"`
	QueryCount  int     `json:"query_count"`
	Exhausted   bool    `json:"exhausted"`
}

// BudgetSnapshot is the persisted form of a budget: a total, the amount
// spent and the ledger that produced it.
type BudgetSnapshot struct {
	Session      string              `json:"session"`
	Total        float64             `json:"total_epsilon"`
	Spent        float64             `json:"spent_epsilon"`
	Transactions []BudgetTransaction `json:"transactions"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Spend is one planned charge against a budget.
type Spend struct {
	Query   string
	Column  string
	Epsilon float64
}

// PrivacyBudget tracks sequential composition of epsilon for one analyst
// session. The check and the deduction happen under one lock so concurrent
// queries can never jointly overspend.
type PrivacyBudget struct {
	mu             sync.Mutex
	session        string
	total          float64
	spent          float64
	allowOverspend bool
	transactions   []BudgetTransaction
	// reserve, when set, charges the shared store before anything is released.
	reserve func(ctx context.Context, txs []BudgetTransaction) (*BudgetSnapshot, error)
}

func NewPrivacyBudget(session string, total float64, allowOverspend bool) (*PrivacyBudget, error) {
	if total < 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return nil, errors.InvalidParameter("total_epsilon", total, "budget must be a finite non-negative number")
	}
	return &PrivacyBudget{
		session:        session,
		total:          total,
		allowOverspend: allowOverspend,
	}, nil
}

// RestoreBudget rebuilds a budget from a snapshot.
func RestoreBudget(snapshot *BudgetSnapshot, allowOverspend bool) (*PrivacyBudget, error) {
	if snapshot == nil {
		return nil, errors.InvalidParameter("snapshot", nil, "snapshot is nil")
	}
	b, err := NewPrivacyBudget(snapshot.Session, snapshot.Total, allowOverspend)
	if err != nil {
		return nil, err
	}
	if snapshot.Spent < 0 || math.IsNaN(snapshot.Spent) {
		return nil, errors.InvalidParameter("spent_epsilon", snapshot.Spent, "spent budget must be non-negative")
	}
	b.spent = snapshot.Spent
	b.transactions = append([]BudgetTransaction(nil), snapshot.Transactions...)
	return b, nil
}

func (b *PrivacyBudget) Session() string {
	return b.session
}

func (b *PrivacyBudget) Total() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *PrivacyBudget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining returns the unspent budget, never below zero.
func (b *PrivacyBudget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

func (b *PrivacyBudget) remainingLocked() float64 {
	return math.Max(0, b.total-b.spent)
}

// Spend charges a single query. When the cost exceeds the remainder the
// charge is refused with BudgetExhausted, unless overspending is allowed, in
// which case it is recorded and a warning returned.
func (b *PrivacyBudget) Spend(query, column string, epsilon float64) (BudgetTransaction, string, error) {
	txs, warning, err := b.Charge(context.Background(), []Spend{{Query: query, Column: column, Epsilon: epsilon}})
	if err != nil {
		return BudgetTransaction{}, "", err
	}
	return txs[0], warning, nil
}

// SpendBatch charges every spend or none of them.
func (b *PrivacyBudget) SpendBatch(spends []Spend) ([]BudgetTransaction, string, error) {
	return b.Charge(context.Background(), spends)
}

// Charge is SpendBatch bound to ctx. A store-backed budget is charged in the
// store first, so budgets shared between processes are checked against the
// stored spend, never against this process's copy.
func (b *PrivacyBudget) Charge(ctx context.Context, spends []Spend) ([]BudgetTransaction, string, error) {
	if len(spends) == 0 {
		return nil, "", errors.InvalidParameter("spends", 0, "nothing to charge")
	}
	for _, s := range spends {
		if s.Epsilon <= 0 || math.IsInf(s.Epsilon, 0) || math.IsNaN(s.Epsilon) {
			return nil, "", errors.InvalidParameter("epsilon", s.Epsilon, "epsilon must be positive and finite")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	txs := make([]BudgetTransaction, len(spends))
	for i, s := range spends {
		txs[i] = BudgetTransaction{
			ID:        uuid.New().String(),
			Timestamp: now,
			Query:     s.Query,
			Column:    s.Column,
			Epsilon:   s.Epsilon,
		}
	}

	var view *BudgetSnapshot
	if b.reserve != nil {
		stored, err := b.reserve(ctx, txs)
		if err != nil {
			return nil, "", err
		}
		view = stored
	} else {
		view = &BudgetSnapshot{
			Session:      b.session,
			Total:        b.total,
			Spent:        b.spent,
			Transactions: b.transactions,
		}
		if err := ApplyCharge(view, txs, b.allowOverspend); err != nil {
			return nil, "", err
		}
	}
	b.adoptLocked(view)

	charged := append([]BudgetTransaction(nil), b.transactions[len(b.transactions)-len(txs):]...)
	var warning string
	if charged[0].Overspent {
		warning = fmt.Sprintf("privacy budget exceeded: spent %.4f of %.4f after this query", b.spent, b.total)
	}
	return charged, warning, nil
}

// ApplyCharge appends txs to snapshot when their total fits the remaining
// budget. With allowOverspend the charge always lands and the transactions
// are flagged as overspent. Stores call it inside their atomic section.
func ApplyCharge(snapshot *BudgetSnapshot, txs []BudgetTransaction, allowOverspend bool) error {
	cost := 0.0
	for _, tx := range txs {
		cost += tx.Epsilon
	}
	remaining := math.Max(0, snapshot.Total-snapshot.Spent)
	overspent := cost > remaining+budgetTolerance
	if overspent && !allowOverspend {
		return errors.BudgetExhausted(cost, remaining).WithContext("session", snapshot.Session)
	}

	ledger := make([]BudgetTransaction, 0, len(snapshot.Transactions)+len(txs))
	ledger = append(ledger, snapshot.Transactions...)
	for _, tx := range txs {
		tx.Overspent = overspent
		ledger = append(ledger, tx)
	}
	snapshot.Transactions = ledger
	snapshot.Spent += cost
	snapshot.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *PrivacyBudget) adoptLocked(snapshot *BudgetSnapshot) {
	b.total = snapshot.Total
	b.spent = snapshot.Spent
	b.transactions = append([]BudgetTransaction(nil), snapshot.Transactions...)
}

func (b *PrivacyBudget) sync(snapshot *BudgetSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adoptLocked(snapshot)
}

// Transactions returns a copy of the ledger.
func (b *PrivacyBudget) Transactions() []BudgetTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BudgetTransaction(nil), b.transactions...)
}

func (b *PrivacyBudget) Status() BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := BudgetStatus{
		Session:    b.session,
		Total:      b.total,
		Spent:      b.spent,
		Remaining:  b.remainingLocked(),
		QueryCount: len(b.transactions),
	}
	if b.total > 0 {
		status.Utilization = b.spent / b.total
	}
	status.Exhausted = status.Remaining <= budgetTolerance
	return status
}

func (b *PrivacyBudget) Snapshot() *BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &BudgetSnapshot{
		Session:      b.session,
		Total:        b.total,
		Spent:        b.spent,
		Transactions: append([]BudgetTransaction(nil), b.transactions...),
		UpdatedAt:    time.Now().UTC(),
	}
}

// BudgetStore persists budgets between process lifetimes and may be shared by
// several processes. Load returns an error matching errors.ErrDataNotFound for
// unknown sessions.
type BudgetStore interface {
	Load(ctx context.Context, session string) (*BudgetSnapshot, error)
	Save(ctx context.Context, snapshot *BudgetSnapshot) error
	Delete(ctx context.Context, session string) error
	// Reserve charges txs against the stored budget in one atomic step (see
	// ApplyCharge), creating the session with total when it is unknown, and
	// returns the stored budget after the charge.
	Reserve(ctx context.Context, session string, total float64, txs []BudgetTransaction, allowOverspend bool) (*BudgetSnapshot, error)
}

// BudgetManager hands out one PrivacyBudget per analyst session. With a store,
// every charge goes through BudgetStore.Reserve and reads refresh from the
// store, so replicas sharing the store share one budget per session.
type BudgetManager struct {
	mu             sync.Mutex
	budgets        map[string]*PrivacyBudget
	total          float64
	allowOverspend bool
	store          BudgetStore
	logger         *logrus.Logger
	observer       Observer
}

// NewBudgetManager creates a manager granting total epsilon to each new
// session. store may be nil for process-local budgets.
func NewBudgetManager(total float64, allowOverspend bool, store BudgetStore, logger *logrus.Logger) (*BudgetManager, error) {
	if total < 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return nil, errors.InvalidParameter("total_epsilon", total, "budget must be a finite non-negative number")
	}
	return &BudgetManager{
		budgets:        make(map[string]*PrivacyBudget),
		total:          total,
		allowOverspend: allowOverspend,
		store:          store,
		logger:         loggerOrDefault(logger),
		observer:       nopObserver{},
	}, nil
}

func (m *BudgetManager) WithObserver(o Observer) *BudgetManager {
	m.observer = observerOrNop(o)
	return m
}

// Budget returns the session's budget, refreshed from the store when there
// is one.
func (m *BudgetManager) Budget(ctx context.Context, session string) (*PrivacyBudget, error) {
	if session == "" {
		return nil, errors.InvalidParameter("session", session, "session must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[session]
	if !ok {
		var err error
		if b, err = NewPrivacyBudget(session, m.total, m.allowOverspend); err != nil {
			return nil, err
		}
		if m.store != nil {
			b.reserve = func(ctx context.Context, txs []BudgetTransaction) (*BudgetSnapshot, error) {
				return m.store.Reserve(ctx, session, m.total, txs, m.allowOverspend)
			}
		}
		m.budgets[session] = b
	}

	if m.store == nil {
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"session":       session,
				"total_epsilon": m.total,
			}).Info("Created privacy budget")
		}
		return b, nil
	}

	snapshot, err := m.store.Load(ctx, session)
	switch {
	case err == nil:
		if _, err := RestoreBudget(snapshot, m.allowOverspend); err != nil {
			return nil, err
		}
		b.sync(snapshot)
		m.logger.WithFields(logrus.Fields{
			"session":   session,
			"remaining": b.Remaining(),
		}).Debug("Refreshed privacy budget")
	case stderrors.Is(err, errors.ErrDataNotFound):
		// Unknown to the store, or reset elsewhere: nothing spent yet.
		b.sync(&BudgetSnapshot{Session: session, Total: m.total})
	default:
		if !ok {
			delete(m.budgets, session)
		}
		return nil, err
	}
	return b, nil
}

// Sync refreshes the session's budget from the store and reports what is
// left to the observer. Charges reach the store as they are made, so there is
// nothing to write back.
func (m *BudgetManager) Sync(ctx context.Context, session string) error {
	m.mu.Lock()
	_, ok := m.budgets[session]
	m.mu.Unlock()
	if !ok {
		return errors.NewStorageError(errors.CodeDataNotFound, "no budget for session").WithContext("session", session)
	}

	b, err := m.Budget(ctx, session)
	if err != nil {
		return err
	}
	m.observer.ObserveBudget(session, b.Remaining())
	return nil
}

// Reset discards the session's budget here and in the store.
func (m *BudgetManager) Reset(ctx context.Context, session string) error {
	m.mu.Lock()
	delete(m.budgets, session)
	m.mu.Unlock()

	m.logger.WithField("session", session).Info("Reset privacy budget")
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, session); err != nil && !stderrors.Is(err, errors.ErrDataNotFound) {
		return err
	}
	return nil
}

// Sessions lists the sessions held in memory.
func (m *BudgetManager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.budgets))
	for s := range m.budgets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
