package storage

import (
	"context"
	"sync"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// MemoryBudgetStore keeps snapshots for the life of the process.
type MemoryBudgetStore struct {
	mu        sync.RWMutex
	snapshots map[string]privacy.BudgetSnapshot
}

func NewMemoryBudgetStore() *MemoryBudgetStore {
	return &MemoryBudgetStore{snapshots: make(map[string]privacy.BudgetSnapshot)}
}

func (m *MemoryBudgetStore) Load(_ context.Context, session string) (*privacy.BudgetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[session]
	if !ok {
		return nil, errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	s.Transactions = append([]privacy.BudgetTransaction(nil), s.Transactions...)
	return &s, nil
}

func (m *MemoryBudgetStore) Save(_ context.Context, snapshot *privacy.BudgetSnapshot) error {
	if snapshot == nil || snapshot.Session == "" {
		return errors.InvalidParameter("snapshot", nil, "snapshot must name a session")
	}
	s := *snapshot
	s.Transactions = append([]privacy.BudgetTransaction(nil), snapshot.Transactions...)

	m.mu.Lock()
	m.snapshots[s.Session] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryBudgetStore) Reserve(_ context.Context, session string, total float64, txs []privacy.BudgetTransaction, allowOverspend bool) (*privacy.BudgetSnapshot, error) {
	if session == "" {
		return nil, errors.InvalidParameter("session", session, "session must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[session]
	if !ok {
		s = privacy.BudgetSnapshot{Session: session, Total: total}
	}
	if err := privacy.ApplyCharge(&s, txs, allowOverspend); err != nil {
		return nil, err
	}
	m.snapshots[session] = s

	out := s
	out.Transactions = append([]privacy.BudgetTransaction(nil), s.Transactions...)
	return &out, nil
}

func (m *MemoryBudgetStore) Delete(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[session]; !ok {
		return errors.NewStorageError(errors.CodeDataNotFound, "no stored budget for session").
			WithContext("session", session)
	}
	delete(m.snapshots, session)
	return nil
}

func (m *MemoryBudgetStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryBudgetStore) Close() error {
	return nil
}
