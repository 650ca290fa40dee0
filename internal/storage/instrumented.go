package storage

import (
	"context"
	stderrors "errors"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// OperationRecorder counts store operations by outcome.
type OperationRecorder interface {
	RecordStorageOperation(backend, operation, status string)
}

type instrumentedStore struct {
	BudgetStore
	backend  string
	recorder OperationRecorder
}

// Instrument reports every Load, Save, Reserve and Delete of store to
// recorder. Missing sessions count as "not_found" and refused charges as
// "exhausted", not as errors.
func Instrument(store BudgetStore, backend string, recorder OperationRecorder) BudgetStore {
	if recorder == nil {
		return store
	}
	return &instrumentedStore{BudgetStore: store, backend: backend, recorder: recorder}
}

func (s *instrumentedStore) Load(ctx context.Context, session string) (*privacy.BudgetSnapshot, error) {
	snapshot, err := s.BudgetStore.Load(ctx, session)
	s.record("load", err)
	return snapshot, err
}

func (s *instrumentedStore) Save(ctx context.Context, snapshot *privacy.BudgetSnapshot) error {
	err := s.BudgetStore.Save(ctx, snapshot)
	s.record("save", err)
	return err
}

func (s *instrumentedStore) Reserve(ctx context.Context, session string, total float64, txs []privacy.BudgetTransaction, allowOverspend bool) (*privacy.BudgetSnapshot, error) {
	snapshot, err := s.BudgetStore.Reserve(ctx, session, total, txs, allowOverspend)
	s.record("reserve", err)
	return snapshot, err
}

func (s *instrumentedStore) Delete(ctx context.Context, session string) error {
	err := s.BudgetStore.Delete(ctx, session)
	s.record("delete", err)
	return err
}

func (s *instrumentedStore) record(operation string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrDataNotFound):
		status = "not_found"
	case stderrors.Is(err, errors.ErrBudgetExhausted):
		status = "exhausted"
	default:
		status = "error"
	}
	s.recorder.RecordStorageOperation(s.backend, operation, status)
}
