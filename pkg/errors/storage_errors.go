package errors

import (
	"fmt"
	"time"
)

// StorageError represents a budget-store error with backend context
type StorageError struct {
	*AppError
	StorageType string        `json:"storage_type,omitempty"` // "memory", "redis", "postgres", "s3"
	Operation   string        `json:"operation,omitempty"`    // "load", "save", "delete", "connect", "publish"
	Key         string        `json:"key,omitempty"`          // session id or object key
	Duration    time.Duration `json:"duration,omitempty"`
}

// WrapStorageError wraps a backend error with the operation that produced it
func WrapStorageError(err error, operation, storageType string) *StorageError {
	if err == nil {
		return nil
	}

	code := CodeStorageError
	switch operation {
	case "connect":
		code = CodeConnectionFailed
	case "load":
		code = CodeReadFailed
	case "save", "delete", "publish":
		code = CodeWriteFailed
	}

	return &StorageError{
		AppError:    WrapError(err, ErrorTypeStorage, code, fmt.Sprintf("%s %s failed", storageType, operation)),
		StorageType: storageType,
		Operation:   operation,
	}
}

// NewStorageConnectionError creates a storage connection error
func NewStorageConnectionError(storageType, target string, err error) *StorageError {
	se := WrapStorageError(err, "connect", storageType)
	se.Key = target
	se.Message = fmt.Sprintf("failed to connect to %s at %s", storageType, target)
	return se
}

// WithKey records the session or object key involved
func (se *StorageError) WithKey(key string) *StorageError {
	se.Key = key
	return se
}

// WithDuration records how long the failed operation ran
func (se *StorageError) WithDuration(duration time.Duration) *StorageError {
	se.Duration = duration
	return se
}

// Unwrap exposes the embedded AppError so errors.Is matches on type and code.
func (se *StorageError) Unwrap() error {
	return se.AppError
}
