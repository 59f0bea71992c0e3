// Package storage provides the record storage abstraction shared by the
// account, session and site stores.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a whole namespace is missing.
	// It matches ErrNotFound under errors.Is.
	ErrNamespaceNotFound = fmt.Errorf("namespace %w", ErrNotFound)
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value. Version is owned by the caller and compared by
// PutCAS; it is never changed by a backend.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides record operations within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository stores records keyed by (namespace, recordType, recordID).
//
// PutCAS with expectedVersion 0 only succeeds when the record does not exist;
// any other value must equal the stored record's Version.
type Repository interface {
	Put(namespace string, recordType string, recordID string, record *Record) error
	Get(namespace string, recordType string, recordID string) (*Record, error)
	List(namespace string, recordType string) ([]string, error)
	Delete(namespace string, recordType string, recordID string) error
	PutCAS(namespace string, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Batch(namespace string, fn func(tx BatchTx) error) error
}
