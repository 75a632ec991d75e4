package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document key does not exist
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when an optimistic transaction kept losing
	// races. The transaction was not applied.
	ErrConflict = errors.New("transaction conflict")
)

// defaultMaxAttempts bounds how many times Transact re-runs a transaction
// that lost a race
const defaultMaxAttempts = 16

// Store is the authoritative document store shared by both partners'
// clients. Documents are keyed by strings and mutated atomically per
// transaction.
type Store interface {
	// Get decodes the document at key into dst, or returns ErrNotFound.
	Get(ctx context.Context, key string, dst any) error
	// Set unconditionally overwrites the document at key.
	Set(ctx context.Context, key string, value any) error
	// Transact runs fn as one atomic read-modify-write. Every key read
	// through the Txn is guarded: if another writer changes it before
	// commit, fn is re-run against fresh state. fn may therefore run more
	// than once and must not have side effects outside the Txn.
	Transact(ctx context.Context, fn func(tx Txn) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Txn is the view of the store inside a transaction
type Txn interface {
	// Get decodes the document at key into dst. Returns false if absent.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Put stages value to be written at key when the transaction commits.
	Put(key string, value any) error
}
