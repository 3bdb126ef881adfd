// Package kv defines the ordered transactional key-value store that entdb
// runs on, and provides an in-memory and a Bolt implementation.
package kv

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrConflict is returned by Tx.Commit when a concurrent transaction
	// modified data this transaction has read. The whole transaction
	// should be retried.
	ErrConflict = errors.New("kv: transaction conflict")

	// ErrReadOnly is returned when mutating a read-only transaction.
	ErrReadOnly = errors.New("kv: transaction is read-only")

	// ErrTxDone is returned when using a committed or cancelled transaction.
	ErrTxDone = errors.New("kv: transaction has already been committed or cancelled")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("kv: store closed")

	// ErrEmptyKey is returned when writing an empty key.
	ErrEmptyKey = errors.New("kv: empty key")
)

// IsConflict reports whether err is a retryable conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Store is an ordered transactional key-value store.
type Store interface {
	// Begin starts a new transaction reading a consistent snapshot.
	Begin(ctx context.Context, writable bool) (Tx, error)
	// Close closes the store.
	Close() error
}

// Watcher is implemented by stores that can notify about changes of a key.
type Watcher interface {
	// Watch returns a channel that is closed after the next committed change
	// of key, or when ctx is done.
	Watch(ctx context.Context, key []byte) (<-chan struct{}, error)
}

// KeyValue is a single row returned by a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions controls GetRange.
type RangeOptions struct {
	// Limit caps the number of returned rows; zero means no limit.
	Limit int
	// Reverse returns rows in descending key order.
	Reverse bool
	// Snapshot reads do not participate in conflict detection.
	Snapshot bool
}

// Tx is a store transaction. Reads observe a snapshot taken at Begin plus
// all prior writes of the same transaction. Values returned by reads are
// owned by the caller.
type Tx interface {
	Writable() bool

	// Get returns the value of key, or nil if there is none.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// SnapshotGet is like Get but does not add the key to the read set.
	SnapshotGet(ctx context.Context, key []byte) ([]byte, error)
	// GetRange returns rows with begin <= key < end.
	GetRange(ctx context.Context, begin, end []byte, opt RangeOptions) ([]KeyValue, error)

	Set(key, value []byte) error
	Clear(key []byte) error

	// Add adds param to the value of key, both treated as little-endian
	// integers of len(param) bytes, wrapping on overflow.
	Add(key, param []byte) error
	// BitOr ORs param into the value of key.
	BitOr(key, param []byte) error
	// BitXor XORs param into the value of key.
	BitXor(key, param []byte) error

	// Commit makes the writes durable. A read-only transaction simply ends.
	Commit(ctx context.Context) error
	// Cancel discards the transaction. Safe to call multiple times and
	// after Commit.
	Cancel() error
}

// KeyAfter returns the first key that sorts after key, used to express
// exclusive lower bounds.
func KeyAfter(key []byte) []byte {
	return append(slices.Clip(key), 0x00)
}
