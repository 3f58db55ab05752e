// Package store declares the ordered key-value contract that holds every virtual
// queue of the frontier in one sorted namespace, plus the small auxiliary namespace
// of per-queue metadata.
//
// Engines buffer writes for throughput. Sync forces everything written so far to
// durable storage; a crash between syncs may lose recently enqueued or dequeued
// entries. Crawls are re-discoverable, so this is an accepted trade-off rather than
// a correctness bug. Callers must Sync at checkpoint boundaries.
package store

import (
	"errors"
)

var (
	// ErrNotFound signals that a key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrAlreadyExists signals a non-overwriting Put on an existing key.
	ErrAlreadyExists = errors.New("store: key already exists")
	// ErrEndOfStore signals that a seek ran past the last entry.
	ErrEndOfStore = errors.New("store: end of store")
	// ErrClosed signals use of a closed engine.
	ErrClosed = errors.New("store: closed")
)

// Entry is one key/value pair. Both slices are owned by the caller.
type Entry struct {
	Key   []byte
	Value []byte
}

// MatchFunc decides whether an entry is selected by a scan.
type MatchFunc func(key, value []byte) bool

// VisitFunc receives entries in key order; returning false stops the iteration.
type VisitFunc func(e Entry) (bool, error)

// MultiQueueStore is a single ordered key→value store holding the items of all
// virtual queues.
type MultiQueueStore interface {
	// Put writes value at key. With overwrite=false an existing key yields
	// ErrAlreadyExists and nothing is changed.
	Put(key, value []byte, overwrite bool) error
	// Get returns the value stored at key or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// SeekFirstAtOrAfter returns the first entry whose key is >= key, or
	// ErrEndOfStore.
	SeekFirstAtOrAfter(key []byte) (Entry, error)
	// Delete removes key or returns ErrNotFound.
	Delete(key []byte) error
	// AddCap writes the zero-length sentinel at a queue origin. It is idempotent.
	AddCap(origin []byte) error
	// ScanPrefix walks entries from origin while they share the origin prefix and
	// returns at most max entries accepted by match. Cap entries are never
	// returned. max <= 0 means unbounded.
	ScanPrefix(origin []byte, match MatchFunc, max int) ([]Entry, error)
	// Iterate visits entries in key order starting at from.
	Iterate(from []byte, fn VisitFunc) error
	// Sync makes every prior write durable.
	Sync() error
}

// StateStore persists per-queue metadata keyed by class key.
type StateStore interface {
	PutQueueState(classKey string, data []byte) error
	DeleteQueueState(classKey string) error
	// QueueStates visits every persisted queue state in class-key order.
	QueueStates(fn func(classKey string, data []byte) error) error
}

// Store is what a frontier needs from an engine.
type Store interface {
	MultiQueueStore
	StateStore
	Close() error
}
