// Package pebble is the production store engine built on cockroachdb/pebble.
//
// Items and queue states share one Pebble database under distinct one-byte
// namespaces. Writes are committed without a WAL fsync unless FsyncModeAlways is
// selected; Sync forces the WAL to disk.
package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

const (
	nsItems  byte = 'q'
	nsStates byte = 's'
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	// FsyncModeCheckpoint leaves writes in the WAL buffer until Sync is called.
	FsyncModeCheckpoint FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each write.
	FsyncModeAlways
)

// ParseFsyncMode maps a config string to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "checkpoint":
		return FsyncModeCheckpoint, nil
	case "always":
		return FsyncModeAlways, nil
	default:
		return 0, fmt.Errorf("unknown fsync mode %q", s)
	}
}

// MetricsHook observes engine latencies. Optional.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveSync(elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveWrite(time.Duration, int) {}
func (noopMetrics) ObserveRead(time.Duration, int)  {}
func (noopMetrics) ObserveSync(time.Duration)       {}

// Options configures the engine.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	Fsync   FsyncMode
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// Store wraps a Pebble database.
type Store struct {
	db      *pebble.DB
	wo      *pebble.WriteOptions
	metrics MetricsHook

	// mu serializes check-then-write sequences; Pebble has no conditional put.
	mu     sync.Mutex
	closed bool
}

// Open creates or opens a Pebble-backed engine.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{
			MemTableSize:          16 << 20,
			L0CompactionThreshold: 8,
		}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	wo := pebble.NoSync
	if opts.Fsync == FsyncModeAlways {
		wo = pebble.Sync
	}
	return &Store{db: db, wo: wo, metrics: metrics}, nil
}

// Put implements store.MultiQueueStore.
func (s *Store) Put(key, value []byte, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	k := itemKey(key)
	if !overwrite {
		exists, err := s.has(k)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrAlreadyExists
		}
	}
	return s.set(k, value)
}

// Get implements store.MultiQueueStore.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.get(itemKey(key))
}

// SeekFirstAtOrAfter implements store.MultiQueueStore.
func (s *Store) SeekFirstAtOrAfter(key []byte) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Entry{}, store.ErrClosed
	}
	start := time.Now()
	iter, err := s.db.NewIter(namespaceBounds(nsItems))
	if err != nil {
		return store.Entry{}, fmt.Errorf("pebble iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()
	if !iter.SeekGE(itemKey(key)) {
		if err := iter.Error(); err != nil {
			return store.Entry{}, fmt.Errorf("pebble seek: %w", err)
		}
		return store.Entry{}, store.ErrEndOfStore
	}
	e := currentEntry(iter)
	s.metrics.ObserveRead(time.Since(start), len(e.Key)+len(e.Value))
	return e, nil
}

// Delete implements store.MultiQueueStore.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	k := itemKey(key)
	exists, err := s.has(k)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	start := time.Now()
	if err := s.db.Delete(k, s.wo); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	s.metrics.ObserveWrite(time.Since(start), len(k))
	return nil
}

// AddCap implements store.MultiQueueStore.
func (s *Store) AddCap(origin []byte) error {
	return s.Put(origin, nil, true)
}

// ScanPrefix implements store.MultiQueueStore.
func (s *Store) ScanPrefix(origin []byte, match store.MatchFunc, max int) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	lower := itemKey(origin)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	var out []store.Entry
	for valid := iter.First(); valid; valid = iter.Next() {
		e := currentEntry(iter)
		if queuekey.IsCap(e.Key) {
			continue
		}
		if match != nil && !match(e.Key, e.Value) {
			continue
		}
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble scan: %w", err)
	}
	return out, nil
}

// Iterate implements store.MultiQueueStore. The iterator reads a consistent view,
// so fn may write to the store.
func (s *Store) Iterate(from []byte, fn store.VisitFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	iter, err := s.db.NewIter(namespaceBounds(nsItems))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for valid := iter.SeekGE(itemKey(from)); valid; valid = iter.Next() {
		more, err := fn(currentEntry(iter))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pebble iterate: %w", err)
	}
	return nil
}

// Sync implements store.MultiQueueStore by forcing a WAL fsync.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	start := time.Now()
	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("pebble sync: %w", err)
	}
	s.metrics.ObserveSync(time.Since(start))
	return nil
}

// PutQueueState implements store.StateStore.
func (s *Store) PutQueueState(classKey string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.set(stateKey(classKey), data)
}

// DeleteQueueState implements store.StateStore.
func (s *Store) DeleteQueueState(classKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := s.db.Delete(stateKey(classKey), s.wo); err != nil {
		return fmt.Errorf("pebble delete state: %w", err)
	}
	return nil
}

// QueueStates implements store.StateStore.
func (s *Store) QueueStates(fn func(classKey string, data []byte) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	iter, err := s.db.NewIter(namespaceBounds(nsStates))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for valid := iter.First(); valid; valid = iter.Next() {
		e := currentEntry(iter)
		if err := fn(string(e.Key), e.Value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pebble iterate states: %w", err)
	}
	return nil
}

// Close flushes the WAL and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("pebble final sync: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close pebble store: %w", err)
	}
	return nil
}

func (s *Store) set(k, value []byte) error {
	start := time.Now()
	if err := s.db.Set(k, value, s.wo); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	s.metrics.ObserveWrite(time.Since(start), len(k)+len(value))
	return nil
}

func (s *Store) get(k []byte) ([]byte, error) {
	start := time.Now()
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer func() { _ = closer.Close() }()
	out := append([]byte{}, v...)
	s.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}

func (s *Store) has(k []byte) (bool, error) {
	_, err := s.get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func itemKey(key []byte) []byte {
	k := make([]byte, 0, len(key)+1)
	k = append(k, nsItems)
	return append(k, key...)
}

func stateKey(classKey string) []byte {
	k := make([]byte, 0, len(classKey)+1)
	k = append(k, nsStates)
	return append(k, classKey...)
}

func namespaceBounds(ns byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: []byte{ns}, UpperBound: []byte{ns + 1}}
}

// prefixUpperBound returns the smallest key greater than every key with prefix p.
func prefixUpperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func currentEntry(iter *pebble.Iterator) store.Entry {
	return store.Entry{
		Key:   append([]byte{}, iter.Key()[1:]...),
		Value: append([]byte{}, iter.Value()...),
	}
}

var _ store.Store = (*Store)(nil)
