// Package memory provides an in-memory store engine for tests and local runs.
//
// The engine models buffered durability: writes land in a live view, Sync copies
// the live view into a durable snapshot, and Crash returns a fresh engine built only
// from the last snapshot, exactly what a process crash would leave behind.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// Store is an ordered in-memory engine safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	keys   []string
	data   map[string][]byte
	states map[string][]byte

	durableData   map[string][]byte
	durableStates map[string][]byte
	closed        bool
	syncs         int
}

// New returns an empty engine.
func New() *Store {
	return &Store{
		data:          make(map[string][]byte),
		states:        make(map[string][]byte),
		durableData:   make(map[string][]byte),
		durableStates: make(map[string][]byte),
	}
}

// Put implements store.MultiQueueStore.
func (s *Store) Put(key, value []byte, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	k := string(key)
	if _, ok := s.data[k]; ok {
		if !overwrite {
			return store.ErrAlreadyExists
		}
	} else {
		s.insertKey(k)
	}
	s.data[k] = clone(value)
	return nil
}

// Get implements store.MultiQueueStore.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(v), nil
}

// SeekFirstAtOrAfter implements store.MultiQueueStore.
func (s *Store) SeekFirstAtOrAfter(key []byte) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Entry{}, store.ErrClosed
	}
	i := s.search(string(key))
	if i >= len(s.keys) {
		return store.Entry{}, store.ErrEndOfStore
	}
	k := s.keys[i]
	return store.Entry{Key: []byte(k), Value: clone(s.data[k])}, nil
}

// Delete implements store.MultiQueueStore.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	k := string(key)
	if _, ok := s.data[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.data, k)
	i := s.search(k)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	return nil
}

// AddCap implements store.MultiQueueStore.
func (s *Store) AddCap(origin []byte) error {
	return s.Put(origin, nil, true)
}

// ScanPrefix implements store.MultiQueueStore.
func (s *Store) ScanPrefix(origin []byte, match store.MatchFunc, max int) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var out []store.Entry
	for i := s.search(string(origin)); i < len(s.keys); i++ {
		k := []byte(s.keys[i])
		if !bytes.HasPrefix(k, origin) {
			break
		}
		if queuekey.IsCap(k) {
			continue
		}
		v := s.data[s.keys[i]]
		if match != nil && !match(k, v) {
			continue
		}
		out = append(out, store.Entry{Key: k, Value: clone(v)})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Iterate implements store.MultiQueueStore. The visit function runs against a
// point-in-time copy so it may call back into the store.
func (s *Store) Iterate(from []byte, fn store.VisitFunc) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	start := s.search(string(from))
	entries := make([]store.Entry, 0, len(s.keys)-start)
	for _, k := range s.keys[start:] {
		entries = append(entries, store.Entry{Key: []byte(k), Value: clone(s.data[k])})
	}
	s.mu.RUnlock()

	for _, e := range entries {
		more, err := fn(e)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Sync implements store.MultiQueueStore by snapshotting the live view.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.durableData = cloneMap(s.data)
	s.durableStates = cloneMap(s.states)
	s.syncs++
	return nil
}

// PutQueueState implements store.StateStore.
func (s *Store) PutQueueState(classKey string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.states[classKey] = clone(data)
	return nil
}

// DeleteQueueState implements store.StateStore.
func (s *Store) DeleteQueueState(classKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.states, classKey)
	return nil
}

// QueueStates implements store.StateStore.
func (s *Store) QueueStates(fn func(classKey string, data []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	states := cloneMap(s.states)
	s.mu.RUnlock()

	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, states[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the engine closed. Unsynced writes stay visible to Crash.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Crash returns a new engine holding only what had been synced, as if the process
// died and restarted. The receiver is closed.
func (s *Store) Crash() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	next := New()
	next.data = cloneMap(s.durableData)
	next.states = cloneMap(s.durableStates)
	next.durableData = cloneMap(s.durableData)
	next.durableStates = cloneMap(s.durableStates)
	for k := range next.data {
		next.keys = append(next.keys, k)
	}
	sort.Strings(next.keys)
	return next
}

// Len returns the number of entries, cap entries included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Syncs returns how many times Sync succeeded.
func (s *Store) Syncs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncs
}

func (s *Store) search(k string) int {
	return sort.SearchStrings(s.keys, k)
}

func (s *Store) insertKey(k string) {
	i := s.search(k)
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = k
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneMap(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

var _ store.Store = (*Store)(nil)
