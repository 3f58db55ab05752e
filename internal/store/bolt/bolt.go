// Package bolt is a single-file store engine built on bbolt.
//
// Items live in the "items" bucket and queue states in the "states" bucket. The
// database runs with NoSync so commits skip fsync; Sync flushes the file.
package bolt

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

var (
	bucketItems  = []byte("items")
	bucketStates = []byte("states")
)

// iterateBatch bounds how many entries Iterate holds between read transactions.
const iterateBatch = 256

// Store is a bbolt-backed engine.
type Store struct {
	db *bbolt.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database file at path. With syncEveryWrite each
// commit is fsynced; otherwise durability waits for Sync.
func Open(path string, syncEveryWrite bool) (*Store, error) {
	opts := &bbolt.Options{Timeout: time.Second}
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	db.NoSync = !syncEveryWrite

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketStates} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Put implements store.MultiQueueStore.
func (s *Store) Put(key, value []byte, overwrite bool) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		if !overwrite && exists(b, key) {
			return store.ErrAlreadyExists
		}
		return b.Put(key, nonNil(value))
	})
}

// Get implements store.MultiQueueStore.
func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketItems).Cursor().Seek(key)
		if k == nil || !bytes.Equal(k, key) {
			return store.ErrNotFound
		}
		out = bytes.Clone(nonNil(v))
		return nil
	})
	return out, err
}

// SeekFirstAtOrAfter implements store.MultiQueueStore.
func (s *Store) SeekFirstAtOrAfter(key []byte) (store.Entry, error) {
	var e store.Entry
	err := s.view(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketItems).Cursor().Seek(key)
		if k == nil {
			return store.ErrEndOfStore
		}
		e = entry(k, v)
		return nil
	})
	return e, err
}

// Delete implements store.MultiQueueStore.
func (s *Store) Delete(key []byte) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		if !exists(b, key) {
			return store.ErrNotFound
		}
		return b.Delete(key)
	})
}

// AddCap implements store.MultiQueueStore.
func (s *Store) AddCap(origin []byte) error {
	return s.Put(origin, nil, true)
}

// ScanPrefix implements store.MultiQueueStore.
func (s *Store) ScanPrefix(origin []byte, match store.MatchFunc, max int) ([]store.Entry, error) {
	var out []store.Entry
	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		for k, v := c.Seek(origin); k != nil && bytes.HasPrefix(k, origin); k, v = c.Next() {
			if queuekey.IsCap(k) {
				continue
			}
			if match != nil && !match(k, v) {
				continue
			}
			out = append(out, entry(k, v))
			if max > 0 && len(out) >= max {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Iterate implements store.MultiQueueStore. Entries are read in batches outside
// of fn, so fn may write to the store.
func (s *Store) Iterate(from []byte, fn store.VisitFunc) error {
	next := from
	for {
		batch := make([]store.Entry, 0, iterateBatch)
		err := s.view(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucketItems).Cursor()
			for k, v := c.Seek(next); k != nil && len(batch) < iterateBatch; k, v = c.Next() {
				batch = append(batch, entry(k, v))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range batch {
			more, err := fn(e)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(batch) < iterateBatch {
			return nil
		}
		last := batch[len(batch)-1].Key
		next = append(bytes.Clone(last), 0x00)
	}
}

// Sync implements store.MultiQueueStore.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("bolt: sync: %w", err)
	}
	return nil
}

// PutQueueState implements store.StateStore.
func (s *Store) PutQueueState(classKey string, data []byte) error {
	if classKey == "" {
		return queuekey.ErrInvalidClassKey
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(classKey), nonNil(data))
	})
}

// DeleteQueueState implements store.StateStore.
func (s *Store) DeleteQueueState(classKey string) error {
	if classKey == "" {
		return nil
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(classKey))
	})
}

// QueueStates implements store.StateStore.
func (s *Store) QueueStates(fn func(classKey string, data []byte) error) error {
	var states []store.Entry
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			states = append(states, entry(k, v))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, e := range states {
		if err := fn(string(e.Key), e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.db.Sync()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("bolt: final sync: %w", syncErr)
	}
	return nil
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return wrap(s.db.Update(fn))
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return wrap(s.db.View(fn))
}

// wrap leaves store sentinels untouched and annotates engine failures.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrEndOfStore):
		return err
	default:
		return fmt.Errorf("bolt: %w", err)
	}
}

func exists(b *bbolt.Bucket, key []byte) bool {
	k, _ := b.Cursor().Seek(key)
	return k != nil && bytes.Equal(k, key)
}

// entry copies k and v; bbolt slices are only valid inside the transaction.
func entry(k, v []byte) store.Entry {
	return store.Entry{Key: bytes.Clone(k), Value: bytes.Clone(nonNil(v))}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var _ store.Store = (*Store)(nil)
