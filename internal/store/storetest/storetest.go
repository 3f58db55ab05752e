// Package storetest holds the behavioral suite every store engine must pass.
package storetest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t *testing.T) store.Store

// Run exercises the store.Store contract against engines produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, open(t)) })
	t.Run("PutWithoutOverwrite", func(t *testing.T) { testPutWithoutOverwrite(t, open(t)) })
	t.Run("SeekFirstAtOrAfter", func(t *testing.T) { testSeek(t, open(t)) })
	t.Run("CapKeepsQueuesApart", func(t *testing.T) { testCapIsolation(t, open(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, open(t)) })
	t.Run("Iterate", func(t *testing.T) { testIterate(t, open(t)) })
	t.Run("QueueStates", func(t *testing.T) { testQueueStates(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func mustKey(t *testing.T, classKey string, priority, cost int, ordinal uint64) []byte {
	t.Helper()
	k, err := queuekey.InsertKey(classKey, priority, cost, ordinal)
	require.NoError(t, err)
	return k
}

func testPutGetDelete(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	k := mustKey(t, "a.com", 0, 1, 1)
	require.NoError(t, s.Put(k, []byte("v1"), false))
	got, err := s.Get(k)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Put(k, []byte("v2"), true))
	got, err = s.Get(k)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(k))
	_, err = s.Get(k)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Delete(k), store.ErrNotFound)
	require.NoError(t, s.Sync())
}

func testPutWithoutOverwrite(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	k := mustKey(t, "a.com", 0, 1, 1)
	require.NoError(t, s.Put(k, []byte("first"), false))
	require.ErrorIs(t, s.Put(k, []byte("second"), false), store.ErrAlreadyExists)
	got, err := s.Get(k)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got, "failed put must not mutate")
}

func testSeek(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	_, err := s.SeekFirstAtOrAfter([]byte("a"))
	require.ErrorIs(t, err, store.ErrEndOfStore)

	k1 := mustKey(t, "a.com", 1, 0, 5)
	k2 := mustKey(t, "a.com", 0, 0, 6)
	require.NoError(t, s.Put(k1, []byte("five"), false))
	require.NoError(t, s.Put(k2, []byte("six"), false))

	e, err := s.SeekFirstAtOrAfter(queuekey.OriginKey("a.com"))
	require.NoError(t, err)
	require.Equal(t, k2, e.Key)
	require.Equal(t, []byte("six"), e.Value)

	e, err = s.SeekFirstAtOrAfter(k1)
	require.NoError(t, err)
	require.Equal(t, k1, e.Key, "seek is inclusive")

	_, err = s.SeekFirstAtOrAfter(queuekey.OriginKey("b.com"))
	require.ErrorIs(t, err, store.ErrEndOfStore)
}

func testCapIsolation(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	require.NoError(t, s.AddCap(queuekey.OriginKey("a.com")))
	require.NoError(t, s.AddCap(queuekey.OriginKey("a.com")), "AddCap is idempotent")
	require.NoError(t, s.AddCap(queuekey.OriginKey("b.com")))
	require.NoError(t, s.Put(mustKey(t, "b.com", 0, 0, 1), []byte("b1"), false))

	origin := queuekey.OriginKey("a.com")
	e, err := s.SeekFirstAtOrAfter(origin)
	require.NoError(t, err)
	require.Equal(t, origin, e.Key)
	require.Empty(t, e.Value)

	e, err = s.SeekFirstAtOrAfter(queuekey.AfterOrigin(origin))
	require.NoError(t, err)
	require.False(t, queuekey.InQueue(e.Key, origin), "empty queue a.com must not yield b.com items")
	require.True(t, queuekey.IsCap(e.Key))
}

func testScanPrefix(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	require.NoError(t, s.AddCap(queuekey.OriginKey("a.com")))
	require.NoError(t, s.AddCap(queuekey.OriginKey("a.co")))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put(mustKey(t, "a.com", 0, 0, i), []byte{byte('0' + i)}, false))
	}
	require.NoError(t, s.Put(mustKey(t, "a.co", 0, 0, 9), []byte("x"), false))

	all, err := s.ScanPrefix(queuekey.OriginKey("a.com"), nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for _, e := range all {
		require.False(t, queuekey.IsCap(e.Key))
	}

	odd := func(_, v []byte) bool { return (v[0]-'0')%2 == 1 }
	some, err := s.ScanPrefix(queuekey.OriginKey("a.com"), odd, 2)
	require.NoError(t, err)
	require.Len(t, some, 2)
	require.Equal(t, []byte("1"), some[0].Value)
	require.Equal(t, []byte("3"), some[1].Value)
}

func testIterate(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	keys := [][]byte{
		mustKey(t, "b.com", 0, 0, 1),
		mustKey(t, "a.com", 0, 0, 2),
		mustKey(t, "c.com", 0, 0, 3),
	}
	for _, k := range keys {
		require.NoError(t, s.Put(k, []byte("v"), false))
	}

	var seen [][]byte
	err := s.Iterate(queuekey.OriginKey("b.com"), func(e store.Entry) (bool, error) {
		seen = append(seen, e.Key)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.True(t, bytes.Compare(seen[0], seen[1]) < 0)

	count := 0
	err = s.Iterate(nil, func(store.Entry) (bool, error) {
		count++
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func testQueueStates(t *testing.T, s store.Store) {
	defer closeStore(t, s)

	require.NoError(t, s.PutQueueState("b.com", []byte("B")))
	require.NoError(t, s.PutQueueState("a.com", []byte("A")))
	require.NoError(t, s.PutQueueState("a.com", []byte("A2")))

	var got []string
	require.NoError(t, s.QueueStates(func(classKey string, data []byte) error {
		got = append(got, classKey+"="+string(data))
		return nil
	}))
	require.Equal(t, []string{"a.com=A2", "b.com=B"}, got)

	require.NoError(t, s.DeleteQueueState("a.com"))
	got = nil
	require.NoError(t, s.QueueStates(func(classKey string, _ []byte) error {
		got = append(got, classKey)
		return nil
	}))
	require.Equal(t, []string{"b.com"}, got)

	// Queue states live apart from items.
	_, err := s.SeekFirstAtOrAfter(nil)
	require.ErrorIs(t, err, store.ErrEndOfStore)
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Put([]byte("k"), []byte("v"), true), store.ErrClosed)
	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, store.ErrClosed)
}

func closeStore(t *testing.T, s store.Store) {
	t.Helper()
	require.NoError(t, s.Close())
}
