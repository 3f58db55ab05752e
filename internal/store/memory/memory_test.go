package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

// TestCrashDropsUnsyncedWrites documents the buffered-durability contract: only
// synced state survives a crash.
func TestCrashDropsUnsyncedWrites(t *testing.T) {
	t.Parallel()

	s := New()
	synced, err := queuekey.InsertKey("a.com", 0, 0, 1)
	require.NoError(t, err)
	unsynced, err := queuekey.InsertKey("a.com", 0, 0, 2)
	require.NoError(t, err)

	require.NoError(t, s.AddCap(queuekey.OriginKey("a.com")))
	require.NoError(t, s.Put(synced, []byte("one"), false))
	require.NoError(t, s.PutQueueState("a.com", []byte("count=1")))
	require.NoError(t, s.Sync())

	require.NoError(t, s.Put(unsynced, []byte("two"), false))
	require.NoError(t, s.Delete(synced))
	require.NoError(t, s.PutQueueState("a.com", []byte("count=1 after churn")))

	reborn := s.Crash()
	require.ErrorIs(t, s.Put(synced, nil, true), store.ErrClosed)

	got, err := reborn.Get(synced)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
	_, err = reborn.Get(unsynced)
	require.ErrorIs(t, err, store.ErrNotFound)

	var state string
	require.NoError(t, reborn.QueueStates(func(_ string, data []byte) error {
		state = string(data)
		return nil
	}))
	require.Equal(t, "count=1", state)
	require.Equal(t, 2, reborn.Len())
}

func TestIterateAllowsReentrantCalls(t *testing.T) {
	t.Parallel()

	s := New()
	k, err := queuekey.InsertKey("a.com", 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Put(k, []byte("v"), false))

	err = s.Iterate(nil, func(e store.Entry) (bool, error) {
		return true, s.Delete(e.Key)
	})
	require.NoError(t, err)
	require.Zero(t, s.Len())
}
