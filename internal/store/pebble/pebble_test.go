package pebble

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/store/storetest"
)

func TestPebbleStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Options{DataDir: t.TempDir()})
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsSyncedState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(Options{DataDir: dir})
	require.NoError(t, err)

	origin := queuekey.OriginKey("a.com")
	k, err := queuekey.InsertKey("a.com", 0, 3, 7)
	require.NoError(t, err)
	require.NoError(t, s.AddCap(origin))
	require.NoError(t, s.Put(k, []byte("item"), false))
	require.NoError(t, s.PutQueueState("a.com", []byte("meta")))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	e, err := s.SeekFirstAtOrAfter(queuekey.AfterOrigin(origin))
	require.NoError(t, err)
	require.Equal(t, k, e.Key)
	require.Equal(t, []byte("item"), e.Value)

	var states []string
	require.NoError(t, s.QueueStates(func(classKey string, data []byte) error {
		states = append(states, classKey+"="+string(data))
		return nil
	}))
	require.Equal(t, []string{"a.com=meta"}, states)
}

type recordingMetrics struct {
	mu     sync.Mutex
	writes int
	reads  int
	syncs  int
}

func (m *recordingMetrics) ObserveWrite(time.Duration, int) {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveRead(time.Duration, int) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveSync(time.Duration) {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
}

func TestMetricsHookObservesOperations(t *testing.T) {
	t.Parallel()

	m := &recordingMetrics{}
	s, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways, Metrics: m})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	require.NoError(t, s.Put([]byte("k"), []byte("v"), true))
	_, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	require.Equal(t, 1, m.writes)
	require.Equal(t, 1, m.reads)
	require.Equal(t, 1, m.syncs)
}

func TestParseFsyncMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FsyncMode
		wantErr bool
	}{
		{in: "", want: FsyncModeCheckpoint},
		{in: "checkpoint", want: FsyncModeCheckpoint},
		{in: "always", want: FsyncModeAlways},
		{in: "sometimes", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseFsyncMode(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := Open(Options{})
	require.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte("ab"), prefixUpperBound([]byte("aa")))
	require.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xFF}))
	require.Nil(t, prefixUpperBound([]byte{0xFF, 0xFF}))
}
