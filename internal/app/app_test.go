package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

func testConfig(engine, path string) config.Config {
	return config.Config{
		Store: config.StoreConfig{Engine: engine, Path: path, Fsync: "checkpoint"},
		Frontier: config.FrontierConfig{
			SessionBudget:    100,
			TotalBudget:      -1,
			MaxRetries:       2,
			OverBudgetPolicy: string(frontier.OverBudgetInactive),
		},
	}
}

func readEvents(t *testing.T, path string) []journal.Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	var events []journal.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt journal.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &evt))
		events = append(events, evt)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestNewWiresJournalFileSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(config.EngineMemory, "")
	cfg.Journal = config.JournalConfig{
		Enabled:        true,
		BufferSize:     64,
		MaxBatchEvents: 10,
		MaxBatchWait:   10 * time.Millisecond,
		SinkTimeout:    time.Second,
		File:           config.FileSinkConfig{Path: filepath.Join(dir, "journal.jsonl")},
	}

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotEmpty(t, a.RunID())

	f := a.GetFrontier()
	require.NoError(t, f.Schedule(frontier.CrawlURI{URI: "https://a.com/", ClassKey: "a.com"}))
	u, err := f.TryNext()
	require.NoError(t, err)
	require.NoError(t, f.Finished(u, 1, frontier.Outcome{Disposition: frontier.Success}))
	require.NoError(t, a.Close(context.Background()))

	events := readEvents(t, cfg.Journal.File.Path)
	require.Len(t, events, 3)
	require.Equal(t, journal.KindAdded, events[0].Kind)
	require.Equal(t, journal.KindEmitted, events[1].Kind)
	require.Equal(t, journal.KindFinishedSuccess, events[2].Kind)
	for _, evt := range events {
		require.Equal(t, a.RunID(), evt.RunID)
	}
}

func TestNewReopensPersistentEngines(t *testing.T) {
	t.Parallel()

	for _, engine := range []string{config.EnginePebble, config.EngineBolt} {
		t.Run(engine, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(engine, filepath.Join(t.TempDir(), "frontier", "db"))

			a, err := New(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			f := a.GetFrontier()
			for _, p := range []string{"/1", "/2"} {
				require.NoError(t, f.Schedule(frontier.CrawlURI{URI: "https://a.com" + p, ClassKey: "a.com"}))
			}
			require.NoError(t, a.Close(context.Background()))

			again, err := New(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			defer again.Close(context.Background()) //nolint:errcheck
			require.NotEqual(t, a.RunID(), again.RunID())
			snap := again.GetFrontier().Snapshot()
			require.Equal(t, int64(2), snap.Totals.Items)
			require.Equal(t, uint64(2), snap.Totals.LastOrdinal)
		})
	}
}

func TestNewRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), testConfig("leveldb", ""), nil)
	require.ErrorContains(t, err, "unknown store engine")
}

func TestNewFailsOnBadSinkAndReleasesStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.EngineBolt, filepath.Join(t.TempDir(), "db"))
	cfg.Journal = config.JournalConfig{
		Enabled:    true,
		BufferSize: 8,
		Postgres:   config.PostgresConfig{DSN: "::not a dsn::"},
	}
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)

	// The bolt file lock was released, so a second open succeeds.
	cfg.Journal.Enabled = false
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestIsIgnorableSyncErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"terminal einval", &os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.EINVAL}, true},
		{"terminal enotty", fmt.Errorf("sync: %w", &os.PathError{Op: "sync", Path: "/dev/stdout", Err: syscall.ENOTTY}), true},
		{"disk failure", &os.PathError{Op: "sync", Path: "/var/log/frontier.log", Err: syscall.EIO}, false},
		{"closed file", &os.PathError{Op: "sync", Path: "/var/log/frontier.log", Err: fs.ErrClosed}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, isIgnorableSyncErr(tt.err))
		})
	}
}
