package frontier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/store/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type journalEvent struct {
	kind string
	uri  CrawlURI
}

type recordingJournal struct {
	mu     sync.Mutex
	events []journalEvent
}

func (j *recordingJournal) add(kind string, uri CrawlURI) {
	j.mu.Lock()
	j.events = append(j.events, journalEvent{kind: kind, uri: uri})
	j.mu.Unlock()
}

func (j *recordingJournal) Added(uri CrawlURI)           { j.add("added", uri) }
func (j *recordingJournal) Emitted(uri CrawlURI)         { j.add("emitted", uri) }
func (j *recordingJournal) FinishedSuccess(uri CrawlURI) { j.add("success", uri) }
func (j *recordingJournal) FinishedFailure(uri CrawlURI) { j.add("failure", uri) }
func (j *recordingJournal) Rescheduled(uri CrawlURI)     { j.add("rescheduled", uri) }

func (j *recordingJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.kind)
	}
	return out
}

func (j *recordingJournal) last(kind string) (CrawlURI, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.events) - 1; i >= 0; i-- {
		if j.events[i].kind == kind {
			return j.events[i].uri, true
		}
	}
	return CrawlURI{}, false
}

type harness struct {
	f       *Frontier
	st      *memory.Store
	clock   *manualClock
	journal *recordingJournal
	opts    Options
}

// newHarness opens a frontier over a memory store with no politeness delay and
// a large session budget unless mutate says otherwise.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.Politeness = Politeness{}
	opts.SessionBudget = 1000
	h := &harness{
		st:      memory.New(),
		clock:   newManualClock(),
		journal: &recordingJournal{},
	}
	opts.Clock = h.clock
	opts.Journal = h.journal
	if mutate != nil {
		mutate(&opts)
	}
	h.opts = opts
	f, err := Open(h.st, opts)
	require.NoError(t, err)
	h.f = f
	return h
}

// reopen simulates a crash and reload over the last synced state.
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	h.st = h.st.Crash()
	h.opts.Sequence = nil
	f, err := Open(h.st, h.opts)
	require.NoError(t, err)
	h.f = f
}

func (h *harness) schedule(t *testing.T, uris ...CrawlURI) {
	t.Helper()
	for _, u := range uris {
		require.NoError(t, h.f.Schedule(u))
	}
}

func (h *harness) state(t *testing.T, classKey string) State {
	t.Helper()
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	q := h.f.queues[classKey]
	require.NotNil(t, q, classKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func uri(classKey, path string, priority int) CrawlURI {
	return CrawlURI{
		URI:      "https://" + classKey + path,
		ClassKey: classKey,
		Priority: priority,
		Cost:     1,
	}
}

// requireExclusiveSets checks that every queue sits in exactly the set its state
// names and that the set sizes agree with the registry.
func requireExclusiveSets(t *testing.T, f *Frontier) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]State)
	mark := func(classKey string, s State) {
		prev, dup := seen[classKey]
		require.False(t, dup, "%s in both %s and %s", classKey, prev, s)
		seen[classKey] = s
	}
	for _, e := range f.ready {
		q := f.queues[e.classKey]
		q.mu.Lock()
		live := q.state == StateReady && q.stateSeq == e.seq
		q.mu.Unlock()
		if live {
			mark(e.classKey, StateReady)
		}
	}
	for _, e := range f.inactive {
		q := f.queues[e.classKey]
		q.mu.Lock()
		live := q.state == StateInactive && q.stateSeq == e.seq
		q.mu.Unlock()
		if live {
			mark(e.classKey, StateInactive)
		}
	}
	for k := range f.snoozed.byKey {
		mark(k, StateSnoozed)
	}
	for k := range f.retired {
		mark(k, StateRetired)
	}
	for k := range f.inProgress {
		mark(k, StateInProgress)
	}

	counts := make(map[State]int)
	for k, q := range f.queues {
		q.mu.Lock()
		s := q.state
		q.mu.Unlock()
		counts[s]++
		if s == StateIdle {
			_, listed := seen[k]
			require.False(t, listed, "idle queue %s is listed", k)
			continue
		}
		require.Equal(t, s, seen[k], "queue %s", k)
	}
	for _, s := range []State{StateIdle, StateReady, StateInProgress, StateSnoozed, StateInactive, StateRetired} {
		require.Equal(t, counts[s], f.sizes[s], "size of %s", s)
	}
}
