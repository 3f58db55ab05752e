package frontier

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleThenNextServesPriorityFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t,
		CrawlURI{URI: "https://a.com/5", ClassKey: "a.com", Priority: 1, Ordinal: 5},
		CrawlURI{URI: "https://a.com/6", ClassKey: "a.com", Priority: 0, Ordinal: 6},
	)

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, uint64(6), got.Ordinal)
	require.Equal(t, StateInProgress, h.state(t, "a.com"))

	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable, "one item in flight per queue")
	requireExclusiveSets(t, h.f)
}

func TestOverBudgetQueueIsNotReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy OverBudgetPolicy
		want   State
	}{
		{name: "inactive", policy: OverBudgetInactive, want: StateInactive},
		{name: "snooze", policy: OverBudgetSnooze, want: StateSnoozed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(o *Options) {
				o.SessionBudget = 5
				o.OverBudgetPolicy = tc.policy
				o.Politeness = Politeness{MinimumDelay: time.Second}
				o.ActivateInactive = false
			})
			h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

			got, err := h.f.TryNext()
			require.NoError(t, err)
			require.NoError(t, h.f.Finished(got, 10, Outcome{Disposition: Success}))
			require.Equal(t, tc.want, h.state(t, "a.com"))
			requireExclusiveSets(t, h.f)

			h.clock.Advance(2 * time.Second)
			_, err = h.f.TryNext()
			if tc.policy == OverBudgetInactive {
				require.ErrorIs(t, err, ErrNoneAvailable)
				return
			}
			// Snoozed over-budget queues start a fresh session on wake.
			require.NoError(t, err)
		})
	}
}

func TestInactiveQueueIsActivatedWhenNothingElseIsReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.SessionBudget = 5 })
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 10, Outcome{}))
	require.Equal(t, StateInactive, h.state(t, "a.com"))

	got, err = h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/2", got.URI)

	snap := h.f.Snapshot()
	require.Equal(t, int64(5), snap.Queues[0].SessionBalance, "session balance refilled")
}

func TestInactiveQueueOverTotalBudgetIsRetired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.SessionBudget = 5
		o.TotalBudget = 8
	})
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 10, Outcome{}))

	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	require.Equal(t, "budget", h.f.Snapshot().Queues[0].Retired)

	// Raising the total budget brings it back to the inactive list.
	require.NoError(t, h.f.SetBudget("a.com", 5, 100))
	require.Equal(t, StateInactive, h.state(t, "a.com"))
	require.NoError(t, h.f.Reactivate("a.com"))
	require.Equal(t, StateReady, h.state(t, "a.com"))
	got, err = h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/2", got.URI)
	requireExclusiveSets(t, h.f)
}

func TestRetryGetsFreshOrdinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t,
		CrawlURI{URI: "https://a.com/x", ClassKey: "a.com", Priority: 2, Ordinal: 40},
		CrawlURI{URI: "https://b.com/y", ClassKey: "b.com", Priority: 0, Ordinal: 41},
	)

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "a.com", got.ClassKey)
	require.NoError(t, h.f.Finished(got, 1, Outcome{Disposition: Retry}))

	again, ok := h.journal.last("rescheduled")
	require.True(t, ok)
	require.Equal(t, "a.com", again.ClassKey)
	require.Equal(t, 2, again.Priority)
	require.Equal(t, 1, again.Attempts)
	require.Greater(t, again.Ordinal, uint64(41))

	retried, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "b.com", retried.ClassKey, "ready FIFO order")
	retried, err = h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, again.Ordinal, retried.Ordinal)
}

func TestRetriesAreCapped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.MaxRetries = 1 })
	h.schedule(t, uri("a.com", "/flaky", 0))

	for i := 0; i < 2; i++ {
		got, err := h.f.TryNext()
		require.NoError(t, err)
		require.NoError(t, h.f.Finished(got, 1, Outcome{Disposition: Retry}))
	}
	_, err := h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
	require.Equal(t, []string{"added", "emitted", "rescheduled", "emitted", "failure"}, h.journal.kinds())
}

func TestPolitenessSnoozesQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.Politeness = Politeness{MinimumDelay: 2 * time.Second, DelayFactor: 100}
	})
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 30, Outcome{}))
	require.Equal(t, StateSnoozed, h.state(t, "a.com"))
	require.Equal(t, int64(3000), h.f.Snapshot().Totals.NextWakeInMs, "30 cost * 100ms factor")

	h.clock.Advance(2999 * time.Millisecond)
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)

	h.clock.Advance(time.Millisecond)
	got, err = h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/2", got.URI)
}

func TestOutcomePolitenessOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.Politeness = Politeness{MinimumDelay: time.Minute}
	})
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{Politeness: &Politeness{}}))
	require.Equal(t, StateReady, h.state(t, "a.com"))
}

func TestEmptiedQueueStillHonoursPoliteness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.Politeness = Politeness{MinimumDelay: time.Second}
	})
	h.schedule(t, uri("a.com", "/1", 0))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{}))
	require.Equal(t, StateSnoozed, h.state(t, "a.com"))

	h.schedule(t, uri("a.com", "/2", 0))
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable, "new item must wait out the delay")

	h.clock.Advance(time.Second)
	got, err = h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/2", got.URI)
}

func TestEmptySnoozedQueueIsReleasedOnWake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.Politeness = Politeness{MinimumDelay: time.Second}
	})
	h.schedule(t, uri("a.com", "/1", 0))
	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{}))

	h.clock.Advance(time.Second)
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
	require.Equal(t, StateIdle, h.state(t, "a.com"))
	requireExclusiveSets(t, h.f)
}

func TestExhaustedHostIsRetiredForGood(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/1", 0))
	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{HostExhausted: true}))
	require.Equal(t, StateRetired, h.state(t, "a.com"))

	h.schedule(t, uri("a.com", "/late", 0))
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
	require.NoError(t, h.f.SetBudget("a.com", 1000, -1))
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	require.ErrorIs(t, h.f.Reactivate("a.com"), ErrRetired)
}

func TestHostExhaustedWithItemsLeftKeepsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))
	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{HostExhausted: true}))
	require.Equal(t, StateReady, h.state(t, "a.com"))
}

func TestAbandonReturnsItemAndRepeeks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/slow", 3))
	got, err := h.f.TryNext()
	require.NoError(t, err)

	h.schedule(t, uri("a.com", "/urgent", 0))
	require.NoError(t, h.f.Abandon(got))
	require.Equal(t, StateReady, h.state(t, "a.com"))

	next, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/urgent", next.URI)
	require.Equal(t, int64(0), h.f.Snapshot().Totals.TotalExpenditure)

	require.ErrorIs(t, h.f.Abandon(got), ErrNotInProgress, "stale item")
}

func TestFinishedRejectsItemsNotHandedOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))

	require.ErrorIs(t, h.f.Finished(uri("nowhere.com", "/", 0), 1, Outcome{}), ErrUnknownQueue)

	got, err := h.f.TryNext()
	require.NoError(t, err)
	other := got
	other.HolderKey = nil
	require.ErrorIs(t, h.f.Finished(other, 1, Outcome{}), ErrNotInProgress)

	require.NoError(t, h.f.Finished(got, 1, Outcome{}))
	require.ErrorIs(t, h.f.Finished(got, 1, Outcome{}), ErrNotInProgress, "double completion")
}

func TestScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.Error(t, h.f.Schedule(CrawlURI{URI: "https://nowhere/"}))

	bad := uri("a.com", "/", 0)
	bad.Cost = 999
	require.Error(t, h.f.Schedule(bad))
	require.Zero(t, h.f.Snapshot().Totals.Items)
}

func TestConcurrentWorkersNeverShareOrLoseItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	const perHost = 3
	for _, host := range []string{"a.com", "b.com"} {
		for i := 0; i < perHost; i++ {
			h.schedule(t, uri(host, "/"+string(rune('a'+i)), i%2))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		seen     = make(map[uint64]int)
		finished atomic.Int32
		wg       sync.WaitGroup
	)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := h.f.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[got.Ordinal]++
				mu.Unlock()
				if err := h.f.Finished(got, 1, Outcome{}); err != nil {
					return
				}
				finished.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return finished.Load() == 2*perHost }, 5*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	require.Len(t, seen, 2*perHost)
	for ordinal, n := range seen {
		require.Equal(t, 1, n, "ordinal %d dispatched twice", ordinal)
	}
	require.Zero(t, h.f.Snapshot().Totals.Items)
	requireExclusiveSets(t, h.f)
}

func TestNextWakesOnSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan CrawlURI, 1)
	go func() {
		u, err := h.f.Next(ctx)
		if err == nil {
			got <- u
		}
	}()
	time.Sleep(20 * time.Millisecond)
	h.schedule(t, uri("a.com", "/late", 0))

	select {
	case u := <-got:
		require.Equal(t, "https://a.com/late", u.URI)
	case <-ctx.Done():
		t.Fatal("Next did not wake on Schedule")
	}
}

func TestNextHonoursContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.f.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextWithCancelledContextHandsOutNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/x", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.f.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateReady, h.state(t, "a.com"))

	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "https://a.com/x", got.URI)
}

func TestCloseUnblocksNext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	errs := make(chan error, 1)
	go func() {
		_, err := h.f.Next(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.f.Close())
	require.ErrorIs(t, <-errs, ErrClosed)
	require.ErrorIs(t, h.f.Schedule(uri("a.com", "/", 0)), ErrClosed)
}

func TestReloadRestoresSyncedState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.SessionBudget = 50
		o.Politeness = Politeness{}
	})
	h.schedule(t,
		uri("a.com", "/1", 0), uri("a.com", "/2", 0), uri("a.com", "/3", 0),
		uri("b.com", "/1", 0), uri("b.com", "/2", 0),
	)
	a, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(a, 7, Outcome{}))
	b, err := h.f.TryNext()
	require.NoError(t, err)
	require.Equal(t, "b.com", b.ClassKey)

	require.NoError(t, h.f.Sync())
	synced := h.f.Snapshot()
	lastOrdinal := h.f.Sequence().Last()

	// Churn that is never synced.
	require.NoError(t, h.f.Finished(b, 20, Outcome{}))
	h.schedule(t, uri("c.com", "/1", 0), uri("a.com", "/4", 0))

	h.reopen(t)
	reloaded := h.f.Snapshot()
	require.Len(t, reloaded.Queues, len(synced.Queues))
	for i, want := range synced.Queues {
		got := reloaded.Queues[i]
		require.Equal(t, want.ClassKey, got.ClassKey)
		require.Equal(t, want.Count, got.Count, want.ClassKey)
		require.Equal(t, want.SessionBalance, got.SessionBalance, want.ClassKey)
		require.Equal(t, want.TotalBudget, got.TotalBudget, want.ClassKey)
		require.Equal(t, want.TotalExpenditure, got.TotalExpenditure, want.ClassKey)
	}
	require.Equal(t, StateReady, h.state(t, "b.com"), "in-progress queue is ready after reload")
	require.Equal(t, lastOrdinal, h.f.Sequence().Last())
	requireExclusiveSets(t, h.f)

	// Every synced item is still served exactly once.
	served := 0
	for {
		got, err := h.f.TryNext()
		if err != nil {
			require.ErrorIs(t, err, ErrNoneAvailable)
			break
		}
		require.NoError(t, h.f.Finished(got, 1, Outcome{}))
		served++
	}
	require.Equal(t, int(synced.Totals.Items), served)
}

func TestReloadKeepsRetiredQueuesRetired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, uri("a.com", "/1", 0))
	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 1, Outcome{HostExhausted: true}))
	h.schedule(t, uri("a.com", "/2", 0))
	require.NoError(t, h.f.Sync())

	h.reopen(t)
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	require.Equal(t, RetireExhausted.String(), h.f.Snapshot().Queues[0].Retired)
	require.NoError(t, h.f.SetBudget("a.com", 100, -1))
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
}

func TestReloadKeepsRetirementReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.SessionBudget = 5
		o.TotalBudget = 8
	})
	h.schedule(t, uri("a.com", "/1", 0), uri("a.com", "/2", 0))
	got, err := h.f.TryNext()
	require.NoError(t, err)
	require.NoError(t, h.f.Finished(got, 10, Outcome{}))
	_, err = h.f.TryNext()
	require.ErrorIs(t, err, ErrNoneAvailable)
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	require.NoError(t, h.f.Sync())

	h.reopen(t)
	require.Equal(t, StateRetired, h.state(t, "a.com"))
	require.Equal(t, RetireBudget.String(), h.f.Snapshot().Queues[0].Retired)

	// A second restart must not lose the reason either.
	require.NoError(t, h.f.Sync())
	h.reopen(t)
	require.Equal(t, RetireBudget.String(), h.f.Snapshot().Queues[0].Retired)

	require.NoError(t, h.f.SetBudget("a.com", 5, 100))
	require.Equal(t, StateInactive, h.state(t, "a.com"))
	requireExclusiveSets(t, h.f)
}

func TestReloadResumesOrdinalSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.schedule(t, CrawlURI{URI: "https://a.com/", ClassKey: "a.com", Ordinal: 900})
	require.NoError(t, h.f.Sync())

	h.reopen(t)
	require.Greater(t, h.f.Sequence().Next(), uint64(900))
}

func TestRandomOperationsKeepSetsExclusive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.SessionBudget = 6
		o.TotalBudget = 40
		o.Politeness = Politeness{DelayFactor: 10}
	})
	rng := rand.New(rand.NewSource(99))
	hosts := []string{"a.com", "b.com", "c.com", "d.com"}
	var inFlight []CrawlURI

	for i := 0; i < 1500; i++ {
		switch op := rng.Intn(10); {
		case op < 4:
			host := hosts[rng.Intn(len(hosts))]
			h.schedule(t, uri(host, "/", rng.Intn(3)))
		case op < 7:
			got, err := h.f.TryNext()
			if err == nil {
				inFlight = append(inFlight, got)
			} else {
				require.ErrorIs(t, err, ErrNoneAvailable)
			}
		case op < 9 && len(inFlight) > 0:
			j := rng.Intn(len(inFlight))
			got := inFlight[j]
			inFlight = append(inFlight[:j], inFlight[j+1:]...)
			out := Outcome{Disposition: Disposition(rng.Intn(3)), HostExhausted: rng.Intn(20) == 0}
			require.NoError(t, h.f.Finished(got, int64(rng.Intn(5)), out))
		case len(inFlight) > 0:
			j := rng.Intn(len(inFlight))
			require.NoError(t, h.f.Abandon(inFlight[j]))
			inFlight = append(inFlight[:j], inFlight[j+1:]...)
		default:
			h.clock.Advance(time.Duration(rng.Intn(100)) * time.Millisecond)
		}
		requireExclusiveSets(t, h.f)
	}
}

func TestReportListsQueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.RunID = "run-1" })
	h.schedule(t, uri("b.com", "/1", 0), uri("a.com", "/1", 0))

	snap := h.f.Snapshot()
	require.Equal(t, "a.com", snap.Queues[0].ClassKey)
	require.Equal(t, 2, snap.Totals.Ready)

	report := h.f.Report()
	require.Contains(t, report, "run run-1")
	require.Contains(t, report, "2 queues holding 2 items")
	require.Contains(t, report, "a.com")
	require.Contains(t, report, "https://b.com/1")
}
