package frontier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/store"
)

const (
	defaultSessionBudget = 3000
	defaultMaxRetries    = 3
)

// Options configures a Frontier.
type Options struct {
	Politeness Politeness
	// SessionBudget is the spend a queue may make before it is parked.
	SessionBudget int64
	// TotalBudget caps a queue's lifetime spend; below zero means unlimited.
	TotalBudget int64
	// MaxRetries bounds how many times a retryable failure is rescheduled.
	MaxRetries       int
	OverBudgetPolicy OverBudgetPolicy
	// ActivateInactive lets Next revive parked queues when nothing else is ready.
	ActivateInactive bool

	Clock    Clock
	Journal  Journal
	Observer Observer
	Logger   *zap.Logger
	// Sequence is shared with producers; a private one is used when nil.
	Sequence *Sequence
	RunID    string
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Politeness:       Politeness{MinimumDelay: 3 * time.Second, DelayFactor: 5},
		SessionBudget:    defaultSessionBudget,
		TotalBudget:      -1,
		MaxRetries:       defaultMaxRetries,
		OverBudgetPolicy: OverBudgetInactive,
		ActivateInactive: true,
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// setEntry is a queue reference in the ready FIFO or the inactive list. It is
// stale once the queue has moved on, which the seq comparison detects.
type setEntry struct {
	classKey string
	seq      uint64
}

// Frontier schedules URIs across per-class-key queues.
//
// f.mu guards the queue registry and every scheduling set. A queue's own lock is
// always taken after f.mu, never before.
type Frontier struct {
	mu sync.Mutex

	st       store.Store
	opts     Options
	clock    Clock
	journal  Journal
	observer Observer
	logger   *zap.Logger
	seq      *Sequence

	queues     map[string]*WorkQueue
	ready      []setEntry
	snoozed    *snoozeSet
	inactive   []setEntry
	retired    map[string]struct{}
	inProgress map[string]struct{}
	sizes      map[State]int
	stateSeq   uint64

	// wake is closed and replaced whenever a blocked Next may be able to proceed.
	wake   chan struct{}
	closed bool
}

// Open builds a Frontier over st, restoring every queue persisted in it. Queues
// that were in progress when the process stopped become ready again.
func Open(st store.Store, opts Options) (*Frontier, error) {
	if st == nil {
		return nil, errors.New("frontier: store is required")
	}
	def := DefaultOptions()
	if opts.SessionBudget == 0 {
		opts.SessionBudget = def.SessionBudget
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.OverBudgetPolicy == "" {
		opts.OverBudgetPolicy = def.OverBudgetPolicy
	}
	f := &Frontier{
		st:         st,
		opts:       opts,
		clock:      opts.Clock,
		journal:    opts.Journal,
		observer:   opts.Observer,
		logger:     opts.Logger,
		seq:        opts.Sequence,
		queues:     make(map[string]*WorkQueue),
		snoozed:    newSnoozeSet(),
		retired:    make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		sizes:      make(map[State]int),
		wake:       make(chan struct{}),
	}
	if f.clock == nil {
		f.clock = realClock{}
	}
	if f.journal == nil {
		f.journal = nopJournal{}
	}
	if f.observer == nil {
		f.observer = nopObserver{}
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.Named("frontier")
	if f.seq == nil {
		f.seq = &Sequence{}
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	f.logger.Info("frontier opened",
		zap.String("run_id", opts.RunID),
		zap.Int("queues", len(f.queues)),
		zap.Int("ready", f.sizes[StateReady]),
		zap.Int("snoozed", f.sizes[StateSnoozed]),
		zap.Int("inactive", f.sizes[StateInactive]),
		zap.Int("retired", f.sizes[StateRetired]),
		zap.Uint64("last_ordinal", f.seq.Last()),
	)
	return f, nil
}

func (f *Frontier) reload() error {
	type restored struct {
		q      *WorkQueue
		wake   time.Time
		was    State
		reason RetireReason
	}
	var all []restored
	err := f.st.QueueStates(func(classKey string, data []byte) error {
		m, err := decodeMeta(data)
		if err != nil {
			return fmt.Errorf("queue %s: %w", classKey, err)
		}
		q := restoreWorkQueue(classKey, m, f.st, f.st)
		all = append(all, restored{q: q, wake: q.wakeTime, was: q.state, reason: q.retired})
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload queues: %w", err)
	}
	// Refile in the order queues entered their sets so FIFO and inactive order
	// survive the restart.
	slices.SortStableFunc(all, func(a, b restored) int {
		switch {
		case a.q.stateSeq < b.q.stateSeq:
			return -1
		case a.q.stateSeq > b.q.stateSeq:
			return 1
		default:
			return 0
		}
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range all {
		q := r.q
		f.queues[q.classKey] = q
		f.seq.Observe(q.lastOrdinal)
		q.state = StateIdle
		f.sizes[StateIdle]++

		q.mu.Lock()
		switch r.was {
		case StateSnoozed:
			f.fileLocked(q, StateSnoozed, r.wake)
		case StateInactive:
			f.fileLocked(q, StateInactive, time.Time{})
		case StateRetired:
			f.fileLocked(q, StateRetired, time.Time{})
			q.retired = r.reason
		default:
			if q.count > 0 {
				f.fileLocked(q, StateReady, time.Time{})
			}
		}
		err := q.persistLocked()
		q.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Sequence returns the ordinal source shared with producers.
func (f *Frontier) Sequence() *Sequence { return f.seq }

// Schedule adds uri to its class key's queue, creating the queue on first use.
// A zero Ordinal is assigned from the sequence.
func (f *Frontier) Schedule(uri CrawlURI) error {
	if uri.ClassKey == "" {
		return fmt.Errorf("frontier: schedule %q: empty class key", uri.URI)
	}
	if uri.Ordinal == 0 {
		uri.Ordinal = f.seq.Next()
	} else {
		f.seq.Observe(uri.Ordinal)
	}
	uri.HolderKey = nil

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	q, err := f.queueLocked(uri.ClassKey)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if err := q.Enqueue(&uri); err != nil {
		f.logger.Error("enqueue failed", zap.String("class_key", uri.ClassKey), zap.String("uri", uri.URI), zap.Error(err))
		return err
	}
	f.journal.Added(uri.Clone())
	f.observer.Scheduled(uri.ClassKey)

	f.mu.Lock()
	defer f.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.held() {
		return nil
	}
	f.fileLocked(q, StateReady, time.Time{})
	return q.persistLocked()
}

func (f *Frontier) queueLocked(classKey string) (*WorkQueue, error) {
	if q, ok := f.queues[classKey]; ok {
		return q, nil
	}
	q, err := NewWorkQueue(classKey, f.st, f.st, f.opts.SessionBudget, f.opts.TotalBudget)
	if err != nil {
		return nil, err
	}
	f.queues[classKey] = q
	f.sizes[StateIdle]++
	f.logger.Debug("queue created", zap.String("class_key", classKey))
	return q, nil
}

// TryNext hands out the next eligible item or returns ErrNoneAvailable.
func (f *Frontier) TryNext() (CrawlURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return CrawlURI{}, ErrClosed
	}
	return f.nextLocked(f.clock.Now())
}

// Next blocks until an item is eligible, ctx is done, or the frontier closes.
// While only snoozed queues remain it sleeps until the earliest wake time or
// the next Schedule, whichever comes first.
func (f *Frontier) Next(ctx context.Context) (CrawlURI, error) {
	for {
		if err := ctx.Err(); err != nil {
			return CrawlURI{}, err
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return CrawlURI{}, ErrClosed
		}
		now := f.clock.Now()
		uri, err := f.nextLocked(now)
		if !errors.Is(err, ErrNoneAvailable) {
			f.mu.Unlock()
			return uri, err
		}
		wake := f.wake
		var timer *time.Timer
		var fire <-chan time.Time
		if at, ok := f.snoozed.earliest(); ok {
			timer = time.NewTimer(max(at.Sub(now), 0))
			fire = timer.C
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return CrawlURI{}, ctx.Err()
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (f *Frontier) nextLocked(now time.Time) (CrawlURI, error) {
	for {
		if err := f.wakeDueLocked(now); err != nil {
			return CrawlURI{}, err
		}
		for len(f.ready) > 0 {
			e := f.ready[0]
			f.ready = f.ready[1:]
			q := f.queues[e.classKey]
			if q == nil {
				continue
			}
			uri, ok, err := f.emitLocked(q, e.seq)
			if err != nil || ok {
				return uri, err
			}
		}
		if !f.opts.ActivateInactive {
			return CrawlURI{}, ErrNoneAvailable
		}
		activated, err := f.activateInactiveLocked()
		if err != nil {
			return CrawlURI{}, err
		}
		if !activated {
			return CrawlURI{}, ErrNoneAvailable
		}
	}
}

// emitLocked tries to hand out the head of q. ok is false when q was stale,
// empty, or over budget and has been refiled.
func (f *Frontier) emitLocked(q *WorkQueue, seq uint64) (CrawlURI, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateReady || q.stateSeq != seq {
		return CrawlURI{}, false, nil
	}
	if q.count == 0 {
		f.fileLocked(q, StateIdle, time.Time{})
		return CrawlURI{}, false, q.persistLocked()
	}
	if q.overBudgetLocked() {
		switch {
		case q.overTotalLocked():
			f.retireLocked(q, RetireBudget)
			return CrawlURI{}, false, q.persistLocked()
		case f.opts.OverBudgetPolicy == OverBudgetSnooze:
			q.replenishLocked()
		default:
			f.fileLocked(q, StateInactive, time.Time{})
			return CrawlURI{}, false, q.persistLocked()
		}
	}
	uri, err := q.peekLocked()
	if err != nil {
		f.fileLocked(q, StateReady, time.Time{})
		f.logger.Error("peek failed", zap.String("class_key", q.classKey), zap.Error(err))
		return CrawlURI{}, false, err
	}
	f.fileLocked(q, StateInProgress, time.Time{})
	if err := q.persistLocked(); err != nil {
		return CrawlURI{}, false, err
	}
	f.journal.Emitted(uri.Clone())
	f.observer.Emitted(q.classKey)
	f.logger.Debug("emitted", zap.String("class_key", q.classKey), zap.String("uri", uri.URI))
	return uri, true, nil
}

// wakeDueLocked moves every snoozed queue whose wake time has passed to ready,
// or releases it when it has emptied meanwhile.
func (f *Frontier) wakeDueLocked(now time.Time) error {
	for _, classKey := range f.snoozed.popDue(now) {
		q := f.queues[classKey]
		if q == nil {
			continue
		}
		q.mu.Lock()
		// popDue already dropped it from the heap.
		f.sizes[StateSnoozed]--
		f.sizes[StateIdle]++
		q.state = StateIdle
		q.wakeTime = time.Time{}
		if q.count > 0 {
			f.fileLocked(q, StateReady, time.Time{})
		} else {
			f.fileLocked(q, StateIdle, time.Time{})
		}
		err := q.persistLocked()
		q.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// activateInactiveLocked revives the longest-parked inactive queue with a fresh
// session balance. Queues past their total budget are retired instead.
func (f *Frontier) activateInactiveLocked() (bool, error) {
	for len(f.inactive) > 0 {
		e := f.inactive[0]
		f.inactive = f.inactive[1:]
		q := f.queues[e.classKey]
		if q == nil {
			continue
		}
		q.mu.Lock()
		if q.state != StateInactive || q.stateSeq != e.seq {
			q.mu.Unlock()
			continue
		}
		if q.overTotalLocked() {
			f.retireLocked(q, RetireBudget)
			err := q.persistLocked()
			q.mu.Unlock()
			if err != nil {
				return false, err
			}
			continue
		}
		q.replenishLocked()
		f.fileLocked(q, StateReady, time.Time{})
		err := q.persistLocked()
		q.mu.Unlock()
		if err != nil {
			return false, err
		}
		f.logger.Debug("inactive queue activated", zap.String("class_key", q.classKey))
		return true, nil
	}
	return false, nil
}

// Finished records the completion of an item handed out by Next. cost is
// charged to the queue, the item is removed, and the queue is refiled.
func (f *Frontier) Finished(uri CrawlURI, cost int64, out Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	q, err := f.inProgressLocked(uri)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	done, err := q.dequeueLocked()
	if err != nil {
		f.logger.Error("dequeue failed", zap.String("class_key", q.classKey), zap.String("uri", uri.URI), zap.Error(err))
		return err
	}
	q.expendLocked(cost)

	switch out.Disposition {
	case Retry:
		if err := f.retryLocked(q, done); err != nil {
			// The item is gone; release the queue so the rest of it is not stranded.
			if q.count > 0 {
				f.fileLocked(q, StateReady, time.Time{})
			} else {
				f.fileLocked(q, StateIdle, time.Time{})
			}
			return errors.Join(err, q.persistLocked())
		}
	case Success:
		f.journal.FinishedSuccess(done.Clone())
		f.observer.Finished(Success)
	default:
		f.journal.FinishedFailure(done.Clone())
		f.observer.Finished(Failure)
	}

	pol := f.opts.Politeness
	if out.Politeness != nil {
		pol = *out.Politeness
	}
	delay := pol.Delay(q.lastCost)
	now := f.clock.Now()

	switch {
	case out.HostExhausted && q.count == 0:
		f.retireLocked(q, RetireExhausted)
	case q.overBudgetLocked() && f.opts.OverBudgetPolicy == OverBudgetInactive:
		f.fileLocked(q, StateInactive, time.Time{})
	case delay > 0:
		f.fileLocked(q, StateSnoozed, now.Add(delay))
		f.observer.Snoozed(delay)
	case q.count == 0:
		f.fileLocked(q, StateIdle, time.Time{})
	default:
		f.fileLocked(q, StateReady, time.Time{})
	}
	f.logger.Debug("finished",
		zap.String("class_key", q.classKey),
		zap.String("uri", done.URI),
		zap.Stringer("disposition", out.Disposition),
		zap.Int64("cost", cost),
		zap.Stringer("state", q.state),
	)
	return q.persistLocked()
}

func (f *Frontier) retryLocked(q *WorkQueue, done CrawlURI) error {
	if done.Attempts >= f.opts.MaxRetries {
		f.logger.Warn("retries exhausted",
			zap.String("class_key", q.classKey),
			zap.String("uri", done.URI),
			zap.Int("attempts", done.Attempts),
		)
		f.journal.FinishedFailure(done.Clone())
		f.observer.Finished(Failure)
		return nil
	}
	again := done.Clone()
	again.HolderKey = nil
	again.Attempts++
	again.Ordinal = f.seq.Next()
	if err := q.enqueueLocked(&again); err != nil {
		f.logger.Error("reschedule failed", zap.String("class_key", q.classKey), zap.String("uri", done.URI), zap.Error(err))
		return err
	}
	f.journal.Rescheduled(again.Clone())
	f.observer.Retried()
	return nil
}

// Abandon returns an in-progress item to its queue without charging it, for a
// worker whose fetch was cancelled. The queue is ready again at once.
func (f *Frontier) Abandon(uri CrawlURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	q, err := f.inProgressLocked(uri)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()
	q.peekItem = nil
	f.fileLocked(q, StateReady, time.Time{})
	return q.persistLocked()
}

// inProgressLocked returns the queue owning uri, locked, if it handed uri out.
func (f *Frontier) inProgressLocked(uri CrawlURI) (*WorkQueue, error) {
	q := f.queues[uri.ClassKey]
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, uri.ClassKey)
	}
	q.mu.Lock()
	if q.state != StateInProgress || q.peekItem == nil || !bytes.Equal(q.peekItem.HolderKey, uri.HolderKey) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotInProgress, uri.URI)
	}
	return q, nil
}

func (f *Frontier) retireLocked(q *WorkQueue, reason RetireReason) {
	f.fileLocked(q, StateRetired, time.Time{})
	q.retired = reason
	f.logger.Info("queue retired", zap.String("class_key", q.classKey), zap.Stringer("reason", reason))
}

// fileLocked moves q out of whatever set holds it and into the set for to.
// Entries left behind in the ready FIFO or inactive list go stale because the
// queue's stateSeq changes.
func (f *Frontier) fileLocked(q *WorkQueue, to State, wake time.Time) {
	switch q.state {
	case StateSnoozed:
		f.snoozed.remove(q.classKey)
	case StateRetired:
		delete(f.retired, q.classKey)
	case StateInProgress:
		delete(f.inProgress, q.classKey)
	}
	f.sizes[q.state]--
	f.sizes[to]++

	f.stateSeq++
	q.stateSeq = f.stateSeq
	q.state = to
	q.wakeTime = time.Time{}
	q.retired = RetireNone

	switch to {
	case StateReady:
		f.ready = append(f.ready, setEntry{classKey: q.classKey, seq: q.stateSeq})
	case StateSnoozed:
		q.wakeTime = wake
		f.snoozed.add(q.classKey, wake)
	case StateInactive:
		f.inactive = append(f.inactive, setEntry{classKey: q.classKey, seq: q.stateSeq})
	case StateRetired:
		f.retired[q.classKey] = struct{}{}
	case StateInProgress:
		f.inProgress[q.classKey] = struct{}{}
	}
	f.observer.QueueSets(maps.Clone(f.sizes))
	f.notifyLocked()
}

func (f *Frontier) notifyLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

// Sync makes every write so far durable. Callers should pause scheduling first
// to get a consistent checkpoint.
func (f *Frontier) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	start := f.clock.Now()
	if err := f.st.Sync(); err != nil {
		f.logger.Error("sync failed", zap.Error(err))
		return fmt.Errorf("sync frontier: %w", err)
	}
	f.logger.Info("frontier synced",
		zap.Int("queues", len(f.queues)),
		zap.Duration("took", f.clock.Now().Sub(start)),
	)
	return nil
}

// Close syncs and closes the store. Finished calls already holding the lock
// complete first; later calls get ErrClosed.
func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.notifyLocked()
	syncErr := f.st.Sync()
	if err := f.st.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("final sync: %w", syncErr)
	}
	f.logger.Info("frontier closed", zap.Uint64("last_ordinal", f.seq.Last()))
	return nil
}
