package frontier

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// WorkQueue is one virtual queue: a cursor over the shared store restricted to a
// class key, plus budget and lifecycle bookkeeping.
//
// The exported methods lock the queue themselves and persist its metadata. The
// Frontier uses the *Locked variants while holding both its own lock and the
// queue's, then persists once.
type WorkQueue struct {
	mu sync.Mutex

	classKey string
	origin   []byte
	items    store.MultiQueueStore
	states   store.StateStore

	count            int64
	sessionBudget    int64
	sessionBalance   int64
	totalBudget      int64
	totalExpenditure int64
	lastCost         int64
	costCount        int64
	lastOrdinal      uint64
	lastQueued       string
	lastPeeked       string

	// Scheduling position. Written only by the Frontier with both locks held.
	state    State
	retired  RetireReason
	wakeTime time.Time
	stateSeq uint64

	// peekItem stays fixed until Dequeue or Unpeek, whatever is enqueued meanwhile.
	peekItem *CrawlURI
}

// NewWorkQueue returns an empty queue and writes its cap entry. A totalBudget
// below zero means unlimited.
func NewWorkQueue(classKey string, items store.MultiQueueStore, states store.StateStore, sessionBudget, totalBudget int64) (*WorkQueue, error) {
	if err := queuekey.ValidateClassKey(classKey); err != nil {
		return nil, err
	}
	q := newWorkQueue(classKey, items, states)
	q.sessionBudget = sessionBudget
	q.sessionBalance = sessionBudget
	q.totalBudget = totalBudget
	if err := items.AddCap(q.origin); err != nil {
		return nil, fmt.Errorf("add cap for %s: %w", classKey, err)
	}
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func newWorkQueue(classKey string, items store.MultiQueueStore, states store.StateStore) *WorkQueue {
	return &WorkQueue{
		classKey: classKey,
		origin:   queuekey.OriginKey(classKey),
		items:    items,
		states:   states,
	}
}

// restoreWorkQueue rebuilds a queue from persisted metadata. The cap entry is
// already in the store.
func restoreWorkQueue(classKey string, m queueMeta, items store.MultiQueueStore, states store.StateStore) *WorkQueue {
	q := newWorkQueue(classKey, items, states)
	q.count = m.Count
	q.sessionBudget = m.SessionBudget
	q.sessionBalance = m.SessionBalance
	q.totalBudget = m.TotalBudget
	q.totalExpenditure = m.TotalExpenditure
	q.lastCost = m.LastCost
	q.costCount = m.CostCount
	q.lastOrdinal = m.LastOrdinal
	q.lastQueued = m.LastQueued
	q.lastPeeked = m.LastPeeked
	q.state = m.State
	q.retired = m.Retired
	q.wakeTime = fromUnixMilli(m.WakeTimeMs)
	q.stateSeq = m.StateSeq
	return q
}

// ClassKey returns the queue's grouping key.
func (q *WorkQueue) ClassKey() string { return q.classKey }

// Count returns the number of items held.
func (q *WorkQueue) Count() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Enqueue stores uri, assigning its HolderKey if unset. An existing key is an
// ordinal collision and is reported, never retried.
func (q *WorkQueue) Enqueue(uri *CrawlURI) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.enqueueLocked(uri); err != nil {
		return err
	}
	return q.persistLocked()
}

func (q *WorkQueue) enqueueLocked(uri *CrawlURI) error {
	if len(uri.HolderKey) == 0 {
		key, err := queuekey.InsertKey(q.classKey, uri.Priority, uri.Cost, uri.Ordinal)
		if err != nil {
			return err
		}
		uri.HolderKey = key
	}
	value, err := uri.MarshalBinary()
	if err != nil {
		return err
	}
	if err := q.items.Put(uri.HolderKey, value, false); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s ordinal %d", ErrOrdinalCollision, q.classKey, uri.Ordinal)
		}
		return fmt.Errorf("enqueue into %s: %w", q.classKey, err)
	}
	q.count++
	if uri.Ordinal > q.lastOrdinal {
		q.lastOrdinal = uri.Ordinal
	}
	q.lastQueued = uri.URI
	return nil
}

// Update rewrites an already stored item in place without reordering it.
func (q *WorkQueue) Update(uri CrawlURI) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(uri.HolderKey) == 0 {
		return fmt.Errorf("update in %s: %w", q.classKey, store.ErrNotFound)
	}
	if _, err := q.items.Get(uri.HolderKey); err != nil {
		return fmt.Errorf("update in %s: %w", q.classKey, err)
	}
	value, err := uri.MarshalBinary()
	if err != nil {
		return err
	}
	if err := q.items.Put(uri.HolderKey, value, true); err != nil {
		return fmt.Errorf("update in %s: %w", q.classKey, err)
	}
	if q.peekItem != nil && string(q.peekItem.HolderKey) == string(uri.HolderKey) {
		cached := uri.Clone()
		q.peekItem = &cached
	}
	return nil
}

// Peek returns the head item, caching it until Dequeue or Unpeek.
func (q *WorkQueue) Peek() (CrawlURI, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

func (q *WorkQueue) peekLocked() (CrawlURI, error) {
	if q.peekItem != nil {
		return q.peekItem.Clone(), nil
	}
	if q.count == 0 {
		return CrawlURI{}, ErrQueueEmpty
	}
	e, err := q.items.SeekFirstAtOrAfter(queuekey.AfterOrigin(q.origin))
	switch {
	case errors.Is(err, store.ErrEndOfStore):
		return CrawlURI{}, fmt.Errorf("%w: %s expects %d items", ErrCorruptQueue, q.classKey, q.count)
	case err != nil:
		return CrawlURI{}, fmt.Errorf("peek %s: %w", q.classKey, err)
	case !queuekey.InQueue(e.Key, q.origin):
		return CrawlURI{}, fmt.Errorf("%w: %s expects %d items", ErrCorruptQueue, q.classKey, q.count)
	}
	var uri CrawlURI
	if err := uri.UnmarshalBinary(e.Value); err != nil {
		return CrawlURI{}, fmt.Errorf("peek %s: %w", q.classKey, err)
	}
	uri.HolderKey = e.Key
	q.peekItem = &uri
	q.lastPeeked = uri.URI
	return uri.Clone(), nil
}

// Dequeue deletes the peeked item from the store. It fails with ErrNotPeeked when
// nothing is cached.
func (q *WorkQueue) Dequeue() (CrawlURI, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	uri, err := q.dequeueLocked()
	if err != nil {
		return CrawlURI{}, err
	}
	return uri, q.persistLocked()
}

func (q *WorkQueue) dequeueLocked() (CrawlURI, error) {
	if q.peekItem == nil {
		return CrawlURI{}, fmt.Errorf("%w: %s", ErrNotPeeked, q.classKey)
	}
	if err := q.items.Delete(q.peekItem.HolderKey); err != nil {
		return CrawlURI{}, fmt.Errorf("dequeue from %s: %w", q.classKey, err)
	}
	uri := *q.peekItem
	q.peekItem = nil
	q.count--
	return uri, nil
}

// Unpeek forgets the cached head without deleting it.
func (q *WorkQueue) Unpeek() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peekItem = nil
}

// Expend charges cost against the budgets and returns the remaining session
// balance.
func (q *WorkQueue) Expend(cost int64) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expendLocked(cost)
}

func (q *WorkQueue) expendLocked(cost int64) int64 {
	if cost < 0 {
		cost = 0
	}
	q.sessionBalance -= cost
	q.totalExpenditure += cost
	q.lastCost = cost
	q.costCount++
	return q.sessionBalance
}

// IsOverBudget reports whether the session balance is spent or the total budget
// is exceeded.
func (q *WorkQueue) IsOverBudget() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overBudgetLocked()
}

func (q *WorkQueue) overBudgetLocked() bool {
	return q.sessionBalance <= 0 || q.overTotalLocked()
}

func (q *WorkQueue) overTotalLocked() bool {
	return q.totalBudget >= 0 && q.totalExpenditure > q.totalBudget
}

// DeleteMatching removes every item whose URI matches pattern and returns how
// many were removed. The in-flight peeked item is left alone.
func (q *WorkQueue) DeleteMatching(pattern *regexp.Regexp) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var inFlight []byte
	if q.peekItem != nil {
		inFlight = q.peekItem.HolderKey
	}
	var decodeErr error
	matches, err := q.items.ScanPrefix(q.origin, func(key, value []byte) bool {
		if inFlight != nil && string(key) == string(inFlight) {
			return false
		}
		var uri CrawlURI
		if err := uri.UnmarshalBinary(value); err != nil {
			decodeErr = err
			return false
		}
		return pattern.MatchString(uri.URI)
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", q.classKey, err)
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("scan %s: %w", q.classKey, decodeErr)
	}

	removed := 0
	for _, e := range matches {
		if err := q.items.Delete(e.Key); err != nil {
			q.count -= int64(removed)
			_ = q.persistLocked()
			return removed, fmt.Errorf("delete from %s: %w", q.classKey, err)
		}
		removed++
	}
	q.count -= int64(removed)
	return removed, q.persistLocked()
}

// setBudgetsLocked replaces the budgets. The session balance is refilled to the
// new session budget.
func (q *WorkQueue) setBudgetsLocked(session, total int64) {
	q.sessionBudget = session
	q.sessionBalance = session
	q.totalBudget = total
}

func (q *WorkQueue) replenishLocked() {
	q.sessionBalance = q.sessionBudget
}

func (q *WorkQueue) metaLocked() queueMeta {
	return queueMeta{
		Count:            q.count,
		SessionBudget:    q.sessionBudget,
		SessionBalance:   q.sessionBalance,
		TotalBudget:      q.totalBudget,
		TotalExpenditure: q.totalExpenditure,
		LastCost:         q.lastCost,
		CostCount:        q.costCount,
		WakeTimeMs:       unixMilli(q.wakeTime),
		State:            q.state,
		Retired:          q.retired,
		StateSeq:         q.stateSeq,
		LastOrdinal:      q.lastOrdinal,
		LastQueued:       q.lastQueued,
		LastPeeked:       q.lastPeeked,
	}
}

func (q *WorkQueue) persistLocked() error {
	data, err := encodeMeta(q.metaLocked())
	if err != nil {
		return err
	}
	if err := q.states.PutQueueState(q.classKey, data); err != nil {
		return fmt.Errorf("persist %s: %w", q.classKey, err)
	}
	return nil
}

// QueueInfo is a point-in-time view of one queue.
type QueueInfo struct {
	ClassKey         string  `json:"class_key" yaml:"class_key"`
	State            string  `json:"state" yaml:"state"`
	Retired          string  `json:"retired,omitempty" yaml:"retired,omitempty"`
	Count            int64   `json:"count" yaml:"count"`
	SessionBudget    int64   `json:"session_budget" yaml:"session_budget"`
	SessionBalance   int64   `json:"session_balance" yaml:"session_balance"`
	TotalBudget      int64   `json:"total_budget" yaml:"total_budget"`
	TotalExpenditure int64   `json:"total_expenditure" yaml:"total_expenditure"`
	LastCost         int64   `json:"last_cost" yaml:"last_cost"`
	AverageCost      float64 `json:"average_cost" yaml:"average_cost"`
	WakeInMs         int64   `json:"wake_in_ms,omitempty" yaml:"wake_in_ms,omitempty"`
	LastQueued       string  `json:"last_queued,omitempty" yaml:"last_queued,omitempty"`
	LastPeeked       string  `json:"last_peeked,omitempty" yaml:"last_peeked,omitempty"`
	InFlight         string  `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
}

func (q *WorkQueue) infoLocked(now time.Time) QueueInfo {
	info := QueueInfo{
		ClassKey:         q.classKey,
		State:            q.state.String(),
		Retired:          q.retired.String(),
		Count:            q.count,
		SessionBudget:    q.sessionBudget,
		SessionBalance:   q.sessionBalance,
		TotalBudget:      q.totalBudget,
		TotalExpenditure: q.totalExpenditure,
		LastCost:         q.lastCost,
		LastQueued:       q.lastQueued,
		LastPeeked:       q.lastPeeked,
	}
	if q.costCount > 0 {
		info.AverageCost = float64(q.totalExpenditure) / float64(q.costCount)
	}
	if q.state == StateSnoozed && q.wakeTime.After(now) {
		info.WakeInMs = q.wakeTime.Sub(now).Milliseconds()
	}
	if q.peekItem != nil {
		info.InFlight = q.peekItem.URI
	}
	return info
}
