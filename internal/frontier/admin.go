package frontier

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// SetPoliteness replaces the frontier-wide politeness settings. Queues already
// snoozed keep their wake times.
func (f *Frontier) SetPoliteness(p Politeness) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts.Politeness = p
}

// Politeness returns the frontier-wide politeness settings.
func (f *Frontier) Politeness() Politeness {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts.Politeness
}

// SetBudget replaces a queue's session and total budgets and refills its session
// balance. A queue retired for budget that is back under its total budget
// becomes inactive again; queues retired as exhausted stay retired.
func (f *Frontier) SetBudget(classKey string, session, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[classKey]
	if q == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, classKey)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setBudgetsLocked(session, total)
	if q.state == StateRetired && q.retired == RetireBudget && !q.overTotalLocked() {
		f.fileLocked(q, StateInactive, time.Time{})
		f.logger.Info("queue unretired", zap.String("class_key", classKey))
	}
	return q.persistLocked()
}

// Reactivate refills an inactive queue's session balance and makes it ready.
func (f *Frontier) Reactivate(classKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[classKey]
	if q == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, classKey)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case StateRetired:
		return fmt.Errorf("%w: %s (%s)", ErrRetired, classKey, q.retired)
	case StateInactive:
		if q.overTotalLocked() {
			return fmt.Errorf("%w: %s over total budget", ErrRetired, classKey)
		}
		q.replenishLocked()
		if q.count > 0 {
			f.fileLocked(q, StateReady, time.Time{})
		} else {
			f.fileLocked(q, StateIdle, time.Time{})
		}
		return q.persistLocked()
	default:
		return nil
	}
}

// DeleteMatching removes every item in classKey's queue whose URI matches the
// regular expression and returns how many were removed.
func (f *Frontier) DeleteMatching(classKey, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("frontier: bad pattern: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	q := f.queues[classKey]
	if q == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, classKey)
	}
	n, err := q.DeleteMatching(re)
	if err != nil {
		f.logger.Error("delete matching failed", zap.String("class_key", classKey), zap.Error(err))
		return n, err
	}
	f.logger.Info("deleted matching uris",
		zap.String("class_key", classKey),
		zap.String("pattern", pattern),
		zap.Int("removed", n),
	)
	return n, nil
}

// Marker is a resumable cursor over every pending item, for paging through the
// frontier. It carries no scheduling state.
type Marker struct {
	// Start is the store key the next page begins at.
	Start []byte `json:"start,omitempty"`
	// Pattern filters items by URI; empty matches everything.
	Pattern string `json:"pattern,omitempty"`
	Visited int64  `json:"visited"`
	Matched int64  `json:"matched"`
	// Done is set once the scan has passed the last item.
	Done bool `json:"done"`
}

// ScanFrom returns up to max items at or after m, in store order, and the
// marker to resume from. max <= 0 returns everything left.
func (f *Frontier) ScanFrom(m Marker, max int) ([]CrawlURI, Marker, error) {
	if m.Done {
		return nil, m, nil
	}
	var re *regexp.Regexp
	if m.Pattern != "" {
		var err error
		if re, err = regexp.Compile(m.Pattern); err != nil {
			return nil, m, fmt.Errorf("frontier: bad pattern: %w", err)
		}
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, m, ErrClosed
	}

	next := m
	next.Done = true
	var out []CrawlURI
	err := f.st.Iterate(m.Start, func(e store.Entry) (bool, error) {
		if queuekey.IsCap(e.Key) {
			return true, nil
		}
		if max > 0 && len(out) >= max {
			next.Start = e.Key
			next.Done = false
			return false, nil
		}
		var uri CrawlURI
		if err := uri.UnmarshalBinary(e.Value); err != nil {
			return false, fmt.Errorf("scan at %q: %w", e.Key, err)
		}
		uri.HolderKey = e.Key
		next.Visited++
		if re != nil && !re.MatchString(uri.URI) {
			return true, nil
		}
		next.Matched++
		out = append(out, uri)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			return nil, m, ErrClosed
		}
		return nil, m, err
	}
	return out, next, nil
}
