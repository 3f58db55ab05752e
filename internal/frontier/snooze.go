package frontier

import (
	"container/heap"
	"time"
)

// snoozed is one queue waiting for its wake time.
type snoozed struct {
	classKey string
	wake     time.Time
	idx      int
}

// before orders snoozed queues by wake time, then class key, so ties break the
// same way on every run.
func (s *snoozed) before(o *snoozed) bool {
	if !s.wake.Equal(o.wake) {
		return s.wake.Before(o.wake)
	}
	return s.classKey < o.classKey
}

type snoozeHeap []*snoozed

func (h snoozeHeap) Len() int           { return len(h) }
func (h snoozeHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h snoozeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *snoozeHeap) Push(x any) {
	s := x.(*snoozed)
	s.idx = len(*h)
	*h = append(*h, s)
}

func (h *snoozeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.idx = -1
	*h = old[:n-1]
	return s
}

// snoozeSet is the time-ordered set of snoozed queues with O(log n) removal by
// class key.
type snoozeSet struct {
	h     snoozeHeap
	byKey map[string]*snoozed
}

func newSnoozeSet() *snoozeSet {
	return &snoozeSet{byKey: make(map[string]*snoozed)}
}

func (s *snoozeSet) Len() int { return len(s.h) }

func (s *snoozeSet) add(classKey string, wake time.Time) {
	if cur, ok := s.byKey[classKey]; ok {
		cur.wake = wake
		heap.Fix(&s.h, cur.idx)
		return
	}
	e := &snoozed{classKey: classKey, wake: wake}
	s.byKey[classKey] = e
	heap.Push(&s.h, e)
}

func (s *snoozeSet) remove(classKey string) bool {
	e, ok := s.byKey[classKey]
	if !ok {
		return false
	}
	heap.Remove(&s.h, e.idx)
	delete(s.byKey, classKey)
	return true
}

// earliest returns the head wake time.
func (s *snoozeSet) earliest() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].wake, true
}

// popDue removes and returns, in order, every queue whose wake time is not after now.
func (s *snoozeSet) popDue(now time.Time) []string {
	var out []string
	for len(s.h) > 0 && !s.h[0].wake.After(now) {
		e := heap.Pop(&s.h).(*snoozed)
		delete(s.byKey, e.classKey)
		out = append(out, e.classKey)
	}
	return out
}
