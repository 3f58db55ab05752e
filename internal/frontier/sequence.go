package frontier

import "sync/atomic"

// Sequence issues monotonically increasing ordinals. The zero value starts at 1.
type Sequence struct {
	last atomic.Uint64
}

// Next returns a fresh ordinal greater than every ordinal issued or observed.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Observe raises the sequence so later ordinals exceed n.
func (s *Sequence) Observe(n uint64) {
	for {
		cur := s.last.Load()
		if n <= cur || s.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Last returns the highest ordinal issued or observed.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
