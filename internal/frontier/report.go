package frontier

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"
)

// Totals aggregates a Snapshot.
type Totals struct {
	Queues           int    `json:"queues" yaml:"queues"`
	Items            int64  `json:"items" yaml:"items"`
	Idle             int    `json:"idle" yaml:"idle"`
	Ready            int    `json:"ready" yaml:"ready"`
	InProgress       int    `json:"in_progress" yaml:"in_progress"`
	Snoozed          int    `json:"snoozed" yaml:"snoozed"`
	Inactive         int    `json:"inactive" yaml:"inactive"`
	Retired          int    `json:"retired" yaml:"retired"`
	TotalExpenditure int64  `json:"total_expenditure" yaml:"total_expenditure"`
	LastOrdinal      uint64 `json:"last_ordinal" yaml:"last_ordinal"`
	NextWakeInMs     int64  `json:"next_wake_in_ms,omitempty" yaml:"next_wake_in_ms,omitempty"`
}

// Snapshot is a point-in-time view of the frontier.
type Snapshot struct {
	RunID  string      `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Taken  time.Time   `json:"taken" yaml:"taken"`
	Totals Totals      `json:"totals" yaml:"totals"`
	Queues []QueueInfo `json:"queues" yaml:"queues"`
}

// Snapshot captures every queue, ordered by class key.
func (f *Frontier) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()

	snap := Snapshot{
		RunID:  f.opts.RunID,
		Taken:  now,
		Queues: make([]QueueInfo, 0, len(f.queues)),
	}
	for _, q := range f.queues {
		q.mu.Lock()
		info := q.infoLocked(now)
		q.mu.Unlock()
		snap.Queues = append(snap.Queues, info)
		snap.Totals.Items += info.Count
		snap.Totals.TotalExpenditure += info.TotalExpenditure
	}
	slices.SortFunc(snap.Queues, func(a, b QueueInfo) int { return strings.Compare(a.ClassKey, b.ClassKey) })

	snap.Totals.Queues = len(f.queues)
	snap.Totals.Idle = f.sizes[StateIdle]
	snap.Totals.Ready = f.sizes[StateReady]
	snap.Totals.InProgress = f.sizes[StateInProgress]
	snap.Totals.Snoozed = f.sizes[StateSnoozed]
	snap.Totals.Inactive = f.sizes[StateInactive]
	snap.Totals.Retired = f.sizes[StateRetired]
	snap.Totals.LastOrdinal = f.seq.Last()
	if at, ok := f.snoozed.earliest(); ok && at.After(now) {
		snap.Totals.NextWakeInMs = at.Sub(now).Milliseconds()
	}
	return snap
}

// Report renders a human-readable status of the frontier and every queue.
func (f *Frontier) Report() string {
	return FormatReport(f.Snapshot())
}

// FormatReport renders a snapshot as text.
func FormatReport(s Snapshot) string {
	var b strings.Builder
	t := s.Totals
	fmt.Fprintf(&b, "Frontier report %s", s.Taken.Format(time.RFC3339))
	if s.RunID != "" {
		fmt.Fprintf(&b, " run %s", s.RunID)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, " %d queues holding %d items; total spend %d; last ordinal %d\n",
		t.Queues, t.Items, t.TotalExpenditure, t.LastOrdinal)
	fmt.Fprintf(&b, " ready %d  in-progress %d  snoozed %d  inactive %d  retired %d  idle %d\n",
		t.Ready, t.InProgress, t.Snoozed, t.Inactive, t.Retired, t.Idle)
	if t.NextWakeInMs > 0 {
		fmt.Fprintf(&b, " next wake in %dms\n", t.NextWakeInMs)
	}
	if len(s.Queues) == 0 {
		return b.String()
	}
	b.WriteString("\n")

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS KEY\tSTATE\tCOUNT\tSESSION\tTOTAL\tSPENT\tAVG COST\tWAKE IN\tLAST QUEUED\tLAST PEEKED")
	for _, q := range s.Queues {
		state := q.State
		if q.Retired != "" {
			state += "(" + q.Retired + ")"
		}
		total := "-"
		if q.TotalBudget >= 0 {
			total = fmt.Sprintf("%d", q.TotalBudget)
		}
		wake := "-"
		if q.WakeInMs > 0 {
			wake = fmt.Sprintf("%dms", q.WakeInMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%d\t%.1f\t%s\t%s\t%s\n",
			q.ClassKey, state, q.Count, q.SessionBalance, q.SessionBudget, total,
			q.TotalExpenditure, q.AverageCost, wake, orDash(q.LastQueued), orDash(q.LastPeeked))
	}
	_ = w.Flush()
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
