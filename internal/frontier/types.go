package frontier

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNoneAvailable signals that no queue can hand out an item right now.
	ErrNoneAvailable = errors.New("frontier: no item available")
	// ErrQueueEmpty signals a peek on a queue holding no items.
	ErrQueueEmpty = errors.New("frontier: queue empty")
	// ErrNotPeeked signals a dequeue or unpeek without a cached head item.
	ErrNotPeeked = errors.New("frontier: dequeue without peek")
	// ErrNotInProgress signals a completion for an item its queue did not hand out.
	ErrNotInProgress = errors.New("frontier: item not in progress")
	// ErrOrdinalCollision signals an insert whose key already exists in the store.
	ErrOrdinalCollision = errors.New("frontier: ordinal collision")
	// ErrCorruptQueue signals that the stored items disagree with the queue count.
	ErrCorruptQueue = errors.New("frontier: queue count does not match store")
	// ErrUnknownQueue signals an administrative call naming a class key never seen.
	ErrUnknownQueue = errors.New("frontier: unknown queue")
	// ErrRetired signals an administrative call that cannot revive a retired queue.
	ErrRetired = errors.New("frontier: queue retired")
	// ErrClosed signals use of a closed frontier.
	ErrClosed = errors.New("frontier: closed")
)

// CrawlURI is one schedulable item.
type CrawlURI struct {
	URI          string `json:"uri" yaml:"uri"`
	Via          string `json:"via,omitempty" yaml:"via,omitempty"`
	PathFromSeed string `json:"path_from_seed,omitempty" yaml:"path_from_seed,omitempty"`
	// ClassKey groups URIs for politeness, usually the host.
	ClassKey string `json:"class_key" yaml:"class_key"`
	// Priority is the scheduling directive; 0 is served first.
	Priority int `json:"priority" yaml:"priority"`
	// Cost is the estimated spend of fetching this URI, 0..255.
	Cost int `json:"cost" yaml:"cost"`
	// Ordinal is the global discovery sequence number. Zero means assign one.
	Ordinal uint64 `json:"ordinal,omitempty" yaml:"ordinal,omitempty"`
	// Attempts counts retries already made.
	Attempts   int               `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// HolderKey is the store key the item was last written under. It travels
	// with a leased item so the completion can be matched.
	HolderKey []byte `json:"holder_key,omitempty" yaml:"-"`
}

// Clone returns a deep copy.
func (u CrawlURI) Clone() CrawlURI {
	out := u
	out.Attributes = maps.Clone(u.Attributes)
	if u.HolderKey != nil {
		out.HolderKey = append([]byte(nil), u.HolderKey...)
	}
	return out
}

func (u CrawlURI) String() string {
	return fmt.Sprintf("%s [%s p%d c%d #%d]", u.URI, u.ClassKey, u.Priority, u.Cost, u.Ordinal)
}

// Disposition classifies how a fetch ended.
type Disposition int

const (
	// Success means the URI was fetched and processed.
	Success Disposition = iota
	// Failure means the URI failed permanently.
	Failure
	// Retry means the URI failed but may be tried again.
	Retry
)

func (d Disposition) String() string {
	switch d {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Politeness configures the delay imposed between fetches from one queue. The
// delay is max(MinimumDelay, lastCost*DelayFactor milliseconds).
type Politeness struct {
	MinimumDelay time.Duration
	DelayFactor  float64
}

// Delay returns the wait after a fetch that cost lastCost.
func (p Politeness) Delay(lastCost int64) time.Duration {
	d := time.Duration(float64(lastCost) * p.DelayFactor * float64(time.Millisecond))
	if d < p.MinimumDelay {
		d = p.MinimumDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

// Outcome is what a worker reports with a completion.
type Outcome struct {
	Disposition Disposition
	// HostExhausted retires the queue once it is empty.
	HostExhausted bool
	// Politeness overrides the frontier-wide delay for this completion.
	Politeness *Politeness
}

// State is a queue's position in the scheduler.
type State uint8

const (
	// StateIdle queues hold nothing and sit in no set.
	StateIdle State = iota
	StateReady
	StateInProgress
	StateSnoozed
	StateInactive
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in_progress"
	case StateSnoozed:
		return "snoozed"
	case StateInactive:
		return "inactive"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// held reports whether the queue occupies one of the scheduling sets.
func (s State) held() bool {
	return s != StateIdle
}

// RetireReason records why a queue was retired.
type RetireReason uint8

const (
	RetireNone RetireReason = iota
	// RetireExhausted is permanent: the producer declared the host done.
	RetireExhausted
	// RetireBudget lasts until the total budget is raised.
	RetireBudget
)

func (r RetireReason) String() string {
	switch r {
	case RetireExhausted:
		return "exhausted"
	case RetireBudget:
		return "budget"
	default:
		return ""
	}
}

// OverBudgetPolicy selects where an over-budget queue goes after a completion.
type OverBudgetPolicy string

const (
	// OverBudgetInactive parks the queue until its session budget is refreshed.
	OverBudgetInactive OverBudgetPolicy = "inactive"
	// OverBudgetSnooze snoozes the queue for the politeness delay instead.
	OverBudgetSnooze OverBudgetPolicy = "snooze"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Journal records item transitions. Implementations must not block; errors stay
// inside the journal.
type Journal interface {
	Added(uri CrawlURI)
	Emitted(uri CrawlURI)
	FinishedSuccess(uri CrawlURI)
	FinishedFailure(uri CrawlURI)
	Rescheduled(uri CrawlURI)
}

// Observer receives scheduling metrics.
type Observer interface {
	Scheduled(classKey string)
	Emitted(classKey string)
	Finished(d Disposition)
	Retried()
	Snoozed(delay time.Duration)
	QueueSets(sizes map[State]int)
}

type nopJournal struct{}

func (nopJournal) Added(CrawlURI)           {}
func (nopJournal) Emitted(CrawlURI)         {}
func (nopJournal) FinishedSuccess(CrawlURI) {}
func (nopJournal) FinishedFailure(CrawlURI) {}
func (nopJournal) Rescheduled(CrawlURI)     {}

type nopObserver struct{}

func (nopObserver) Scheduled(string)        {}
func (nopObserver) Emitted(string)          {}
func (nopObserver) Finished(Disposition)    {}
func (nopObserver) Retried()                {}
func (nopObserver) Snoozed(time.Duration)   {}
func (nopObserver) QueueSets(map[State]int) {}

// HostClassKey is the default class key for a URI: its lowercase host. It
// returns "" when raw has no host.
func HostClassKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
