package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Kind names the transition an Event records.
type Kind string

// Supported journal kinds.
const (
	KindAdded           Kind = "ADDED"
	KindEmitted         Kind = "EMITTED"
	KindFinishedSuccess Kind = "FINISHED_SUCCESS"
	KindFinishedFailure Kind = "FINISHED_FAILURE"
	KindRescheduled     Kind = "RESCHEDULED"
)

// Event is one journal record.
type Event struct {
	// ID is time-sortable so sinks can order and deduplicate records.
	ID ulid.ULID `json:"id"`
	// RunID identifies the frontier process that produced the event.
	RunID string    `json:"run_id,omitempty"`
	TS    time.Time `json:"ts"`
	Kind  Kind      `json:"kind"`

	URI      string `json:"uri"`
	Via      string `json:"via,omitempty"`
	ClassKey string `json:"class_key"`
	Priority int    `json:"priority"`
	Cost     int    `json:"cost"`
	Ordinal  uint64 `json:"ordinal"`
	Attempts int    `json:"attempts,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == (ulid.ULID{}) {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.ClassKey == "" {
		return errors.New("class key is required")
	}
	switch e.Kind {
	case KindAdded, KindEmitted, KindFinishedSuccess, KindFinishedFailure, KindRescheduled:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// NewEvent builds an Event for uri at ts. The ULID carries ts in its time
// component.
func NewEvent(kind Kind, uri frontier.CrawlURI, runID string, ts time.Time) Event {
	ts = ts.UTC()
	return Event{
		ID:       ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()),
		RunID:    runID,
		TS:       ts,
		Kind:     kind,
		URI:      uri.URI,
		Via:      uri.Via,
		ClassKey: uri.ClassKey,
		Priority: uri.Priority,
		Cost:     uri.Cost,
		Ordinal:  uri.Ordinal,
		Attempts: uri.Attempts,
	}
}
