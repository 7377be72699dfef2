// Package journal keeps an append-only record of run and component state
// changes so that run status can be followed from outside the fleet
// process. Entries are grouped by top-level run.
package journal

import (
	"context"
	"fmt"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
)

type EventType int

const (
	RunStarted EventType = iota
	ComponentStarted
	ComponentFinished
	JobSubmitted
	RecoveryStarted
	Quarantined
	Decontaminated
	RunFinished
)

var eventNames = map[EventType]string{
	RunStarted:        "RunStarted",
	ComponentStarted:  "ComponentStarted",
	ComponentFinished: "ComponentFinished",
	JobSubmitted:      "JobSubmitted",
	RecoveryStarted:   "RecoveryStarted",
	Quarantined:       "Quarantined",
	Decontaminated:    "Decontaminated",
	RunFinished:       "RunFinished",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventNames {
		if name == s {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown event type %q", s)
}

// Entry is one journaled event. Coordinates locate the component within
// the run and are empty for run-level events.
type Entry struct {
	ID          string
	RunID       int64
	Time        time.Time
	Type        EventType
	Coordinates string
	State       string
	Message     string
}

// NewEntry stamps a new entry with a fresh ID and the current time.
func NewEntry(runID int64, t EventType, coordinates, state, message string) Entry {
	id, err := uuid.NewV4()
	entryID := ""
	if err == nil {
		entryID = id.String()
	}
	return Entry{
		ID:          entryID,
		RunID:       runID,
		Time:        time.Now().UTC().Truncate(time.Microsecond),
		Type:        t,
		Coordinates: coordinates,
		State:       state,
		Message:     message,
	}
}

type Journal interface {
	// Append records e. Appending an entry whose ID was already recorded is
	// a no-op.
	Append(ctx context.Context, e Entry) error

	// Entries returns every entry of a run in the order appended.
	Entries(ctx context.Context, runID int64) ([]Entry, error)

	// Runs lists every run with at least one entry.
	Runs(ctx context.Context) ([]int64, error)
}

// CorruptedJournalError means stored entries could not be read back.
type CorruptedJournalError struct {
	RunID  int64
	Reason string
}

func (e CorruptedJournalError) Error() string {
	return fmt.Sprintf("journal of run %d is corrupted: %s", e.RunID, e.Reason)
}

// LastState is the state of the most recent RunStarted or RunFinished entry,
// "" when the run has none.
func LastState(entries []Entry) string {
	state := ""
	for _, e := range entries {
		if e.Type == RunStarted || e.Type == RunFinished {
			state = e.State
		}
	}
	return state
}
