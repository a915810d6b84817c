// Package viewer tracks what each connected viewer is showing.
//
// A Driver is a two-state machine, Empty or Showing(entry). It is seeded by
// resolving the timeline when the viewer subscribes and then follows the
// transition events fanned out by the Hub. Events may arrive late or twice;
// stale ones are ignored and repeats of the current state are no-ops.
package viewer

import (
	"time"

	"signboard/internal/schedule"
	"signboard/internal/transition"
)

type Kind string

const (
	Empty   Kind = "empty"
	Showing Kind = "showing"
)

// State is what a viewer displays, as of At and store Revision.
type State struct {
	Kind     Kind            `json:"state"`
	Entry    *schedule.Entry `json:"entry,omitempty"`
	At       time.Time       `json:"instant"`
	Revision uint64          `json:"revision"`
}

func (s State) EntryID() string {
	if s.Entry == nil {
		return ""
	}
	return s.Entry.ID
}

func stateOf(at time.Time, revision uint64, active *schedule.Entry) State {
	st := State{Kind: Empty, At: at, Revision: revision}
	if active != nil {
		e := *active
		st.Kind, st.Entry = Showing, &e
	}
	return st
}

// FromEvent converts a transition event to the state it announces.
func FromEvent(e transition.Event) State { return stateOf(e.At, e.Revision, e.Active) }

// newer reports whether e may replace cur: a later store revision always
// wins, the same revision needs a non-decreasing instant.
func newer(cur State, e transition.Event) bool {
	if e.Revision != cur.Revision {
		return e.Revision > cur.Revision
	}
	return !e.At.Before(cur.At)
}
