package schedule

import "time"

// Resolution is the outcome of resolving the timeline at one instant.
type Resolution struct {
	At       time.Time `json:"at"`
	Revision uint64    `json:"revision"`
	Active   *Entry    `json:"active"`
	Future   []Entry   `json:"future"`
}

// ActiveID is the id of the active entry, or "" when nothing is active.
func (r Resolution) ActiveID() string {
	if r.Active == nil {
		return ""
	}
	return r.Active.ID
}

// Resolve computes the active entry and up to maxFuture upcoming entries at
// instant at. For a given snapshot and instant the result is always the same.
func Resolve(sn *Snapshot, at time.Time, maxFuture int) (Resolution, error) {
	if maxFuture < 0 {
		return Resolution{}, ErrInvalidLimit
	}
	res := Resolution{At: at, Revision: sn.Revision()}

	active, ok, err := sn.ActiveAt(at)
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		res.Active = &active
	}
	if res.Future, err = sn.Upcoming(at, maxFuture); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// Resolve resolves the latest snapshot of the store.
func (s *Store) Resolve(at time.Time, maxFuture int) (Resolution, error) {
	return Resolve(s.Snapshot(), at, maxFuture)
}

// NextBoundary is the next instant strictly after at where resolution can
// change, or the zero time when the timeline has nothing left.
func NextBoundary(sn *Snapshot, at time.Time) time.Time {
	e, ok := sn.NextAfter(at)
	if !ok {
		return time.Time{}
	}
	return e.ScheduledAt
}
