package schedule

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("schedule: entry not found")
	ErrDuplicateID  = errors.New("schedule: duplicate entry id")
	ErrInvalidLimit = errors.New("schedule: future limit must be >= 0")
	ErrEmptyID      = errors.New("schedule: entry id is empty")

	// ErrResolutionInconsistency means the ordered index and the id map
	// disagree. The timeline must be rebuilt before it can be trusted again.
	ErrResolutionInconsistency = errors.New("schedule: index inconsistent with entry map")
)

// Entry assigns an asset to an instant.
type Entry struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduledAt"`
	AssetRef    string    `json:"assetRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Less is the total order of the timeline: scheduledAt, then createdAt, then id.
func Less(a, b Entry) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Normalize returns t in UTC truncated to milliseconds, the precision entries
// are stored with.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (e Entry) normalized() Entry {
	e.ScheduledAt = Normalize(e.ScheduledAt)
	e.CreatedAt = Normalize(e.CreatedAt)
	return e
}

// same reports whether two entries carry identical data.
func (e Entry) same(o Entry) bool {
	return e.ID == o.ID && e.AssetRef == o.AssetRef &&
		e.ScheduledAt.Equal(o.ScheduledAt) && e.CreatedAt.Equal(o.CreatedAt)
}

// ChangeKind says what a mutation did.
type ChangeKind string

const (
	Inserted ChangeKind = "inserted"
	Replaced ChangeKind = "replaced"
	Removed  ChangeKind = "removed"
	Reloaded ChangeKind = "reloaded"
)

// Change is emitted after every mutation. Inserted changes carry only NewAt,
// Removed changes only OldAt. Revision is the store revision after the change.
type Change struct {
	Kind     ChangeKind
	ID       string
	OldAt    time.Time
	NewAt    time.Time
	Revision uint64
}

// Affects reports whether the change can alter the active entry or the next
// boundary relative to now.
func (c Change) Affects(now, nextWake time.Time) bool {
	var at []time.Time
	switch c.Kind {
	case Inserted:
		at = []time.Time{c.NewAt}
	case Removed:
		at = []time.Time{c.OldAt}
	case Replaced:
		at = []time.Time{c.OldAt, c.NewAt}
	default:
		return true
	}
	for _, t := range at {
		if !t.After(now) || nextWake.IsZero() || !t.After(nextWake) {
			return true
		}
	}
	return false
}
