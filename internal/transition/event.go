package transition

import (
	"time"

	"signboard/internal/schedule"
)

// Event announces the active entry as of At. Active is nil when nothing is
// active. Revision is the store revision the resolution was computed from.
type Event struct {
	At       time.Time       `json:"instant"`
	Revision uint64          `json:"revision"`
	Active   *schedule.Entry `json:"active"`
}

func (e Event) ActiveID() string {
	if e.Active == nil {
		return ""
	}
	return e.Active.ID
}

// SameDisplay reports whether a and b show the same thing: both empty, or the
// same entry with the same asset.
func SameDisplay(a, b *schedule.Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.AssetRef == b.AssetRef
}

// Publisher receives transition events. Publish must not block for long; it
// runs on the scheduler goroutine.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
