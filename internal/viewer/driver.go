package viewer

import (
	"context"
	"sync"

	"signboard/internal/transition"
)

// Driver is one viewer's state machine.
type Driver struct {
	hub *Hub
	id  uint64

	mu    sync.Mutex
	state State

	// mailbox holds at most the newest pending event; written under hub.mu.
	mailbox   chan transition.Event
	closeOnce sync.Once
}

func (d *Driver) ID() uint64 { return d.id }

func (d *Driver) Current() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// offer replaces any pending event with e. Called with hub.mu held.
func (d *Driver) offer(e transition.Event) {
	select {
	case d.mailbox <- e:
		return
	default:
	}
	select {
	case <-d.mailbox:
	default:
	}
	select {
	case d.mailbox <- e:
	default:
	}
}

// Apply folds e into the state. It reports whether what the viewer shows
// changed; stale events and repeats of the current display report false.
func (d *Driver) Apply(e transition.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !newer(d.state, e) {
		return false
	}
	changed := !transition.SameDisplay(d.state.Entry, e.Active)
	if changed {
		d.state = FromEvent(e)
	} else {
		d.state.At, d.state.Revision = e.At, e.Revision
	}
	return changed
}

// Refresh re-resolves the timeline now, the manual refresh of a viewer. It is
// idempotent: an unchanged active entry reports false.
func (d *Driver) Refresh() (State, bool, error) {
	now := d.hub.clock.Now()
	res, err := d.hub.resolver.Resolve(now, 0)
	if err != nil {
		return d.Current(), false, err
	}
	e := transition.Event{At: now, Revision: res.Revision, Active: res.Active}
	changed := d.Apply(e)
	return d.Current(), changed, nil
}

// Next blocks until an event changes the active entry and returns the new
// state. It returns ErrClosed after Close.
func (d *Driver) Next(ctx context.Context) (State, error) {
	for {
		select {
		case <-ctx.Done():
			return State{}, ctx.Err()
		case e, ok := <-d.mailbox:
			if !ok {
				return State{}, ErrClosed
			}
			if d.Apply(e) {
				return d.Current(), nil
			}
		}
	}
}

// Close unsubscribes the driver. Safe to call more than once.
func (d *Driver) Close() {
	d.closeOnce.Do(func() { d.hub.unsubscribe(d) })
}
