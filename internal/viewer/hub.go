package viewer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"signboard/internal/schedule"
	"signboard/internal/transition"
	logx "signboard/pkg/logx"
)

var ErrClosed = errors.New("viewer: driver closed")

// Resolver is the read side of the timeline. *schedule.Store satisfies it.
type Resolver interface {
	Resolve(at time.Time, maxFuture int) (schedule.Resolution, error)
}

type HubOption func(*Hub)

func WithClock(c clock.Clock) HubOption  { return func(h *Hub) { h.clock = c } }
func WithLogger(l logx.Logger) HubOption { return func(h *Hub) { h.log = l } }

// Hub fans transition events out to every subscribed Driver. It implements
// transition.Publisher and never blocks the scheduler: each driver keeps only
// the newest undelivered event.
type Hub struct {
	resolver Resolver
	clock    clock.Clock
	log      logx.Logger

	mu      sync.Mutex
	drivers map[uint64]*Driver
	seq     uint64
	last    transition.Event
	hasLast bool
}

func NewHub(r Resolver, opts ...HubOption) *Hub {
	h := &Hub{resolver: r, clock: clock.New(), drivers: map[uint64]*Driver{}}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.With(logx.String("comp", "viewer"))
	return h
}

func (h *Hub) Publish(e transition.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last, h.hasLast = e, true
	for _, d := range h.drivers {
		d.offer(e)
	}
}

// Subscribe registers a new viewer whose initial state is the timeline
// resolved now.
func (h *Hub) Subscribe() (*Driver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	res, err := h.resolver.Resolve(now, 0)
	if err != nil {
		return nil, err
	}
	h.seq++
	d := &Driver{
		hub:     h,
		id:      h.seq,
		state:   stateOf(now, res.Revision, res.Active),
		mailbox: make(chan transition.Event, 1),
	}
	h.drivers[d.id] = d
	h.log.Debug("viewer subscribed", logx.Uint64("viewer", d.id), logx.String("showing", d.state.EntryID()))
	return d, nil
}

func (h *Hub) unsubscribe(d *Driver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.drivers[d.id]; !ok {
		return
	}
	delete(h.drivers, d.id)
	close(d.mailbox)
	h.log.Debug("viewer unsubscribed", logx.Uint64("viewer", d.id))
}

// Count is the number of subscribed viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.drivers)
}

// Last returns the most recent event published through the hub.
func (h *Hub) Last() (transition.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}
