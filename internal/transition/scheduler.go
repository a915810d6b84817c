// Package transition wakes up exactly when the active schedule entry can
// change and publishes the new active entry.
//
// The Scheduler is a single goroutine owning one timer armed for the next
// boundary of the timeline. Store changes, safety-net rechecks and
// configuration updates reach it through channels; it never assumes which
// entry a boundary belongs to and always re-resolves the store at the current
// instant.
package transition

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"signboard/internal/eventbus"
	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

const (
	EventArmFailed = "timeline.arm_failed"
	EventRestarted = "timeline.started"

	changeBuffer = 256
)

var ErrAlreadyRunning = errors.New("transition: scheduler already running")

// Config tunes the scheduler. Zero fields take defaults.
type Config struct {
	// MaxSleep caps a single timer so wall-clock steps and suspend/resume
	// are noticed within this bound.
	MaxSleep     time.Duration
	ArmRetryBase time.Duration
	ArmRetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSleep <= 0 {
		c.MaxSleep = 60 * time.Second
	}
	if c.ArmRetryBase <= 0 {
		c.ArmRetryBase = 100 * time.Millisecond
	}
	if c.ArmRetryMax <= 0 {
		c.ArmRetryMax = 10 * time.Second
	}
	if c.ArmRetryMax < c.ArmRetryBase {
		c.ArmRetryMax = c.ArmRetryBase
	}
	return c
}

// Status is a point-in-time view of the scheduler for health reporting.
type Status struct {
	Running     bool      `json:"running"`
	NextWake    time.Time `json:"nextWake,omitempty"`
	ActiveID    string    `json:"activeId,omitempty"`
	Revision    uint64    `json:"revision"`
	LastFire    time.Time `json:"lastFire,omitempty"`
	Fires       uint64    `json:"fires"`
	Publishes   uint64    `json:"publishes"`
	ArmFailures uint64    `json:"armFailures"`
	Rechecks    uint64    `json:"rechecks"`
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithClock(c clock.Clock) Option    { return func(s *Scheduler) { s.clock = c } }
func WithArmer(a Armer) Option          { return func(s *Scheduler) { s.armer = a } }
func WithBus(b eventbus.Bus) Option     { return func(s *Scheduler) { s.bus = b } }
func WithConfig(c Config) Option        { return func(s *Scheduler) { s.cfg = c.withDefaults() } }

type Scheduler struct {
	store *schedule.Store
	pub   Publisher
	clock clock.Clock
	armer Armer
	bus   eventbus.Bus
	log   logx.Logger

	cfgMu sync.Mutex
	cfg   Config

	changes  chan schedule.Change
	kick     chan struct{} // cap 1; coalesced "re-resolve now"
	barriers chan chan struct{}
	overflow atomic.Bool
	running  atomic.Bool

	statusMu sync.Mutex
	status   Status

	rng *rand.Rand
}

func New(store *schedule.Store, pub Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		pub:      pub,
		clock:    clock.New(),
		cfg:      Config{}.withDefaults(),
		changes:  make(chan schedule.Change, changeBuffer),
		kick:     make(chan struct{}, 1),
		barriers: make(chan chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}
	if s.armer == nil {
		s.armer = ClockArmer{Clock: s.clock}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "transition"))
	return s
}

// Notify queues a store change. It never blocks: when the queue is full the
// scheduler falls back to a full re-resolve. Suitable for Store.OnChange.
func (s *Scheduler) Notify(c schedule.Change) {
	select {
	case s.changes <- c:
	default:
		s.overflow.Store(true)
		s.poke()
	}
}

// Recheck asks for a re-resolve at the current instant, independent of the
// timer. It is the safety net run periodically by housekeeping.
func (s *Scheduler) Recheck() {
	s.statusMu.Lock()
	s.status.Rechecks++
	s.statusMu.Unlock()
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetConfig applies new tuning; the current timer is re-armed under it.
func (s *Scheduler) SetConfig(c Config) {
	s.cfgMu.Lock()
	s.cfg = c.withDefaults()
	s.cfgMu.Unlock()
	s.overflow.Store(true)
	s.poke()
}

func (s *Scheduler) config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Sync returns once every change queued before the call has been handled.
func (s *Scheduler) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.barriers <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Scheduler) updateStatus(fn func(*Status)) {
	s.statusMu.Lock()
	fn(&s.status)
	s.statusMu.Unlock()
}

// loop holds the state owned by the Run goroutine.
type loop struct {
	timer    *clock.Timer
	timerC   <-chan time.Time
	armedFor time.Time // boundary the timer serves; zero when idle

	retry      *clock.Timer
	retryC     <-chan time.Time
	retryDelay time.Duration

	nextWake  time.Time
	active    *schedule.Entry
	published bool
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer, l.timerC, l.armedFor = nil, nil, time.Time{}
}

func (l *loop) stopRetry() {
	if l.retry != nil {
		l.retry.Stop()
	}
	l.retry, l.retryC = nil, nil
}

// Run owns the timer until ctx is done. It returns nil on cancellation and a
// wrapped schedule.ErrResolutionInconsistency when the store can no longer be
// trusted.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	var l loop
	defer func() {
		l.stopTimer()
		l.stopRetry()
		s.updateStatus(func(st *Status) { st.Running = false; st.NextWake = time.Time{} })
		s.log.Info("transition scheduler stopped")
	}()

	s.updateStatus(func(st *Status) { st.Running = true })
	s.log.Info("transition scheduler started", logx.Duration("max_sleep", s.config().MaxSleep))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventRestarted, Time: s.clock.Now()})
	}

	// Pending changes from before this run are covered by the first reconcile.
	s.drainChanges()
	s.overflow.Store(false)
	if err := s.reconcile(&l); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-s.changes:
			if err := s.handleChange(&l, c); err != nil {
				return err
			}

		case <-s.kick:
			if err := s.handleKick(&l); err != nil {
				return err
			}

		case <-l.timerC:
			if err := s.fired(&l); err != nil {
				return err
			}

		case <-l.retryC:
			l.retry, l.retryC = nil, nil
			if err := s.reconcile(&l); err != nil {
				return err
			}

		case done := <-s.barriers:
			err := s.flush(&l)
			close(done)
			if err != nil {
				return err
			}
		}
	}
}

// flush handles everything already pending: queued changes, a kick and a
// timer that has fired but not been consumed.
func (s *Scheduler) flush(l *loop) error {
	for {
		var err error
		select {
		case c := <-s.changes:
			err = s.handleChange(l, c)
		case <-s.kick:
			err = s.handleKick(l)
		case <-l.timerC:
			err = s.fired(l)
		case <-l.retryC:
			l.retry, l.retryC = nil, nil
			err = s.reconcile(l)
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Scheduler) fired(l *loop) error {
	l.timer, l.timerC, l.armedFor = nil, nil, time.Time{}
	s.updateStatus(func(st *Status) { st.Fires++; st.LastFire = s.clock.Now() })
	return s.reconcile(l)
}

func (s *Scheduler) drainChanges() {
	for {
		select {
		case <-s.changes:
		default:
			return
		}
	}
}

func (s *Scheduler) handleKick(l *loop) error {
	if s.overflow.Swap(false) {
		s.drainChanges()
		l.stopTimer()
	}
	return s.reconcile(l)
}

func (s *Scheduler) handleChange(l *loop, c schedule.Change) error {
	now := s.clock.Now()
	if !c.Affects(now, l.nextWake) {
		s.log.Trace("change outside window", logx.String("id", c.ID), logx.String("kind", string(c.Kind)))
		s.updateStatus(func(st *Status) { st.Revision = c.Revision })
		return nil
	}
	return s.reconcile(l)
}

// reconcile resolves the store at now, publishes when the active entry
// changed, and arms the timer for the next boundary.
func (s *Scheduler) reconcile(l *loop) error {
	now := s.clock.Now()
	snap := s.store.Snapshot()
	res, err := schedule.Resolve(snap, now, 0)
	if err != nil {
		s.log.Error("timeline resolution failed", logx.Err(err), logx.Uint64("revision", snap.Revision()))
		return fmt.Errorf("resolve at %s: %w", now.Format(time.RFC3339Nano), err)
	}

	if !l.published || !SameDisplay(l.active, res.Active) {
		prev := Event{Active: l.active}.ActiveID()
		l.active, l.published = res.Active, true
		s.pub.Publish(Event{At: now, Revision: res.Revision, Active: res.Active})
		s.updateStatus(func(st *Status) { st.Publishes++ })
		s.log.Debug("transition published",
			logx.String("from", prev),
			logx.String("to", res.ActiveID()),
			logx.Time("at", now),
		)
	}

	wake := schedule.NextBoundary(snap, now)
	s.arm(l, now, wake)
	s.updateStatus(func(st *Status) {
		st.NextWake = l.nextWake
		st.ActiveID = res.ActiveID()
		st.Revision = res.Revision
	})
	return nil
}

// arm points the single timer at wake. Re-arming for the same boundary keeps
// the existing timer; a different boundary cancels it first.
func (s *Scheduler) arm(l *loop, now, wake time.Time) {
	l.nextWake = wake
	if wake.IsZero() {
		l.stopTimer()
		l.stopRetry()
		return
	}
	if l.timer != nil && l.armedFor.Equal(wake) {
		return
	}
	l.stopTimer()

	cfg := s.config()
	d := min(wake.Sub(now), cfg.MaxSleep)
	t, err := s.armer.Arm(d)
	if err != nil {
		s.armFailed(l, wake, err, cfg)
		return
	}
	l.stopRetry()
	l.retryDelay = 0
	l.timer, l.timerC, l.armedFor = t, t.C, wake
	s.log.Trace("timer armed", logx.Time("wake", wake), logx.Duration("in", d))
}

func (s *Scheduler) armFailed(l *loop, wake time.Time, err error, cfg Config) {
	if l.retryDelay <= 0 {
		l.retryDelay = cfg.ArmRetryBase
	} else {
		l.retryDelay = min(l.retryDelay*2, cfg.ArmRetryMax)
	}
	wait := l.retryDelay + time.Duration(s.rng.Int63n(int64(l.retryDelay/4)+1))

	s.updateStatus(func(st *Status) { st.ArmFailures++ })
	s.log.Warn("timer arm failed; retrying",
		logx.Err(err),
		logx.Time("wake", wake),
		logx.Duration("retry_in", wait),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventArmFailed, Time: s.clock.Now(), Data: err.Error()})
	}

	l.stopRetry()
	l.retry = s.clock.Timer(wait)
	l.retryC = l.retry.C
}
