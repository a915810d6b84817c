// Package mutation is the only writer of the timeline. It validates client
// requests, persists them and applies them to the schedule store.
package mutation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signboard/internal/assets"
	"signboard/internal/eventbus"
	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

const (
	EventCreated = "schedule.created"
	EventUpdated = "schedule.updated"
	EventDeleted = "schedule.deleted"
)

// Notice is the Data of the schedule.* bus events. Revision is the store
// revision the mutation produced.
type Notice struct {
	Entry    schedule.Entry
	Revision uint64
}

// Persister durably records timeline changes. storage.Store satisfies it.
type Persister interface {
	PutEntry(ctx context.Context, e schedule.Entry) error
	DeleteEntry(ctx context.Context, id string) error
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithClock(c clock.Clock) Option    { return func(s *Service) { s.clock = c } }
func WithBus(b eventbus.Bus) Option     { return func(s *Service) { s.bus = b } }

// WithPersister writes every change through p before it reaches the store.
func WithPersister(p Persister) Option { return func(s *Service) { s.persist = p } }

// WithIDs replaces the id generator (UUIDv7 by default).
func WithIDs(fn func() (string, error)) Option { return func(s *Service) { s.newID = fn } }

// Service serializes all writes to one timeline.
type Service struct {
	store   *schedule.Store
	catalog assets.Catalog
	persist Persister
	bus     eventbus.Bus
	clock   clock.Clock
	log     logx.Logger
	tracer  trace.Tracer
	newID   func() (string, error)

	// mu is the timeline writer lock. Validation happens before it is taken.
	mu sync.Mutex
}

func New(store *schedule.Store, catalog assets.Catalog, opts ...Option) *Service {
	s := &Service{
		store:   store,
		catalog: catalog,
		clock:   clock.New(),
		tracer:  otel.Tracer("signboard/internal/mutation"),
		newID:   newUUIDv7,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "mutation"))
	return s
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Create validates in, assigns an id and createdAt, and adds the entry.
func (s *Service) Create(ctx context.Context, in Input) (e schedule.Entry, err error) {
	ctx, span := s.tracer.Start(ctx, "schedule.create",
		trace.WithAttributes(attribute.String("asset.ref", in.AssetRef)))
	defer func() { endSpan(span, err) }()

	v, err := validate(ctx, s.catalog, in, s.clock.Now())
	if err != nil {
		return schedule.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.newID()
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("generate id: %w", err)
	}
	e = schedule.Entry{
		ID:          id,
		ScheduledAt: schedule.Normalize(v.at),
		AssetRef:    v.asset.Ref,
		CreatedAt:   schedule.Normalize(s.clock.Now()),
	}
	if s.persist != nil {
		if err := s.persist.PutEntry(ctx, e); err != nil {
			return schedule.Entry{}, fmt.Errorf("persist %s: %w", e.ID, err)
		}
	}
	if err := s.store.Insert(e); err != nil {
		s.rollbackPut(ctx, e.ID)
		return schedule.Entry{}, err
	}

	span.SetAttributes(attribute.String("schedule.id", e.ID))
	s.log.Info("schedule created",
		logx.String("id", e.ID),
		logx.Time("scheduled_at", e.ScheduledAt),
		logx.String("asset", e.AssetRef),
	)
	s.publish(EventCreated, e)
	return e, nil
}

// Update moves an existing entry and/or changes its asset. createdAt is kept.
func (s *Service) Update(ctx context.Context, id string, in Input) (e schedule.Entry, err error) {
	ctx, span := s.tracer.Start(ctx, "schedule.update",
		trace.WithAttributes(attribute.String("schedule.id", id), attribute.String("asset.ref", in.AssetRef)))
	defer func() { endSpan(span, err) }()

	id = strings.TrimSpace(id)
	v, err := validate(ctx, s.catalog, in, s.clock.Now())
	if err != nil {
		return schedule.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.store.Get(id)
	if !ok {
		return schedule.Entry{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	next := old
	next.ScheduledAt = schedule.Normalize(v.at)
	next.AssetRef = v.asset.Ref

	if s.persist != nil {
		if err := s.persist.PutEntry(ctx, next); err != nil {
			return schedule.Entry{}, fmt.Errorf("persist %s: %w", id, err)
		}
	}
	if e, err = s.store.Replace(id, next.ScheduledAt, next.AssetRef); err != nil {
		s.restorePut(ctx, old)
		return schedule.Entry{}, err
	}

	s.log.Info("schedule updated",
		logx.String("id", id),
		logx.Time("from", old.ScheduledAt),
		logx.Time("to", e.ScheduledAt),
		logx.String("asset", e.AssetRef),
	)
	s.publish(EventUpdated, e)
	return e, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "schedule.delete",
		trace.WithAttributes(attribute.String("schedule.id", id)))
	defer func() { endSpan(span, err) }()

	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	if s.persist != nil {
		if err := s.persist.DeleteEntry(ctx, id); err != nil {
			return fmt.Errorf("persist delete %s: %w", id, err)
		}
	}
	if _, err := s.store.Remove(id); err != nil {
		s.restorePut(ctx, old)
		return err
	}

	s.log.Info("schedule deleted", logx.String("id", id), logx.Time("scheduled_at", old.ScheduledAt))
	s.publish(EventDeleted, old)
	return nil
}

// Get returns a stored entry.
func (s *Service) Get(id string) (schedule.Entry, error) {
	e, ok := s.store.Get(strings.TrimSpace(id))
	if !ok {
		return schedule.Entry{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return e, nil
}

func (s *Service) rollbackPut(ctx context.Context, id string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.DeleteEntry(context.WithoutCancel(ctx), id); err != nil {
		s.log.Error("rollback of persisted entry failed", logx.String("id", id), logx.Err(err))
	}
}

// restorePut writes old back after the store refused a change that was
// already persisted.
func (s *Service) restorePut(ctx context.Context, old schedule.Entry) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutEntry(context.WithoutCancel(ctx), old); err != nil {
		s.log.Error("rollback of persisted entry failed", logx.String("id", old.ID), logx.Err(err))
	}
}

// publish must run under s.mu so the revision belongs to this mutation.
func (s *Service) publish(typ string, e schedule.Entry) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clock.Now(),
		Data: Notice{Entry: e, Revision: s.store.Revision()},
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Now is the service clock, exposed so transports resolve at the same instant
// mutations are stamped with.
func (s *Service) Now() time.Time { return s.clock.Now() }
