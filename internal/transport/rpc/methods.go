package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"signboard/internal/mutation"
	"signboard/internal/schedule"
	"signboard/internal/viewer"
	logx "signboard/pkg/logx"
)

const (
	codeNotFound      = jrpc2.Code(-32001)
	codeNotSubscribed = jrpc2.Code(-32002)
	codeRateLimited   = jrpc2.Code(-32029)
)

type ListParams struct {
	MaxFutureItems *int   `json:"maxFutureItems,omitempty"`
	At             string `json:"at,omitempty"`
}

type IDParam struct {
	ID string `json:"id"`
}

type UpdateParams struct {
	ID          string `json:"id"`
	ScheduledAt string `json:"scheduledAt"`
	AssetRef    string `json:"assetRef"`
}

type RefreshResult struct {
	State   viewer.State `json:"state"`
	Changed bool         `json:"changed"`
}

type EmptyResult struct{}

func (s *Server) methods(sess *session) handler.Map {
	m := handler.Map{
		"schedule.list":      handler.New(s.scheduleList),
		"schedule.get":       handler.New(s.scheduleGet),
		"schedule.create":    handler.New(s.scheduleCreate),
		"schedule.update":    handler.New(s.scheduleUpdate),
		"schedule.delete":    handler.New(s.scheduleDelete),
		"viewer.subscribe":   handler.New(sess.subscribe(s)),
		"viewer.refresh":     handler.New(sess.refresh),
		"viewer.unsubscribe": handler.New(sess.unsubscribe),
	}
	for name, h := range m {
		m[name] = sess.limited(h)
	}
	return m
}

func (sess *session) limited(h jrpc2.Handler) jrpc2.Handler {
	return func(ctx context.Context, req *jrpc2.Request) (any, error) {
		if !sess.lim.Allow() {
			return nil, &jrpc2.Error{Code: codeRateLimited, Message: "rate limit exceeded"}
		}
		return h(ctx, req)
	}
}

// rpcError maps domain errors onto JSON-RPC errors. Validation problems carry
// every message in data.message.
func rpcError(err error) error {
	var ve *mutation.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		data, _ := json.Marshal(map[string][]string{"message": ve.Messages()})
		return &jrpc2.Error{Code: jrpc2.InvalidParams, Message: err.Error(), Data: data}
	case errors.Is(err, schedule.ErrNotFound):
		return &jrpc2.Error{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, schedule.ErrInvalidLimit), errors.Is(err, schedule.ErrEmptyID):
		return &jrpc2.Error{Code: jrpc2.InvalidParams, Message: err.Error()}
	default:
		return err
	}
}

func (s *Server) scheduleList(_ context.Context, p *ListParams) (schedule.Resolution, error) {
	limit := s.FutureItems()
	if p.MaxFutureItems != nil {
		limit = *p.MaxFutureItems
	}
	at := s.Mutations.Now()
	if raw := strings.TrimSpace(p.At); raw != "" {
		t, err := mutation.ParseInstant(raw, at)
		if err != nil {
			return schedule.Resolution{}, &jrpc2.Error{Code: jrpc2.InvalidParams, Message: "at: " + err.Error()}
		}
		at = t
	}
	res, err := s.Store.Resolve(at, limit)
	return res, rpcError(err)
}

func (s *Server) scheduleGet(_ context.Context, p *IDParam) (schedule.Entry, error) {
	e, err := s.Mutations.Get(p.ID)
	return e, rpcError(err)
}

func (s *Server) scheduleCreate(ctx context.Context, p *mutation.Input) (schedule.Entry, error) {
	e, err := s.Mutations.Create(ctx, *p)
	return e, rpcError(err)
}

func (s *Server) scheduleUpdate(ctx context.Context, p *UpdateParams) (schedule.Entry, error) {
	e, err := s.Mutations.Update(ctx, p.ID, mutation.Input{ScheduledAt: p.ScheduledAt, AssetRef: p.AssetRef})
	return e, rpcError(err)
}

func (s *Server) scheduleDelete(ctx context.Context, p *IDParam) (EmptyResult, error) {
	return EmptyResult{}, rpcError(s.Mutations.Delete(ctx, p.ID))
}

// subscribe registers the session as a viewer, returns its initial state and
// starts pushing transitions. Subscribing again returns the current state.
func (sess *session) subscribe(s *Server) func(context.Context) (viewer.State, error) {
	return func(context.Context) (viewer.State, error) {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.view != nil {
			return sess.view.Current(), nil
		}
		d, err := s.Hub.Subscribe()
		if err != nil {
			return viewer.State{}, rpcError(err)
		}
		sess.view = d
		go sess.push(d)
		sess.log.Debug("viewer subscribed", logx.String("showing", d.Current().EntryID()))
		return d.Current(), nil
	}
}

func (sess *session) push(d *viewer.Driver) {
	for {
		st, err := d.Next(sess.ctx)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(sess.ctx, pushTimeout)
		err = sess.srv.Notify(ctx, MethodTransition, st)
		cancel()
		if err != nil {
			sess.log.Debug("transition push failed", logx.Err(err))
			return
		}
	}
}

func (sess *session) refresh(context.Context) (RefreshResult, error) {
	sess.mu.Lock()
	d := sess.view
	sess.mu.Unlock()
	if d == nil {
		return RefreshResult{}, &jrpc2.Error{Code: codeNotSubscribed, Message: "not subscribed"}
	}
	st, changed, err := d.Refresh()
	if err != nil {
		return RefreshResult{}, rpcError(err)
	}
	return RefreshResult{State: st, Changed: changed}, nil
}

func (sess *session) unsubscribe(context.Context) (EmptyResult, error) {
	sess.closeViewer()
	return EmptyResult{}, nil
}
