// Package rpc serves JSON-RPC 2.0 over websocket. Besides request/response
// methods for the timeline, clients may subscribe as a viewer and then
// receive "viewer.transition" pushes; every client receives
// "schedule.changed" pushes after mutations.
package rpc

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"golang.org/x/time/rate"

	"signboard/internal/eventbus"
	"signboard/internal/mutation"
	"signboard/internal/schedule"
	"signboard/internal/viewer"
	logx "signboard/pkg/logx"
)

const (
	MethodTransition = "viewer.transition"
	MethodChanged    = "schedule.changed"

	pushTimeout = 5 * time.Second
)

type Config struct {
	// RatePerSec limits requests per connection; 0 disables the limit.
	RatePerSec int
	Burst      int
	// Origins are host patterns allowed to connect cross-origin.
	Origins []string
}

type Deps struct {
	Mutations   *mutation.Service
	Store       *schedule.Store
	Hub         *viewer.Hub
	Log         logx.Logger
	FutureItems func() int
}

// Server accepts websocket sessions. It implements http.Handler.
type Server struct {
	Deps

	mu       sync.Mutex
	cfg      Config
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
	seq      atomic.Uint64
}

type session struct {
	id   uint64
	srv  *jrpc2.Server
	lim  *rate.Limiter
	ctx  context.Context
	log  logx.Logger
	mu   sync.Mutex
	view *viewer.Driver
}

func New(d Deps, cfg Config) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "rpc"))
	if d.FutureItems == nil {
		d.FutureItems = func() int { return 5 }
	}
	return &Server{Deps: d, cfg: cfg, sessions: map[*session]struct{}{}}
}

// SetConfig applies to connections opened afterwards.
func (s *Server) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RatePerSec
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{OriginPatterns: cfg.Origins})
	if err != nil {
		s.Log.Debug("websocket accept failed", logx.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := s.seq.Add(1)
	sess := &session{
		id:  id,
		lim: newLimiter(cfg),
		ctx: ctx,
		log: s.Log.With(logx.Uint64("session", id), logx.String("remote", r.RemoteAddr)),
	}
	sess.srv = jrpc2.NewServer(s.methods(sess), &jrpc2.ServerOptions{
		AllowPush: true,
		Logger:    func(text string) { sess.log.Trace(strings.TrimSpace(text)) },
	})
	if !s.register(sess) {
		_ = conn.Close(cws.StatusGoingAway, "shutting down")
		return
	}
	defer s.unregister(sess)

	sess.log.Debug("rpc session opened")
	sess.srv.Start(&wsChannel{conn: conn, ctx: ctx})
	err = sess.srv.Wait()
	cancel()
	sess.closeViewer()
	sess.log.Debug("rpc session closed", logx.Err(err))
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
	}
}

func (s *Server) live() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Sessions is the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast pushes a notification to every session. Sessions that cannot
// take it are stopped.
func (s *Server) Broadcast(method string, params any) {
	for _, sess := range s.live() {
		ctx, cancel := context.WithTimeout(sess.ctx, pushTimeout)
		err := sess.srv.Notify(ctx, method, params)
		cancel()
		if err != nil {
			sess.log.Debug("rpc push failed; closing session", logx.String("method", method), logx.Err(err))
			sess.srv.Stop()
		}
	}
}

// ChangeNotice is the payload of schedule.changed.
type ChangeNotice struct {
	Kind     string         `json:"kind"`
	Entry    schedule.Entry `json:"entry"`
	Revision uint64         `json:"revision"`
}

// Forward relays schedule mutation events from ch, typically a bus
// subscription to "schedule.", to every client until ctx ends.
func (s *Server) Forward(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n, ok := ev.Data.(mutation.Notice)
			if !ok {
				continue
			}
			s.Broadcast(MethodChanged, ChangeNotice{
				Kind:     strings.TrimPrefix(ev.Type, "schedule."),
				Entry:    n.Entry,
				Revision: n.Revision,
			})
		}
	}
}

// Close stops every session and refuses new ones, waiting until ctx ends.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, sess := range s.live() {
		sess.srv.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sess *session) closeViewer() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.view != nil {
		sess.view.Close()
		sess.view = nil
	}
}
