package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"signboard/internal/eventbus"
	logx "signboard/pkg/logx"
)

const EventJobFailed = "housekeeping.failed"

var ErrUnknownJob = errors.New("housekeeping: unknown job")

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID

	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastErr  string
	lastRun  time.Duration
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastErr      string        `json:"lastErr,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
}

type Snapshot struct {
	Running bool      `json:"running"`
	Jobs    []JobInfo `json:"jobs"`
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(s *Service) { s.bus = b } }

// Service owns the cron runner and the job table.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(opts ...Option) *Service {
	s := &Service{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "housekeeping"))
	return s
}

// Start launches the cron runner. Jobs added before Start are registered now.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("housekeeping started", logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the runner and waits for in-flight jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("housekeeping stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddInterval runs fn every interval, which must be at least one second.
func (s *Service) AddInterval(name string, every, timeout time.Duration, fn func(ctx context.Context) error) error {
	if every < time.Second {
		return fmt.Errorf("housekeeping: interval for %q must be at least 1s, got %s", name, every)
	}
	return s.AddCron(name, "@every "+every.String(), timeout, fn)
}

// AddCron registers fn under name using a cron spec, replacing any job with
// the same name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("housekeeping: name required")
	}
	if fn == nil {
		return fmt.Errorf("housekeeping: nil job %q", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping: job %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: spec, timeout: timeout, run: fn}
	s.jobs[name] = j
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(j); err != nil {
		delete(s.jobs, name)
		return err
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(j.entryID).Next))
	return nil
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(j *job) error {
	ctx := s.runCtx
	id, err := s.c.AddFunc(j.spec, func() { s.exec(ctx, j) })
	if err != nil {
		return fmt.Errorf("housekeeping: job %q: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, j)
}

func (s *Service) exec(ctx context.Context, j *job) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.run(ctx)
	took := time.Since(start)

	j.mu.Lock()
	j.runs++
	j.lastRun = took
	if err != nil {
		j.failures++
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventJobFailed, Time: time.Now(), Data: j.name})
		}
		return err
	}
	s.log.Trace("job ok", logx.String("job", j.name), logx.Duration("took", took))
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil}
	for _, j := range s.jobs {
		j.mu.Lock()
		info := JobInfo{
			Name:         j.name,
			Spec:         j.spec,
			Runs:         j.runs,
			Failures:     j.failures,
			LastErr:      j.lastErr,
			LastDuration: j.lastRun,
		}
		j.mu.Unlock()
		if s.c != nil {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].Name < snap.Jobs[k].Name })
	return snap
}

// cronLogger adapts logx to cron.Logger for the recover/skip wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
