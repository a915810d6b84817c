package logx

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Recent is a zerolog sink that keeps the last N records at or above a
// minimum level. Admission is rate limited so a log storm cannot churn the ring.
type Recent struct {
	mu      sync.Mutex
	buf     []Record
	next    int
	full    bool
	min     zerolog.Level
	limiter *rate.Limiter
	dropped uint64
}

func newRecent() *Recent {
	return &Recent{min: zerolog.WarnLevel, limiter: rate.NewLimiter(5, 5)}
}

func (r *Recent) configure(cfg RecentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	size := max(cfg.Size, 0)
	if size != len(r.buf) {
		old := r.snapshotLocked()
		r.buf = make([]Record, size)
		r.next, r.full = 0, false
		if size > 0 {
			if len(old) > size {
				old = old[len(old)-size:]
			}
			for _, rec := range old {
				r.pushLocked(rec)
			}
		}
	}
}

func (r *Recent) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

func (r *Recent) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 || level < r.min || level == zerolog.NoLevel {
		return len(p), nil
	}
	if !r.limiter.Allow() {
		r.dropped++
		return len(p), nil
	}
	r.pushLocked(decodeRecord(level, p))
	return len(p), nil
}

func (r *Recent) pushLocked(rec Record) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the captured records, oldest first.
func (r *Recent) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Dropped counts records refused by the rate limiter.
func (r *Recent) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recent) snapshotLocked() []Record {
	if len(r.buf) == 0 {
		return nil
	}
	if !r.full {
		return append([]Record(nil), r.buf[:r.next]...)
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func decodeRecord(level zerolog.Level, p []byte) Record {
	rec := Record{Time: time.Now().UTC(), Level: level.String()}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		rec.Message = strings.TrimSpace(string(p))
		return rec
	}
	if msg, ok := m[zerolog.MessageFieldName].(string); ok {
		rec.Message = msg
	}
	for _, k := range []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName} {
		delete(m, k)
	}
	if len(m) > 0 {
		rec.Fields = m
	}
	return rec
}
