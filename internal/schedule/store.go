package schedule

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
)

const btreeDegree = 32

// Store holds the timeline: an ordered index keyed by (scheduledAt, createdAt, id)
// plus an id map.
//
// Writers serialize on an internal mutex; readers work on an immutable snapshot
// published after every write, so a resolution never observes a half-applied
// mutation. Callers that need several mutations to be atomic (validation then
// write) hold their own lock around them; see mutation.Service.
type Store struct {
	mu       sync.Mutex
	tree     *btree.BTreeG[Entry]
	byID     map[string]Entry
	revision uint64

	snap atomic.Pointer[Snapshot]

	// notifyMu is taken before mu is released so listeners see changes in
	// mutation order.
	notifyMu  sync.Mutex
	listeners map[uint64]func(Change)
	nextLis   uint64
}

func NewStore() *Store {
	s := &Store{
		tree:      btree.NewG(btreeDegree, Less),
		byID:      map[string]Entry{},
		listeners: map[uint64]func(Change){},
	}
	s.publishLocked()
	return s
}

// OnChange registers fn to receive every Change after it is applied. Listeners
// run synchronously on the writer's goroutine and must not mutate the store.
func (s *Store) OnChange(fn func(Change)) (unregister func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.nextLis++
	id := s.nextLis
	s.listeners[id] = fn
	return func() {
		s.notifyMu.Lock()
		delete(s.listeners, id)
		s.notifyMu.Unlock()
	}
}

// commit publishes a new snapshot, hands the notify lock over and releases mu.
// It must be called with mu held.
func (s *Store) commit(c Change) {
	s.revision++
	c.Revision = s.revision
	s.publishLocked()

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range s.listeners {
		fn(c)
	}
}

func (s *Store) publishLocked() {
	s.snap.Store(&Snapshot{tree: s.tree.Clone(), size: len(s.byID), revision: s.revision})
}

// Insert adds e. CreatedAt and ScheduledAt are normalized to UTC milliseconds.
func (s *Store) Insert(e Entry) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	e = e.normalized()

	s.mu.Lock()
	if _, ok := s.byID[e.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	s.byID[e.ID] = e
	s.tree.ReplaceOrInsert(e)
	s.commit(Change{Kind: Inserted, ID: e.ID, NewAt: e.ScheduledAt})
	return nil
}

// Replace changes scheduledAt and assetRef of an existing entry. The id and
// createdAt are kept. The updated entry is returned.
func (s *Store) Replace(id string, scheduledAt time.Time, assetRef string) (Entry, error) {
	s.mu.Lock()
	old, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	upd := old
	upd.ScheduledAt = Normalize(scheduledAt)
	upd.AssetRef = assetRef

	s.tree.Delete(old)
	s.tree.ReplaceOrInsert(upd)
	s.byID[id] = upd
	s.commit(Change{Kind: Replaced, ID: id, OldAt: old.ScheduledAt, NewAt: upd.ScheduledAt})
	return upd, nil
}

// Remove deletes the entry with the given id and returns it.
func (s *Store) Remove(id string) (Entry, error) {
	s.mu.Lock()
	old, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.tree.Delete(old)
	delete(s.byID, id)
	s.commit(Change{Kind: Removed, ID: id, OldAt: old.ScheduledAt})
	return old, nil
}

// Load replaces the whole timeline, typically with entries read back from
// persistence. Duplicate ids are rejected and leave the store untouched.
func (s *Store) Load(entries []Entry) error {
	tree := btree.NewG(btreeDegree, Less)
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return ErrEmptyID
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		e = e.normalized()
		byID[e.ID] = e
		tree.ReplaceOrInsert(e)
	}

	s.mu.Lock()
	s.tree, s.byID = tree, byID
	s.commit(Change{Kind: Reloaded})
	return nil
}

// Rebuild re-derives the ordered index from the id map. It is the recovery
// path after ErrResolutionInconsistency.
func (s *Store) Rebuild() {
	s.mu.Lock()
	tree := btree.NewG(btreeDegree, Less)
	for _, e := range s.byID {
		tree.ReplaceOrInsert(e)
	}
	s.tree = tree
	s.commit(Change{Kind: Reloaded})
}

// Check walks the whole index and verifies it against the id map.
func (s *Store) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.Len() != len(s.byID) {
		return fmt.Errorf("%w: index has %d entries, map has %d", ErrResolutionInconsistency, s.tree.Len(), len(s.byID))
	}
	var err error
	s.tree.Ascend(func(e Entry) bool {
		if m, ok := s.byID[e.ID]; !ok || !m.same(e) {
			err = fmt.Errorf("%w: entry %s", ErrResolutionInconsistency, e.ID)
			return false
		}
		return true
	})
	return err
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	return e, ok
}

// Snapshot returns the latest published view of the timeline.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

func (s *Store) Len() int         { return s.Snapshot().Len() }
func (s *Store) Revision() uint64 { return s.Snapshot().Revision() }
func (s *Store) All() []Entry     { return s.Snapshot().Entries() }

// EntryActiveAt returns the entry active at t, if any.
func (s *Store) EntryActiveAt(t time.Time) (Entry, bool, error) {
	return s.Snapshot().ActiveAt(t)
}

// UpcomingAfter returns up to limit entries strictly after t, ascending.
func (s *Store) UpcomingAfter(t time.Time, limit int) ([]Entry, error) {
	return s.Snapshot().Upcoming(t, limit)
}

// NextAfter returns the first entry strictly after t.
func (s *Store) NextAfter(t time.Time) (Entry, bool) {
	return s.Snapshot().NextAfter(t)
}

// Snapshot is an immutable view of the timeline at one revision. It is safe
// for concurrent use.
type Snapshot struct {
	tree     *btree.BTreeG[Entry]
	size     int
	revision uint64
}

func (sn *Snapshot) Len() int         { return sn.size }
func (sn *Snapshot) Revision() uint64 { return sn.revision }

func (sn *Snapshot) consistent() error {
	if sn.tree.Len() != sn.size {
		return fmt.Errorf("%w: index has %d entries, map has %d", ErrResolutionInconsistency, sn.tree.Len(), sn.size)
	}
	return nil
}

// Entries returns every entry in timeline order.
func (sn *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, sn.tree.Len())
	sn.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// after is the smallest key greater than every entry scheduled at or before t.
// Entry ids are never empty, so no stored entry compares equal to it.
func after(t time.Time) Entry {
	return Entry{ScheduledAt: t.Add(time.Nanosecond)}
}

// ActiveAt finds the greatest scheduledAt <= t and, among entries sharing it,
// the first in timeline order.
func (sn *Snapshot) ActiveAt(t time.Time) (Entry, bool, error) {
	if err := sn.consistent(); err != nil {
		return Entry{}, false, err
	}
	var (
		latest time.Time
		found  bool
	)
	sn.tree.DescendLessOrEqual(after(t), func(e Entry) bool {
		latest, found = e.ScheduledAt, true
		return false
	})
	if !found {
		return Entry{}, false, nil
	}

	var active Entry
	sn.tree.AscendGreaterOrEqual(Entry{ScheduledAt: latest}, func(e Entry) bool {
		active = e
		return false
	})
	if !active.ScheduledAt.Equal(latest) {
		return Entry{}, false, fmt.Errorf("%w: no entry at %s", ErrResolutionInconsistency, latest.Format(time.RFC3339Nano))
	}
	return active, true, nil
}

// Upcoming returns at most limit entries with scheduledAt > t, ascending.
func (sn *Snapshot) Upcoming(t time.Time, limit int) ([]Entry, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if err := sn.consistent(); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []Entry{}, nil
	}
	out := make([]Entry, 0, min(limit, sn.size))
	sn.tree.AscendGreaterOrEqual(after(t), func(e Entry) bool {
		out = append(out, e)
		return len(out) < limit
	})
	return out, nil
}

func (sn *Snapshot) NextAfter(t time.Time) (Entry, bool) {
	var (
		next  Entry
		found bool
	)
	sn.tree.AscendGreaterOrEqual(after(t), func(e Entry) bool {
		next, found = e, true
		return false
	})
	return next, found
}
