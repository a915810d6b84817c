package schedule

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// at returns epoch + n seconds, the "T=n" used throughout these tests.
func at(n int) time.Time { return epoch.Add(time.Duration(n) * time.Second) }

func entry(id string, scheduled, created int, asset string) Entry {
	return Entry{ID: id, ScheduledAt: at(scheduled), CreatedAt: at(created), AssetRef: asset}
}

func mustInsert(t *testing.T, s *Store, es ...Entry) {
	t.Helper()
	for _, e := range es {
		require.NoError(t, s.Insert(e))
	}
}

func TestResolveActiveAndFuture(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("x", 10, 0, "X"), entry("y", 20, 1, "Y"))

	res, err := s.Resolve(at(15), 5)
	require.NoError(t, err)
	require.NotNil(t, res.Active)
	assert.Equal(t, "X", res.Active.AssetRef)
	require.Len(t, res.Future, 1)
	assert.Equal(t, "Y", res.Future[0].AssetRef)

	res, err = s.Resolve(at(25), 5)
	require.NoError(t, err)
	require.NotNil(t, res.Active)
	assert.Equal(t, "Y", res.Active.AssetRef)
	assert.Empty(t, res.Future)
}

func TestResolveTieBreaksOnCreatedAt(t *testing.T) {
	t.Parallel()

	s := NewStore()
	// Insert the later-created one first so insertion order cannot decide.
	mustInsert(t, s, entry("b", 10, 200, "late"), entry("a", 10, 100, "early"))

	res, err := s.Resolve(at(10), 5)
	require.NoError(t, err)
	require.NotNil(t, res.Active)
	assert.Equal(t, "early", res.Active.AssetRef)

	// Same createdAt falls back to id.
	s2 := NewStore()
	mustInsert(t, s2, entry("z", 10, 100, "z"), entry("m", 10, 100, "m"))
	active, ok, err := s2.EntryActiveAt(at(11))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", active.ID)
}

func TestResolveAfterInsertThenRemove(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("a", 5, 0, "A"))
	_, err := s.Remove("a")
	require.NoError(t, err)

	res, err := s.Resolve(at(5), 3)
	require.NoError(t, err)
	assert.Nil(t, res.Active)
	assert.Empty(t, res.Future)
}

func TestReplaceMovesActiveIntoFuture(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("early", 1, 0, "E"), entry("moved", 5, 1, "M"))

	res, err := s.Resolve(at(30), 5)
	require.NoError(t, err)
	assert.Equal(t, "moved", res.ActiveID())

	upd, err := s.Replace("moved", at(50), "M2")
	require.NoError(t, err)
	assert.Equal(t, at(1), upd.CreatedAt, "createdAt must survive a replace")

	res, err = s.Resolve(at(30), 5)
	require.NoError(t, err)
	assert.Equal(t, "early", res.ActiveID())
	require.Len(t, res.Future, 1)
	assert.Equal(t, "M2", res.Future[0].AssetRef)

	_, err = s.Remove("early")
	require.NoError(t, err)
	res, err = s.Resolve(at(30), 5)
	require.NoError(t, err)
	assert.Nil(t, res.Active)
}

func TestBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("a", 10, 0, "A"))

	res, err := s.Resolve(at(10), 1)
	require.NoError(t, err)
	assert.Equal(t, "a", res.ActiveID())
	assert.Empty(t, res.Future)

	res, err = s.Resolve(at(10).Add(-time.Millisecond), 1)
	require.NoError(t, err)
	assert.Nil(t, res.Active)
	require.Len(t, res.Future, 1)
}

func TestStoreErrors(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("a", 1, 0, "A"))

	require.ErrorIs(t, s.Insert(entry("a", 2, 0, "B")), ErrDuplicateID)
	require.ErrorIs(t, s.Insert(Entry{ScheduledAt: at(1)}), ErrEmptyID)

	_, err := s.Replace("missing", at(1), "A")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Remove("missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpcomingAfter(at(0), -1)
	require.ErrorIs(t, err, ErrInvalidLimit)

	require.ErrorIs(t, s.Load([]Entry{entry("d", 1, 0, "A"), entry("d", 2, 0, "B")}), ErrDuplicateID)
	assert.Equal(t, 1, s.Len(), "failed load must leave the store untouched")
}

func TestChangeNotifications(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var got []Change
	unregister := s.OnChange(func(c Change) { got = append(got, c) })

	mustInsert(t, s, entry("a", 10, 0, "A"))
	_, err := s.Replace("a", at(20), "A")
	require.NoError(t, err)
	_, err = s.Remove("a")
	require.NoError(t, err)
	unregister()
	mustInsert(t, s, entry("b", 1, 0, "B"))

	require.Len(t, got, 3)
	assert.Equal(t, Change{Kind: Inserted, ID: "a", NewAt: at(10), Revision: 1}, got[0])
	assert.Equal(t, Change{Kind: Replaced, ID: "a", OldAt: at(10), NewAt: at(20), Revision: 2}, got[1])
	assert.Equal(t, Change{Kind: Removed, ID: "a", OldAt: at(20), Revision: 3}, got[2])
	assert.Equal(t, uint64(4), s.Revision())
}

func TestChangeAffects(t *testing.T) {
	t.Parallel()

	now, next := at(10), at(20)
	cases := []struct {
		name string
		c    Change
		want bool
	}{
		{"insert in past", Change{Kind: Inserted, NewAt: at(5)}, true},
		{"insert before next", Change{Kind: Inserted, NewAt: at(15)}, true},
		{"insert at next", Change{Kind: Inserted, NewAt: at(20)}, true},
		{"insert far future", Change{Kind: Inserted, NewAt: at(30)}, false},
		{"move far to far", Change{Kind: Replaced, OldAt: at(30), NewAt: at(40)}, false},
		{"move active away", Change{Kind: Replaced, OldAt: at(5), NewAt: at(50)}, true},
		{"remove next", Change{Kind: Removed, OldAt: at(20)}, true},
		{"reload", Change{Kind: Reloaded}, true},
		{"insert at zero instant", Change{Kind: Inserted, NewAt: time.Time{}}, true},
		{"remove at zero instant", Change{Kind: Removed, OldAt: time.Time{}}, true},
		{"move from zero instant to far", Change{Kind: Replaced, OldAt: time.Time{}, NewAt: at(40)}, true},
	}
	for _, tc := range cases {
		if got := tc.c.Affects(now, next); got != tc.want {
			t.Fatalf("%s: Affects=%v want %v", tc.name, got, tc.want)
		}
	}
	assert.True(t, Change{Kind: Inserted, NewAt: at(99)}.Affects(now, time.Time{}), "no armed boundary: everything matters")
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("a", 10, 0, "A"))
	snap := s.Snapshot()
	mustInsert(t, s, entry("b", 5, 1, "B"))

	res, err := Resolve(snap, at(12), 5)
	require.NoError(t, err)
	assert.Equal(t, "a", res.ActiveID())
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, s.Len())
}

func TestInconsistencyDetectedAndRebuilt(t *testing.T) {
	t.Parallel()

	s := NewStore()
	mustInsert(t, s, entry("a", 10, 0, "A"), entry("b", 20, 1, "B"))

	// Corrupt the index behind the store's back.
	s.mu.Lock()
	s.tree.Delete(s.byID["a"])
	s.publishLocked()
	s.mu.Unlock()

	_, err := s.Resolve(at(15), 1)
	require.ErrorIs(t, err, ErrResolutionInconsistency)
	require.ErrorIs(t, s.Check(), ErrResolutionInconsistency)

	s.Rebuild()
	require.NoError(t, s.Check())
	res, err := s.Resolve(at(15), 1)
	require.NoError(t, err)
	assert.Equal(t, "a", res.ActiveID())
}

func TestNormalizeOnInsert(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 3*3600)
	s := NewStore()
	mustInsert(t, s, Entry{ID: "a", ScheduledAt: time.Date(2026, 1, 1, 3, 0, 0, 1_234_567, loc), CreatedAt: at(0)})
	e, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, time.UTC, e.ScheduledAt.Location())
	assert.Equal(t, 1_000_000, e.ScheduledAt.Nanosecond())
}

// bruteResolve is the reference: a linear scan over a sorted copy.
func bruteResolve(entries []Entry, t time.Time, limit int) (string, []string) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })

	var best *Entry
	for i := range sorted {
		e := sorted[i]
		if e.ScheduledAt.After(t) {
			break
		}
		if best == nil || e.ScheduledAt.After(best.ScheduledAt) {
			best = &sorted[i]
		}
	}
	var future []string
	for _, e := range sorted {
		if e.ScheduledAt.After(t) && len(future) < limit {
			future = append(future, e.ID)
		}
	}
	if best == nil {
		return "", future
	}
	return best.ID, future
}

func TestResolveMatchesLinearScan(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	s := NewStore()
	var live []Entry
	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(10); {
		case op < 6 || len(live) == 0:
			e := entry(fmt.Sprintf("e%04d", step), rng.Intn(100), rng.Intn(5), "A")
			require.NoError(t, s.Insert(e))
			live = append(live, e)
		case op < 8:
			i := rng.Intn(len(live))
			upd, err := s.Replace(live[i].ID, at(rng.Intn(100)), "B")
			require.NoError(t, err)
			live[i] = upd
		default:
			i := rng.Intn(len(live))
			_, err := s.Remove(live[i].ID)
			require.NoError(t, err)
			live = append(live[:i], live[i+1:]...)
		}

		if step%50 != 0 {
			continue
		}
		require.NoError(t, s.Check())
		for _, q := range []int{-1, 0, 17, 50, 99, 120} {
			limit := rng.Intn(6)
			res, err := s.Resolve(at(q), limit)
			require.NoError(t, err)

			wantActive, wantFuture := bruteResolve(live, at(q), limit)
			assert.Equal(t, wantActive, res.ActiveID(), "step %d T=%d", step, q)

			gotFuture := make([]string, 0, len(res.Future))
			for _, e := range res.Future {
				gotFuture = append(gotFuture, e.ID)
				assert.True(t, e.ScheduledAt.After(at(q)))
			}
			assert.Equal(t, len(wantFuture), len(gotFuture))
			if len(wantFuture) > 0 {
				assert.Equal(t, wantFuture, gotFuture)
			}
			assert.LessOrEqual(t, len(res.Future), limit)

			again, err := s.Resolve(at(q), limit)
			require.NoError(t, err)
			assert.Equal(t, res, again, "resolution must be deterministic")
		}
	}
}

func TestNextBoundary(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.True(t, NextBoundary(s.Snapshot(), at(0)).IsZero())

	mustInsert(t, s, entry("a", 10, 0, "A"), entry("b", 20, 0, "B"))
	assert.Equal(t, at(10), NextBoundary(s.Snapshot(), at(0)))
	assert.Equal(t, at(20), NextBoundary(s.Snapshot(), at(10)))
	assert.True(t, NextBoundary(s.Snapshot(), at(20)).IsZero())
}
