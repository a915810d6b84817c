package viewer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signboard/internal/schedule"
	"signboard/internal/transition"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func entry(id string, at time.Duration) schedule.Entry {
	return schedule.Entry{ID: id, ScheduledAt: t0.Add(at), AssetRef: "asset-" + id, CreatedAt: t0.Add(-time.Hour)}
}

func newHub(t *testing.T, entries ...schedule.Entry) (*Hub, *schedule.Store, *clock.Mock) {
	t.Helper()
	store := schedule.NewStore()
	for _, e := range entries {
		require.NoError(t, store.Insert(e))
	}
	mock := clock.NewMock()
	mock.Set(t0)
	return NewHub(store, WithClock(mock)), store, mock
}

func next(t *testing.T, d *Driver) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := d.Next(ctx)
	require.NoError(t, err)
	return st
}

func TestSubscribeResolvesNow(t *testing.T) {
	t.Parallel()
	hub, store, _ := newHub(t, entry("past", -time.Minute), entry("future", time.Minute))

	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()

	st := d.Current()
	assert.Equal(t, Showing, st.Kind)
	assert.Equal(t, "past", st.EntryID())
	assert.Equal(t, t0, st.At)
	assert.Equal(t, store.Revision(), st.Revision)
	assert.Equal(t, 1, hub.Count())
}

func TestApplyIgnoresStaleAndRepeatedEvents(t *testing.T) {
	t.Parallel()
	hub, store, _ := newHub(t)
	a := entry("a", 0)
	require.NoError(t, store.Insert(a))

	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()
	rev := store.Revision()
	require.Equal(t, "a", d.Current().EntryID())

	// Same revision and instant, same entry: nothing to do.
	assert.False(t, d.Apply(transition.Event{At: t0, Revision: rev, Active: &a}))
	// Older revision: stale even though it names another state.
	assert.False(t, d.Apply(transition.Event{At: t0.Add(time.Second), Revision: rev - 1}))
	// Same revision, earlier instant: stale.
	assert.False(t, d.Apply(transition.Event{At: t0.Add(-time.Second), Revision: rev}))
	assert.Equal(t, "a", d.Current().EntryID())

	assert.True(t, d.Apply(transition.Event{At: t0.Add(time.Second), Revision: rev + 1}))
	assert.Equal(t, Empty, d.Current().Kind)
	assert.Nil(t, d.Current().Entry)
}

func TestRefreshIsIdempotent(t *testing.T) {
	t.Parallel()
	hub, store, mock := newHub(t, entry("a", time.Second))

	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, Empty, d.Current().Kind)

	st, changed, err := d.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, Empty, st.Kind)

	mock.Add(time.Second)
	st, changed, err = d.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "a", st.EntryID())
	assert.Equal(t, "asset-a", st.Entry.AssetRef)

	_, changed, err = d.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, store.Revision(), d.Current().Revision)
}

func TestLatestEventWins(t *testing.T) {
	t.Parallel()
	hub, _, _ := newHub(t)
	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()

	a, b := entry("a", 0), entry("b", time.Second)
	hub.Publish(transition.Event{At: t0, Revision: 5, Active: &a})
	hub.Publish(transition.Event{At: t0.Add(time.Second), Revision: 5, Active: &b})

	assert.Equal(t, "b", next(t, d).EntryID())
	last, ok := hub.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.ActiveID())
}

func TestNextSkipsEventsThatChangeNothing(t *testing.T) {
	t.Parallel()
	hub, _, _ := newHub(t)
	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()

	hub.Publish(transition.Event{At: t0.Add(time.Second), Revision: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), d.Current().Revision)
}

func TestCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	hub, _, _ := newHub(t)
	d, err := hub.Subscribe()
	require.NoError(t, err)

	d.Close()
	d.Close()
	assert.Equal(t, 0, hub.Count())
	hub.Publish(transition.Event{At: t0, Revision: 9})

	_, err = d.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

// A viewer showing nothing at 9s with one entry due at 10s switches to it
// when the scheduler fires.
func TestViewerFollowsScheduler(t *testing.T) {
	t.Parallel()
	store := schedule.NewStore()
	e := schedule.Entry{ID: "E", ScheduledAt: t0.Add(10 * time.Second), AssetRef: "X", CreatedAt: t0}
	require.NoError(t, store.Insert(e))

	mock := clock.NewMock()
	mock.Set(t0.Add(9 * time.Second))
	hub := NewHub(store, WithClock(mock))
	sched := transition.New(store, hub, transition.WithClock(mock))
	store.OnChange(sched.Notify)

	d, err := hub.Subscribe()
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, Empty, d.Current().Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer syncCancel()
	require.NoError(t, sched.Sync(syncCtx))
	require.Equal(t, t0.Add(10*time.Second), sched.Status().NextWake)

	mock.Add(time.Second)
	st := next(t, d)
	assert.Equal(t, Showing, st.Kind)
	assert.Equal(t, "E", st.EntryID())
	assert.Equal(t, "X", st.Entry.AssetRef)
	assert.Equal(t, t0.Add(10*time.Second), st.At)
}
