package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signboard/internal/eventbus"
)

func TestRegistrationValidation(t *testing.T) {
	t.Parallel()
	s := New()
	noop := func(context.Context) error { return nil }

	require.Error(t, s.AddInterval("fast", 100*time.Millisecond, 0, noop))
	require.Error(t, s.AddCron(" ", "@hourly", 0, noop))
	require.Error(t, s.AddCron("bad", "not a spec", 0, noop))
	require.Error(t, s.AddCron("nil", "@hourly", 0, nil))
	require.NoError(t, s.AddCron("nightly", "0 0 3 * * *", 0, noop))
	require.NoError(t, s.AddCron("hourly", "@hourly", 0, noop))

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, "hourly", snap.Jobs[0].Name)
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New()
	var first, second atomic.Int32
	require.NoError(t, s.AddInterval("compact", time.Minute, 0, func(context.Context) error { first.Add(1); return nil }))
	require.NoError(t, s.AddInterval("compact", 2*time.Minute, 0, func(context.Context) error { second.Add(1); return nil }))

	require.NoError(t, s.RunNow(context.Background(), "compact"))
	assert.Zero(t, first.Load())
	assert.EqualValues(t, 1, second.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "@every 2m0s", snap.Jobs[0].Spec)

	require.ErrorIs(t, s.RunNow(context.Background(), "vacuum"), ErrUnknownJob)
}

func TestRunNowRecordsFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "housekeeping.")
	defer unsub()

	s := New(WithBus(bus))
	require.NoError(t, s.AddInterval("flaky", time.Hour, 50*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := s.RunNow(context.Background(), "flaky")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.EqualValues(t, 1, snap.Jobs[0].Runs)
	assert.EqualValues(t, 1, snap.Jobs[0].Failures)
	assert.NotEmpty(t, snap.Jobs[0].LastErr)

	ev := <-events
	assert.Equal(t, EventJobFailed, ev.Type)
	assert.Equal(t, "flaky", ev.Data)
}

func TestIntervalJobsTick(t *testing.T) {
	t.Parallel()
	s := New()
	ran := make(chan struct{}, 8)
	require.NoError(t, s.AddInterval("safety_net", time.Second, 0, func(context.Context) error {
		ran <- struct{}{}
		return errors.New("still counted")
	}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	snap := s.Snapshot()
	assert.True(t, snap.Running)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("interval job never ran")
	}
	require.Eventually(t, func() bool { return s.Snapshot().Jobs[0].Runs >= 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, s.Snapshot().Jobs[0].Next.IsZero())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New()
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Snapshot().Running)
}
