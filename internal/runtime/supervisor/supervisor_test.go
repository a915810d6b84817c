package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stop(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("fails", func(context.Context) error { return boom })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not cancelled on error")
	}
	err := stop(t, s)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
}

func TestGoRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("kaboom") })

	require.ErrorContains(t, s.Wait(context.Background()), "panic: kaboom")
	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.EqualValues(t, 1, snap.Tasks[0].Panics)
	assert.False(t, snap.Tasks[0].Running)
}

func TestGoRestartRunsHookAndRecovers(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs, hooks atomic.Int32
	done := make(chan struct{})

	s.GoRestart("loop", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("inconsistent")
		case 2:
			panic("again")
		default:
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
	},
		WithRestartBackoff(time.Millisecond, 5*time.Millisecond),
		WithBeforeRestart(func(err error) error {
			hooks.Add(1)
			return nil
		}),
	)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not restarted")
	}
	assert.EqualValues(t, 2, hooks.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.True(t, snap.Tasks[0].Running)
	assert.EqualValues(t, 2, snap.Tasks[0].Restarts)
	assert.EqualValues(t, 1, snap.Tasks[0].Panics)
	assert.Empty(t, snap.FirstError)

	require.NoError(t, stop(t, s))
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.ErrorContains(t, s.Wait(context.Background()), "flaky: nope")
	assert.EqualValues(t, 3, runs.Load())
}

func TestGoRestartHookFailureStops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(context.Context) error {
		runs.Add(1)
		return errors.New("broken")
	}, WithBeforeRestart(func(error) error { return errors.New("rebuild failed") }))

	require.ErrorContains(t, s.Wait(context.Background()), "rebuild failed")
	assert.EqualValues(t, 1, runs.Load())
}

func TestGoRestartCleanExitStops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.Wait(context.Background()))
	assert.EqualValues(t, 1, runs.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, stop(t, s))
}
