package systemd

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	var n Notifier
	assert.False(t, n.Ready())
	assert.False(t, n.Status("serving %d viewers", 3))
}

func TestNotifiesSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	var n Notifier
	require.True(t, n.Ready())
	require.True(t, n.Status("next wake %s", "09:00"))

	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	k, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1", string(buf[:k]))
	k, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "STATUS=next wake 09:00", string(buf[:k]))
}

func TestWatchdog(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var sent []string
	n := Notifier{
		notify: func(_ bool, state string) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, state)
			return true, nil
		},
		watchdog: func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil },
	}

	healthy := true
	var hmu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.RunWatchdog(ctx, func() bool {
			hmu.Lock()
			defer hmu.Unlock()
			return healthy
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	hmu.Lock()
	healthy = false
	hmu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	before := len(sent)
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, len(sent))
	assert.Equal(t, "WATCHDOG=1", sent[0])
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n := Notifier{watchdog: func(bool) (time.Duration, error) { return 0, nil }}
	require.NoError(t, n.RunWatchdog(context.Background(), nil))
}
