package sdnotify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "relaybot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(every time.Duration) (*Notifier, *recorder) {
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.interval = func() (time.Duration, error) { return every, nil }
	return n, rec
}

func TestReadyAndStopping(t *testing.T) {
	n, rec := newTestNotifier(0)
	n.Ready()
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, rec.states)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n, rec := newTestNotifier(0)
	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog should return when disabled")
	}
	assert.Zero(t, rec.count(daemon.SdNotifyWatchdog))
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	n, rec := newTestNotifier(20 * time.Millisecond)
	var healthy atomic.Bool
	healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Watchdog(ctx, healthy.Load)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, 5*time.Millisecond)
	healthy.Store(false)
	time.Sleep(30 * time.Millisecond)
	before := rec.count(daemon.SdNotifyWatchdog)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, rec.count(daemon.SdNotifyWatchdog))

	cancel()
	<-done
}
