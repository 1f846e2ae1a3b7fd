package servermaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tributary-io/tributary/pkg/clock"
)

func TestClientMonitorExpiresOnSilence(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	monitor := newClientMonitor("job-1", 30*time.Millisecond, 5*time.Millisecond, clock.New(),
		func() { fired.Store(true) })
	t.Cleanup(monitor.stop)

	require.Eventually(t, fired.Load, 5*time.Second, 5*time.Millisecond)
}

func TestClientMonitorHeartbeatsHoldExpiryOff(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	monitor := newClientMonitor("job-1", 50*time.Millisecond, 5*time.Millisecond, clock.New(),
		func() { fired.Store(true) })

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		monitor.keepAlive()
		require.False(t, fired.Load())
		time.Sleep(10 * time.Millisecond)
	}
	monitor.stop()
	require.False(t, fired.Load())
}

func TestClientMonitorStopIsIdempotent(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	monitor := newClientMonitor("job-1", time.Hour, 5*time.Millisecond, clock.New(),
		func() { fired.Store(true) })
	monitor.stop()
	monitor.stop()
	require.False(t, fired.Load())
}
