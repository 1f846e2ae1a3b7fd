package servermaster

import (
	"context"
	"sync"
	"time"

	"github.com/gavv/monotime"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/clock"
)

// clientMonitor enforces the liveness coupling of one attached job: once
// the submitting client stays silent longer than the job's configured
// timeout, the job is shut down. Heartbeats are stamped with monotonic
// time, so wall clock steps can neither kill a healthy job nor keep a dead
// client alive.
type clientMonitor struct {
	jobID   model.JobID
	timeout time.Duration

	lastBeat atomic.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// newClientMonitor starts the watchdog with the clock counting from now.
// onExpire fires at most once, on the monitor's own goroutine.
func newClientMonitor(
	jobID model.JobID,
	timeout time.Duration,
	checkInterval time.Duration,
	clk clock.Clock,
	onExpire func(),
) *clientMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &clientMonitor{
		jobID:   jobID,
		timeout: timeout,
		cancel:  cancel,
	}
	m.lastBeat.Store(monotime.Now())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, clk, checkInterval, onExpire)
	}()
	return m
}

func (m *clientMonitor) keepAlive() {
	m.lastBeat.Store(monotime.Now())
}

// stop halts the watchdog. An expiry already in flight finishes first.
func (m *clientMonitor) stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *clientMonitor) run(ctx context.Context, clk clock.Clock, checkInterval time.Duration, onExpire func()) {
	ticker := clk.Ticker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silence := monotime.Now() - m.lastBeat.Load()
			if silence <= m.timeout {
				continue
			}
			log.L().Warn("attached client went silent, shutting the job down",
				zap.String("job-id", string(m.jobID)),
				zap.Duration("silence", silence),
				zap.Duration("timeout", m.timeout))
			onExpire()
			return
		}
	}
}
