// Package fake provides a scripted job master for standalone deployments
// and tests. The master does no real work: it idles for a configured
// duration and then reports that the job finished, while honoring the
// suspension and stop protocol of a real master.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tributary-io/tributary/jobmaster"
	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/clock"
)

var (
	_ jobmaster.Service        = (*Master)(nil)
	_ jobmaster.ServiceFactory = (*Factory)(nil)
)

// Config controls the scripted behavior of fake masters.
type Config struct {
	// RunDuration is how long a job "executes" before it is reported
	// finished. Non-positive means the job runs until it is suspended or
	// stopped.
	RunDuration time.Duration
}

// Factory builds fake masters. A single instance serves all runners.
type Factory struct {
	cfg Config
	clk clock.Clock
}

// NewFactory creates a factory whose masters follow cfg and tell time
// through clk.
func NewFactory(cfg Config, clk clock.Clock) *Factory {
	return &Factory{cfg: cfg, clk: clk}
}

// NewService implements jobmaster.ServiceFactory.
func (f *Factory) NewService(
	_ context.Context,
	graph *model.ExecutionGraph,
	bundle *libcache.Bundle,
	epoch model.Epoch,
) (jobmaster.Service, error) {
	log.L().Info("building a fake job master",
		zap.String("job-id", string(graph.ID)),
		zap.Int("vertices", len(graph.Vertices)),
		zap.Int("artifacts", len(bundle.LocalPaths)),
		zap.Int64("epoch", epoch))

	ctx, cancel := context.WithCancel(context.Background())
	return &Master{
		jobID:    graph.ID,
		epoch:    epoch,
		clk:      f.clk,
		runFor:   f.cfg.RunDuration,
		resultCh: make(chan *model.JobResult, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Master pretends to execute one job.
type Master struct {
	jobID  model.JobID
	epoch  model.Epoch
	clk    clock.Clock
	runFor time.Duration

	resultCh    chan *model.JobResult
	deliverOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
}

// Start implements jobmaster.Service.
func (m *Master) Start(_ context.Context) error {
	if m.started.Swap(true) {
		return errors.New("fake master started twice")
	}
	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *Master) run() {
	defer m.wg.Done()

	if m.runFor <= 0 {
		<-m.ctx.Done()
		return
	}

	timer := m.clk.Timer(m.runFor)
	defer timer.Stop()
	select {
	case <-timer.C:
		m.deliver(&model.JobResult{
			JobID:      m.jobID,
			Status:     model.JobStatusFinished,
			FinishedAt: m.clk.Now().UnixMilli(),
		})
	case <-m.ctx.Done():
	}
}

// Suspend implements jobmaster.Service. The fake keeps no state, so it
// halts the run and acknowledges right away.
func (m *Master) Suspend(_ context.Context) error {
	m.cancel()
	m.wg.Wait()
	m.deliver(&model.JobResult{JobID: m.jobID, Status: model.JobStatusSuspended})
	return nil
}

// Stop implements jobmaster.Service.
func (m *Master) Stop(_ context.Context) error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// ResultCh implements jobmaster.Service.
func (m *Master) ResultCh() <-chan *model.JobResult { return m.resultCh }

// Epoch implements jobmaster.Service.
func (m *Master) Epoch() model.Epoch { return m.epoch }

// deliver emits the single result. A suspension racing the natural finish
// loses: whichever outcome lands first stands.
func (m *Master) deliver(result *model.JobResult) {
	m.deliverOnce.Do(func() { m.resultCh <- result })
}
