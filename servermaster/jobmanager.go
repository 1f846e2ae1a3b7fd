package servermaster

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tributary-io/tributary/jobmaster"
	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/pkg/clock"
	"github.com/tributary-io/tributary/pkg/election"
	derror "github.com/tributary-io/tributary/pkg/errors"
	"github.com/tributary-io/tributary/pkg/notifier"
	"github.com/tributary-io/tributary/resultstore"
)

// JobEvent is broadcast when a job stops being managed by this process.
type JobEvent struct {
	JobID model.JobID
	// Result is the terminal outcome; nil when the job ended without one.
	Result *model.JobResult
	// Err explains a resultless end: the runner was closed, or persisting
	// the outcome ultimately failed.
	Err error
}

// JobManagerConfig carries the lifecycle knobs shared by all jobs.
type JobManagerConfig struct {
	Retry       jobmaster.RetryConfig
	StopTimeout time.Duration
	// HeartbeatCheckInterval is how often attached-client silence is
	// checked against each job's timeout.
	HeartbeatCheckInterval time.Duration
}

func (c *JobManagerConfig) adjust() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultJobStopTimeout
	}
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = defaultStoreRetryInterval
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = defaultHeartbeatCheck
	}
}

type jobEntry struct {
	// runner is nil while the submission is still in flight; such entries
	// only reserve the job id.
	runner  *jobmaster.LeadershipRunner
	monitor *clientMonitor
}

// JobManager is the submission front of a server master. It translates
// pipelines, runs the duplicate checks, and owns one leadership runner per
// accepted job. The shared services behind every job (the bundle cache, the
// result store, the election provider and the master factory) are injected
// once and reused for all of them.
type JobManager struct {
	planner  pipeline.Planner
	factory  jobmaster.ServiceFactory
	election election.Provider
	store    resultstore.Store
	libMgr   libcache.Manager
	clk      clock.Clock
	cfg      JobManagerConfig

	mu   sync.Mutex
	jobs map[model.JobID]*jobEntry

	notifier *notifier.Notifier[JobEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewJobManager builds the manager and reclaims whatever earlier
// incarnations left behind: every dirty result entry is marked clean, since
// a fresh process holds no lease and no heartbeat registration for those
// jobs anymore.
func NewJobManager(
	ctx context.Context,
	planner pipeline.Planner,
	factory jobmaster.ServiceFactory,
	electionProvider election.Provider,
	store resultstore.Store,
	libMgr libcache.Manager,
	clk clock.Clock,
	cfg JobManagerConfig,
) (*JobManager, error) {
	cfg.adjust()

	runCtx, cancel := context.WithCancel(context.Background())
	m := &JobManager{
		planner:  planner,
		factory:  factory,
		election: electionProvider,
		store:    store,
		libMgr:   libMgr,
		clk:      clk,
		cfg:      cfg,
		jobs:     make(map[model.JobID]*jobEntry),
		notifier: notifier.NewNotifier[JobEvent](),
		ctx:      runCtx,
		cancel:   cancel,
	}
	if err := m.recoverDirtyResults(ctx); err != nil {
		cancel()
		m.notifier.Close()
		return nil, err
	}
	return m, nil
}

func (m *JobManager) recoverDirtyResults(ctx context.Context) error {
	dirty, err := m.store.DirtyResults(ctx)
	if err != nil {
		return err
	}
	for _, entry := range dirty {
		jobID := entry.Result.JobID
		if err := m.store.MarkClean(ctx, jobID); err != nil {
			return err
		}
		log.L().Info("reclaimed the leftover state of a finished job",
			zap.String("job-id", string(jobID)),
			zap.Stringer("status", entry.Result.Status))
	}
	return nil
}

// SubmitJob translates the pipeline and hands the job to a fresh leadership
// runner. When it returns, the job is registered and campaigning; whether
// this process actually runs the master is up to the election. Rejections
// leave nothing behind: no registry entry, no lease, no runner.
func (m *JobManager) SubmitJob(
	ctx context.Context, pipe pipeline.Pipeline, cfg *pipeline.Config,
) (*model.ExecutionGraph, error) {
	if m.closed.Load() {
		return nil, derror.ErrJobManagerClosed.GenWithStackByArgs()
	}

	graph, err := pipeline.Translate(pipe, cfg, m.planner)
	if err != nil {
		return nil, err
	}
	log.L().Info("submit job",
		zap.String("job-id", string(graph.ID)),
		zap.String("name", graph.Name),
		zap.Stringer("type", graph.Type))

	entry, err := m.reserve(graph.ID)
	if err != nil {
		return nil, err
	}
	submitted := false
	defer func() {
		if !submitted {
			m.unreserve(graph.ID, entry)
		}
	}()

	has, err := m.store.HasResult(ctx, graph.ID)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, derror.ErrJobAlreadyTerminated.GenWithStackByArgs(graph.ID)
	}

	lease := m.libMgr.RegisterLease(graph.ID)
	if _, err := lease.GetOrResolveBundle(ctx, graph.Jars, graph.Classpaths); err != nil {
		lease.Release()
		return nil, err
	}

	acc := cfg.Accessor()
	runner, err := jobmaster.NewLeadershipRunner(
		graph,
		m.factory,
		m.election.NewHandle(graph.ID),
		m.store,
		lease,
		m.clk,
		jobmaster.Config{
			SchedulerMode: acc.SchedulerMode(),
			SchedulerType: acc.SchedulerType(),
			Retry:         m.cfg.Retry,
			StopTimeout:   m.cfg.StopTimeout,
		})
	if err != nil {
		lease.Release()
		return nil, err
	}
	if err := runner.Start(); err != nil {
		// the runner owns the lease now; closing it releases the lease
		_ = runner.Close(ctx)
		return nil, err
	}

	var monitor *clientMonitor
	if timeout := graph.InitialClientHeartbeatTimeout; timeout > 0 {
		jobID := graph.ID
		monitor = newClientMonitor(jobID, timeout, m.cfg.HeartbeatCheckInterval, m.clk,
			func() { m.expireJob(jobID) })
	}
	if !m.install(entry, runner, monitor) {
		if monitor != nil {
			monitor.stop()
		}
		_ = runner.Close(ctx)
		return nil, derror.ErrJobManagerClosed.GenWithStackByArgs()
	}
	go m.waitJob(graph.ID, runner)

	submitted = true
	return graph, nil
}

// reserve claims the job id in the registry before any slow work happens,
// so concurrent submissions of one fixed job id cannot both proceed.
func (m *JobManager) reserve(jobID model.JobID) (*jobEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; ok {
		return nil, derror.ErrJobAlreadyExists.GenWithStackByArgs(jobID)
	}
	entry := &jobEntry{}
	m.jobs[jobID] = entry
	return entry, nil
}

// unreserve drops a reservation, but never someone else's: a failed
// submission must not evict the entry of a later, successful one.
func (m *JobManager) unreserve(jobID model.JobID, entry *jobEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.jobs[jobID]; ok && cur == entry {
		delete(m.jobs, jobID)
	}
}

// install publishes the started runner. It fails when the manager began
// closing in the meantime, in which case the caller unwinds the start. The
// waiter is counted here, under the lock, so Close never misses it.
func (m *JobManager) install(entry *jobEntry, runner *jobmaster.LeadershipRunner, monitor *clientMonitor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return false
	}
	entry.runner = runner
	entry.monitor = monitor
	m.wg.Add(1)
	return true
}

// waitJob follows one runner to its end. Cleanup order mirrors submission
// in reverse: deregister, broadcast, and only then mark the stored entry
// clean. Until that final step the entry stays dirty, so a crash in between
// is repaired by the next process's recovery scan.
func (m *JobManager) waitJob(jobID model.JobID, runner *jobmaster.LeadershipRunner) {
	defer m.wg.Done()

	result, err := runner.AwaitResult(m.ctx)
	if err != nil && m.ctx.Err() != nil {
		// shutting down; Close tears the runner down
		return
	}

	m.deregister(jobID)

	if err != nil {
		log.L().Warn("job ended without reaching a terminal state",
			zap.String("job-id", string(jobID)),
			zap.Error(err))
		m.notifier.Notify(JobEvent{JobID: jobID, Err: err})
		return
	}

	m.notifier.Notify(JobEvent{JobID: jobID, Result: result})
	if err := m.store.MarkClean(m.ctx, jobID); err != nil {
		log.L().Warn("mark job result clean failed, the next recovery scan will retry",
			zap.String("job-id", string(jobID)),
			zap.Error(err))
		return
	}
	log.L().Info("job finished",
		zap.String("job-id", string(jobID)),
		zap.Stringer("status", result.Status))
}

func (m *JobManager) deregister(jobID model.JobID) {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()

	if ok && entry.monitor != nil {
		entry.monitor.stop()
	}
}

func (m *JobManager) lookup(jobID model.JobID) *jobmaster.LeadershipRunner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.jobs[jobID]; ok {
		return entry.runner
	}
	return nil
}

// expireJob shuts a job down after its attached client went silent. It runs
// on the job's monitor goroutine.
func (m *JobManager) expireJob(jobID model.JobID) {
	runner := m.lookup(jobID)
	if runner == nil {
		return
	}
	if err := runner.Close(m.ctx); err != nil {
		log.L().Warn("close the job of a silent client failed",
			zap.String("job-id", string(jobID)),
			zap.Error(err))
	}
}

// KeepAlive records a heartbeat from the job's attached client. Heartbeats
// for detached jobs are accepted and ignored.
func (m *JobManager) KeepAlive(jobID model.JobID) error {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	var monitor *clientMonitor
	if ok && entry.runner != nil {
		monitor = entry.monitor
	} else {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return derror.ErrUnknownJob.GenWithStackByArgs(jobID)
	}
	if monitor != nil {
		monitor.keepAlive()
	}
	return nil
}

// CloseJob stops managing a job: its master is stopped and its runner
// withdraws from the election. The job's durable state is untouched, so a
// later submission on a fresh process can pick the job up again.
func (m *JobManager) CloseJob(ctx context.Context, jobID model.JobID) error {
	runner := m.lookup(jobID)
	if runner == nil {
		return derror.ErrUnknownJob.GenWithStackByArgs(jobID)
	}
	log.L().Info("closing job on request", zap.String("job-id", string(jobID)))
	return runner.Close(ctx)
}

// AwaitJobResult blocks until the job reaches its outcome. For jobs this
// process no longer tracks it falls back to the result store, so callers
// can ask about jobs that finished in earlier incarnations.
func (m *JobManager) AwaitJobResult(ctx context.Context, jobID model.JobID) (*model.JobResult, error) {
	if runner := m.lookup(jobID); runner != nil {
		return runner.AwaitResult(ctx)
	}

	entry, err := m.store.GetResult(ctx, jobID)
	if derror.ErrResultNotFound.Equal(err) {
		return nil, derror.ErrUnknownJob.GenWithStackByArgs(jobID)
	}
	if err != nil {
		return nil, err
	}
	result := entry.Result
	return &result, nil
}

// WatchJobEvents registers an observer for job completions. The receiver
// must be closed when no longer read, or delivery to the others stalls.
func (m *JobManager) WatchJobEvents() *notifier.Receiver[JobEvent] {
	return m.notifier.NewReceiver()
}

// Close stops every runner and waits for the internal goroutines. Running
// jobs keep their durable state and can be adopted by another process.
func (m *JobManager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()

		m.mu.Lock()
		entries := make([]*jobEntry, 0, len(m.jobs))
		for _, entry := range m.jobs {
			entries = append(entries, entry)
		}
		m.jobs = make(map[model.JobID]*jobEntry)
		m.mu.Unlock()

		for _, entry := range entries {
			if entry.monitor != nil {
				entry.monitor.stop()
			}
			if entry.runner != nil {
				if err := entry.runner.Close(ctx); err != nil {
					log.L().Warn("close leadership runner failed",
						zap.String("job-id", string(entry.runner.JobID())),
						zap.Error(err))
				}
			}
		}
		m.wg.Wait()
		m.notifier.Close()
		log.L().Info("job manager closed")
	})
	return nil
}
