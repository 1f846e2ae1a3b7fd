package jobmaster

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/clock"
	"github.com/tributary-io/tributary/pkg/containers"
	"github.com/tributary-io/tributary/pkg/election"
	derror "github.com/tributary-io/tributary/pkg/errors"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/resultstore"
)

// RunnerState is the lifecycle state of a LeadershipRunner.
type RunnerState int32

const (
	// RunnerStateIdle: participating in the election, not leading.
	RunnerStateIdle = RunnerState(iota + 1)
	// RunnerStateStarting: leadership held, master start in flight.
	RunnerStateStarting
	// RunnerStateRunning: the master is active.
	RunnerStateRunning
	// RunnerStateRevoking: leadership lost, the term is winding down. The
	// running master is being suspended, or a canceled start has not come
	// to rest yet. A new term begins only after the acknowledgement.
	RunnerStateRevoking
	// RunnerStateTerminated: absorbing. The outcome is resolved, or the
	// runner was closed.
	RunnerStateTerminated
)

func (s RunnerState) String() string {
	switch s {
	case RunnerStateIdle:
		return "idle"
	case RunnerStateStarting:
		return "starting"
	case RunnerStateRunning:
		return "running"
	case RunnerStateRevoking:
		return "revoking"
	case RunnerStateTerminated:
		return "terminated"
	}
	return "unknown"
}

// LeadershipRunner ties the lifecycle of one job's master to leader
// election. While it holds leadership it owns at most one ServiceProcess;
// on revocation it suspends the master and waits for the next grant; once
// the job reaches a terminal outcome it persists the result, releases the
// classloader lease and signals waiters, strictly in that order.
//
// All state transitions run on a single event loop. Election callbacks and
// the background goroutines of a leadership term communicate with the loop
// exclusively through the event queue, so no caller ever observes a torn
// transition.
type LeadershipRunner struct {
	jobID model.JobID
	graph *model.ExecutionGraph
	cfg   Config

	factory  ServiceFactory
	election election.Handle
	store    resultstore.Store
	lease    libcache.Lease
	clock    clock.Clock

	eventQueue *containers.SliceQueue[*runnerEvent]

	// term state, owned by the event loop. The term counter is bumped on
	// every grant and on every transition that ends a term, so events from
	// superseded background work can be told apart by their stamp.
	term       int64
	process    *ServiceProcess
	termCancel context.CancelFunc

	// pendingGrant holds a grant that arrived while the previous term's
	// suspension was still in flight. It is consumed as soon as the
	// suspension is acknowledged, or dropped if a revocation overtakes it.
	pendingGrant *model.Epoch

	state atomic.Int32 // RunnerState, written by the event loop only

	ctx    context.Context // canceled on Close, aborts in-flight operations
	cancel context.CancelFunc

	started    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	closeCh    chan struct{} // closed on Close, aborts store retry waits
	closedCh   chan struct{} // closed once cleanup has fully finished
	closedOnce sync.Once

	doneCh      chan struct{} // closed once the job's outcome is resolved
	finalResult *model.JobResult
	finalErr    error

	wg sync.WaitGroup
}

// NewLeadershipRunner validates the job and builds a runner for it. No
// election participation is registered and nothing is leased when the
// validation rejects: an empty graph, resource requirements on only a
// subset of vertices, and reactive scheduler mode without the adaptive
// scheduler are all refused synchronously.
//
// The lease must already be registered for the graph's job id; the runner
// takes ownership of releasing it.
func NewLeadershipRunner(
	graph *model.ExecutionGraph,
	factory ServiceFactory,
	electionHandle election.Handle,
	store resultstore.Store,
	lease libcache.Lease,
	clk clock.Clock,
	cfg Config,
) (*LeadershipRunner, error) {
	if graph == nil || graph.IsEmpty() {
		var jobID model.JobID
		if graph != nil {
			jobID = graph.ID
		}
		return nil, derror.ErrJobGraphEmpty.GenWithStackByArgs(jobID)
	}
	if graph.IsPartialResourceConfigured() {
		return nil, derror.ErrPartialResourceConfigured.GenWithStackByArgs(graph.ID)
	}
	if cfg.SchedulerMode == pipeline.SchedulerModeReactive &&
		cfg.SchedulerType != pipeline.SchedulerTypeAdaptive {
		return nil, derror.ErrIncompatibleSchedulerMode.GenWithStackByArgs(
			cfg.SchedulerMode, cfg.SchedulerType)
	}
	cfg.adjust()

	ctx, cancel := context.WithCancel(context.Background())
	r := &LeadershipRunner{
		jobID:      graph.ID,
		graph:      graph,
		cfg:        cfg,
		factory:    factory,
		election:   electionHandle,
		store:      store,
		lease:      lease,
		clock:      clk,
		eventQueue: containers.NewSliceQueue[*runnerEvent](),
		ctx:        ctx,
		cancel:     cancel,
		closeCh:    make(chan struct{}),
		closedCh:   make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	r.state.Store(int32(RunnerStateIdle))
	return r, nil
}

// JobID returns the id of the job this runner is responsible for.
func (r *LeadershipRunner) JobID() model.JobID { return r.jobID }

// State returns the runner's current lifecycle state.
func (r *LeadershipRunner) State() RunnerState {
	return RunnerState(r.state.Load())
}

// Start launches the event loop and registers for leader election. The
// runner does not lead when Start returns; a grant arrives asynchronously.
func (r *LeadershipRunner) Start() error {
	if r.closed.Load() {
		return derror.ErrRunnerClosed.GenWithStackByArgs(r.jobID)
	}
	if err := r.election.Start(r); err != nil {
		return errors.Trace(err)
	}
	r.started.Store(true)
	go r.runEventLoop()
	return nil
}

// Close cancels any in-flight operation, stops an active master, releases
// the lease and withdraws from the election. Waiters in AwaitResult get
// ErrJobNotFinished if no terminal outcome was reached first. Close blocks
// until cleanup finished or ctx expires; in the latter case cleanup keeps
// running in the background. Close is idempotent.
func (r *LeadershipRunner) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.closeCh)
		if !r.started.Load() {
			// no event loop to run the close sequence
			r.lease.Release()
			r.finishWith(nil, derror.ErrJobNotFinished.GenWithStackByArgs(r.jobID))
			r.closedOnce.Do(func() { close(r.closedCh) })
		}
	})

	select {
	case <-r.closedCh:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// AwaitResult blocks until the job's outcome is resolved. It returns the
// terminal result, ErrJobNotFinished if the runner was closed first, or the
// result store's error if persisting the outcome ultimately failed.
func (r *LeadershipRunner) AwaitResult(ctx context.Context) (*model.JobResult, error) {
	select {
	case <-r.doneCh:
		if r.finalErr != nil {
			return nil, r.finalErr
		}
		return r.finalResult, nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// OnGrantLeadership implements election.Listener. It never blocks; the
// transition runs on the runner's event loop.
func (r *LeadershipRunner) OnGrantLeadership(epoch model.Epoch) {
	r.eventQueue.Add(&runnerEvent{Tp: leaderGrantedEvent, Epoch: epoch})
}

// OnRevokeLeadership implements election.Listener.
func (r *LeadershipRunner) OnRevokeLeadership() {
	r.eventQueue.Add(&runnerEvent{Tp: leaderRevokedEvent})
}

func (r *LeadershipRunner) runEventLoop() {
	defer r.closedOnce.Do(func() { close(r.closedCh) })

	for {
		select {
		case <-r.closeCh:
			r.handleClose()
			return
		case <-r.eventQueue.C:
			for {
				event, ok := r.eventQueue.Pop()
				if !ok {
					break
				}
				r.handleEvent(event)
			}
		}
	}
}

func (r *LeadershipRunner) handleEvent(event *runnerEvent) {
	if event.Term != 0 && event.Term != r.term {
		log.L().Debug("discarding event from an ended leadership term",
			zap.String("job-id", string(r.jobID)),
			zap.Int64("event-term", event.Term),
			zap.Int64("current-term", r.term))
		if event.Tp == serviceReadyEvent {
			// the master finished starting after its term ended; it must
			// not be left running
			r.stopOrphan(event.Process)
		}
		return
	}

	switch event.Tp {
	case leaderGrantedEvent:
		r.handleGrant(event.Epoch)
	case leaderRevokedEvent:
		r.handleRevoke()
	case serviceReadyEvent:
		r.handleServiceReady(event.Process)
	case serviceFailedEvent:
		r.handleServiceFailed(event.Err)
	case serviceResultEvent:
		r.handleServiceResult(event.Result)
	case resultReplayedEvent:
		r.handleResultReplayed(event.Entry)
	case storeFailedEvent:
		r.failRunner(event.Err)
	case termEndedEvent:
		r.handleTermEnded()
	default:
		log.L().Panic("unknown runner event type",
			zap.String("job-id", string(r.jobID)),
			zap.Int32("tp", int32(event.Tp)))
	}
}

func (r *LeadershipRunner) handleGrant(epoch model.Epoch) {
	switch r.State() {
	case RunnerStateTerminated:
		log.L().Info("leadership granted after the job's outcome was resolved, ignoring",
			zap.String("job-id", string(r.jobID)))
		return
	case RunnerStateRevoking:
		// leadership regained before the previous term's suspension was
		// acknowledged; start the new term once it is
		log.L().Info("deferring leadership grant until the suspension completes",
			zap.String("job-id", string(r.jobID)),
			zap.Int64("epoch", epoch))
		r.pendingGrant = &epoch
		return
	case RunnerStateIdle:
	default:
		// grants and revocations strictly alternate per the election
		// contract
		log.L().Warn("leadership granted in unexpected state, ignoring",
			zap.String("job-id", string(r.jobID)),
			zap.Stringer("state", r.State()))
		return
	}

	r.term++
	termCtx, termCancel := context.WithCancel(r.ctx)
	r.termCancel = termCancel
	r.setState(RunnerStateStarting)
	log.L().Info("leadership granted",
		zap.String("job-id", string(r.jobID)),
		zap.Int64("epoch", epoch),
		zap.Int64("term", r.term))

	r.wg.Add(1)
	go r.startTerm(termCtx, r.term, epoch)
}

func (r *LeadershipRunner) handleRevoke() {
	switch r.State() {
	case RunnerStateStarting:
		// cancel the in-flight start, then wait for it to come to rest: a
		// new term must not begin while a canceled start could still
		// produce a master
		if r.termCancel != nil {
			r.termCancel()
		}
		r.setState(RunnerStateRevoking)
		log.L().Info("leadership revoked during master start",
			zap.String("job-id", string(r.jobID)))
	case RunnerStateRunning:
		r.setState(RunnerStateRevoking)
		log.L().Info("leadership revoked, suspending the job master",
			zap.String("job-id", string(r.jobID)))
		r.wg.Add(1)
		go r.suspendService(r.process.Service(), r.term)
	case RunnerStateRevoking:
		if r.pendingGrant != nil {
			// the deferred term was revoked before it could start
			log.L().Info("dropping a deferred leadership grant",
				zap.String("job-id", string(r.jobID)),
				zap.Int64("epoch", *r.pendingGrant))
			r.pendingGrant = nil
			return
		}
		log.L().Debug("ignoring leadership revocation",
			zap.String("job-id", string(r.jobID)),
			zap.Stringer("state", r.State()))
	default:
		log.L().Debug("ignoring leadership revocation",
			zap.String("job-id", string(r.jobID)),
			zap.Stringer("state", r.State()))
	}
}

// startTerm runs the blocking half of a leadership grant off the event
// loop: consult the result store, resolve the artifact bundle, then build
// and start the master. Every step aborts silently when the term's context
// is canceled, since losing leadership is not a job failure.
func (r *LeadershipRunner) startTerm(ctx context.Context, term int64, epoch model.Epoch) {
	defer r.wg.Done()

	var entry *resultstore.Entry
	err := r.retryStoreOp(ctx, func(ctx context.Context) error {
		e, err := r.store.GetResult(ctx, r.jobID)
		switch {
		case err == nil:
			entry = e
			return nil
		case derror.ErrResultNotFound.Equal(err):
			// first execution, or recovery of an unfinished job
			return nil
		default:
			return err
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			r.eventQueue.Add(&runnerEvent{Tp: termEndedEvent, Term: term})
			return
		}
		r.eventQueue.Add(&runnerEvent{Tp: storeFailedEvent, Term: term, Err: err})
		return
	}
	if entry != nil {
		r.eventQueue.Add(&runnerEvent{Tp: resultReplayedEvent, Term: term, Entry: entry})
		return
	}

	bundle, err := r.lease.GetOrResolveBundle(ctx, r.graph.Jars, r.graph.Classpaths)
	if err != nil {
		r.postStartFailure(ctx, term, err)
		return
	}

	svc, err := r.factory.NewService(ctx, r.graph, bundle, epoch)
	if err != nil {
		r.postStartFailure(ctx, term, err)
		return
	}
	if err := svc.Start(ctx); err != nil {
		r.postStartFailure(ctx, term, err)
		return
	}

	process := &ServiceProcess{service: svc, epoch: epoch}
	r.eventQueue.Add(&runnerEvent{Tp: serviceReadyEvent, Term: term, Process: process})

	// forward the master's single result onto the event queue
	select {
	case result, ok := <-svc.ResultCh():
		if ok {
			r.eventQueue.Add(&runnerEvent{Tp: serviceResultEvent, Term: term, Result: result})
		}
	case <-ctx.Done():
	}
}

func (r *LeadershipRunner) postStartFailure(ctx context.Context, term int64, err error) {
	if ctx.Err() != nil {
		// the term was canceled; losing leadership is not a job failure
		r.eventQueue.Add(&runnerEvent{Tp: termEndedEvent, Term: term})
		return
	}
	r.eventQueue.Add(&runnerEvent{Tp: serviceFailedEvent, Term: term, Err: err})
}

// suspendService asks the master to suspend. On success the master
// acknowledges through its result channel; on failure it is forcibly
// stopped and the acknowledgement synthesized, so the runner never gets
// stuck between leadership terms.
func (r *LeadershipRunner) suspendService(svc Service, term int64) {
	defer r.wg.Done()

	if err := svc.Suspend(r.ctx); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		log.L().Warn("suspending the job master failed, stopping it instead",
			zap.String("job-id", string(r.jobID)),
			zap.Error(err))
		r.stopService(svc)
		r.eventQueue.Add(&runnerEvent{
			Tp:     serviceResultEvent,
			Term:   term,
			Result: &model.JobResult{JobID: r.jobID, Status: model.JobStatusSuspended},
		})
	}
}

func (r *LeadershipRunner) handleServiceReady(process *ServiceProcess) {
	switch r.State() {
	case RunnerStateStarting:
		r.process = process
		r.setState(RunnerStateRunning)
		log.L().Info("job master started",
			zap.String("job-id", string(r.jobID)),
			zap.Int64("epoch", process.Epoch()))
	case RunnerStateRevoking:
		// the canceled start produced a master anyway; tear it down, which
		// also acknowledges the revocation
		r.stopService(process.Service())
		r.endTerm()
	default:
		r.stopOrphan(process)
	}
}

func (r *LeadershipRunner) handleServiceFailed(cause error) {
	if r.State() == RunnerStateRevoking {
		// start failures after a revocation are not job failures; the next
		// leader will try again
		log.L().Info("master start failed after leadership was revoked",
			zap.String("job-id", string(r.jobID)),
			zap.Error(cause))
		r.endTerm()
		return
	}
	log.L().Error("job master could not be started, failing the job",
		zap.String("job-id", string(r.jobID)),
		zap.Error(cause))
	r.completeTerm(&model.JobResult{
		JobID:      r.jobID,
		Status:     model.JobStatusFailed,
		ErrorMsg:   cause.Error(),
		FinishedAt: r.clock.Now().UnixMilli(),
	})
}

func (r *LeadershipRunner) handleServiceResult(result *model.JobResult) {
	if result.Status == model.JobStatusSuspended {
		log.L().Info("job master suspended, awaiting the next leadership grant",
			zap.String("job-id", string(r.jobID)))
		r.endTerm()
		return
	}
	if !result.Status.IsGloballyTerminal() {
		log.L().Warn("ignoring non-terminal result from the job master",
			zap.String("job-id", string(r.jobID)),
			zap.Stringer("status", result.Status))
		return
	}
	r.completeTerm(result)
}

// handleResultReplayed resolves the runner to an outcome recorded by an
// earlier incarnation. No master is started. A dirty entry means that
// incarnation died before reclaiming auxiliary state, so the lease release
// happens first and the entry is marked clean before waiters see the
// outcome.
func (r *LeadershipRunner) handleResultReplayed(entry *resultstore.Entry) {
	r.closeTerm()
	r.lease.Release()
	if entry.CleanupRequired {
		if err := r.retryStoreOp(r.ctx, func(ctx context.Context) error {
			return r.store.MarkClean(ctx, r.jobID)
		}); err != nil {
			r.failRunner(err)
			return
		}
	}
	result := entry.Result
	r.finishWith(&result, nil)
	log.L().Info("replayed the job's recorded outcome without starting a master",
		zap.String("job-id", string(r.jobID)),
		zap.Stringer("status", result.Status))
}

// completeTerm drives the terminal transition. The order is an invariant:
// the outcome is persisted first, then the lease released, then completion
// signaled. A crash after the write leaves a dirty entry for the next
// incarnation to clean up; releasing or signaling before the write could
// let a finished job run again.
func (r *LeadershipRunner) completeTerm(result *model.JobResult) {
	r.closeTerm()

	entry := resultstore.NewDirtyEntry(*result)
	if err := r.retryStoreOp(r.ctx, func(ctx context.Context) error {
		return r.store.Put(ctx, entry)
	}); err != nil {
		r.failRunner(err)
		return
	}

	r.lease.Release()
	r.finishWith(result, nil)
	log.L().Info("job reached a terminal state",
		zap.String("job-id", string(r.jobID)),
		zap.Stringer("status", result.Status))
}

func (r *LeadershipRunner) handleClose() {
	process := r.process
	r.closeTerm()
	r.pendingGrant = nil
	if process != nil {
		r.stopService(process.Service())
	}
	r.lease.Release()
	if !r.resolved() {
		r.finishWith(nil, derror.ErrJobNotFinished.GenWithStackByArgs(r.jobID))
	}
	r.election.Stop()
	r.wg.Wait()

	// a master may have finished starting in the instant before its term
	// context was canceled; its ready event is still on the queue
	for {
		event, ok := r.eventQueue.Pop()
		if !ok {
			break
		}
		if event.Tp == serviceReadyEvent {
			r.stopService(event.Process.Service())
		}
	}
	log.L().Info("leadership runner closed", zap.String("job-id", string(r.jobID)))
}

// handleTermEnded acknowledges that a canceled start has come to rest
// without producing a master.
func (r *LeadershipRunner) handleTermEnded() {
	if r.State() != RunnerStateRevoking {
		log.L().Debug("ignoring term end acknowledgement",
			zap.String("job-id", string(r.jobID)),
			zap.Stringer("state", r.State()))
		return
	}
	r.endTerm()
}

// endTerm finishes a revocation: the term's bookkeeping is dropped, and a
// grant deferred during the wind-down starts the next term right away.
func (r *LeadershipRunner) endTerm() {
	r.closeTerm()
	r.setState(RunnerStateIdle)
	if r.pendingGrant != nil {
		epoch := *r.pendingGrant
		r.pendingGrant = nil
		r.handleGrant(epoch)
	}
}

// closeTerm ends the current leadership term: background work is canceled
// and any event it still posts becomes stale.
func (r *LeadershipRunner) closeTerm() {
	if r.termCancel != nil {
		r.termCancel()
		r.termCancel = nil
	}
	r.term++
	r.process = nil
}

// failRunner gives up after the result store kept failing. The lease is
// deliberately kept: the outcome never became durable, so the job's
// auxiliary state must stay recoverable.
func (r *LeadershipRunner) failRunner(cause error) {
	log.L().Error("result store kept failing, giving up the job's terminal transition",
		zap.String("job-id", string(r.jobID)),
		zap.Error(cause))
	r.closeTerm()
	r.finishWith(nil, cause)
}

// retryStoreOp runs one result-store operation, retrying per the configured
// policy. It gives up when ctx is canceled or the retry budget is
// exhausted, returning the last error.
func (r *LeadershipRunner) retryStoreOp(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Trace(err)
		}
		if r.cfg.Retry.MaxRetries > 0 && attempt >= r.cfg.Retry.MaxRetries {
			return errors.Trace(err)
		}
		log.L().Warn("result store operation failed, retrying",
			zap.String("job-id", string(r.jobID)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := r.clock.Timer(r.cfg.Retry.Interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Trace(err)
		}
		timer.Stop()
	}
}

func (r *LeadershipRunner) stopService(svc Service) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		log.L().Warn("stopping the job master failed",
			zap.String("job-id", string(r.jobID)),
			zap.Error(err))
	}
}

func (r *LeadershipRunner) stopOrphan(process *ServiceProcess) {
	log.L().Info("stopping a job master from an ended leadership term",
		zap.String("job-id", string(r.jobID)),
		zap.Int64("epoch", process.Epoch()))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.stopService(process.Service())
	}()
}

// finishWith resolves the runner's outcome exactly once and moves to the
// terminated state.
func (r *LeadershipRunner) finishWith(result *model.JobResult, err error) {
	r.finalResult = result
	r.finalErr = err
	r.setState(RunnerStateTerminated)
	close(r.doneCh)
}

func (r *LeadershipRunner) resolved() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}

func (r *LeadershipRunner) setState(s RunnerState) {
	r.state.Store(int32(s))
}
