package election

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/adapter"
	"github.com/tributary-io/tributary/pkg/epoch"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

const resignTimeout = 5 * time.Second

// EtcdConfig configures the etcd-backed election provider.
type EtcdConfig struct {
	// NodeID is advertised as the campaign value so operators can tell who
	// leads a job.
	NodeID NodeID

	CreateSessionTimeout time.Duration
	SessionTTL           time.Duration
}

// EtcdProvider hands out etcd-backed election handles. All handles share one
// etcd session, so one keep-alive lease covers every job this process
// participates in.
type EtcdProvider struct {
	cli      *clientv3.Client
	session  *concurrency.Session
	epochGen epoch.Generator
	cfg      EtcdConfig
}

// NewEtcdProvider establishes the shared session.
func NewEtcdProvider(ctx context.Context, cli *clientv3.Client, cfg EtcdConfig) (*EtcdProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.CreateSessionTimeout)
	defer cancel()

	sess, err := concurrency.NewSession(
		cli,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(int(cfg.SessionTTL.Seconds())))
	if err != nil {
		return nil, derror.ErrEtcdCreateSessionFail.Wrap(err).GenWithStackByArgs()
	}

	return &EtcdProvider{
		cli:      cli,
		session:  sess,
		epochGen: epoch.NewEtcdGenerator(cli),
		cfg:      cfg,
	}, nil
}

// NewHandle creates a handle campaigning under the job's election prefix.
func (p *EtcdProvider) NewHandle(jobID model.JobID) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdElection{
		jobID:    jobID,
		nodeID:   p.cfg.NodeID,
		election: concurrency.NewElection(p.session, adapter.JobLeaderKeyAdapter.Encode(string(jobID))),
		session:  p.session,
		epochGen: p.epochGen,
		rl:       rate.NewLimiter(rate.Every(time.Second), 1 /* burst */),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close revokes the shared session lease, which also deletes any campaign
// keys still owned by this process.
func (p *EtcdProvider) Close() error {
	return errors.Trace(p.session.Close())
}

// EtcdElection participates in the election for one job id via an etcd
// campaign loop.
type EtcdElection struct {
	jobID  model.JobID
	nodeID NodeID

	election *concurrency.Election
	session  *concurrency.Session
	epochGen epoch.Generator
	rl       *rate.Limiter

	listener Listener
	started  atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start launches the campaign loop.
func (e *EtcdElection) Start(l Listener) error {
	if e.started.Swap(true) {
		return derror.ErrElectionAlreadyStarted.GenWithStackByArgs(e.jobID)
	}
	e.listener = l
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.campaignLoop()
	}()
	return nil
}

// Stop withdraws from the election and waits for the campaign loop to exit,
// so no callback can be in flight once it returns.
func (e *EtcdElection) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
}

func (e *EtcdElection) campaignLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.session.Done():
			// The shared session lease expired. There is no way to regain
			// leadership on it, so participation ends here.
			log.Warn("election session is gone, withdrawing from election",
				zap.String("job-id", string(e.jobID)))
			return
		default:
		}

		if err := e.rl.Wait(e.ctx); err != nil {
			// rl.Wait fails once e.ctx is canceled; the wrapped message it
			// produces is confusing, so do not log it.
			return
		}

		if err := e.election.Campaign(e.ctx, e.nodeID); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if errors.Cause(err) == rpctypes.ErrCompacted {
				continue
			}
			log.Warn("campaign for job leadership failed",
				zap.String("job-id", string(e.jobID)),
				zap.Error(derror.ErrElectionCampaignFail.Wrap(err)))
			continue
		}

		leaderCtx := &sessionCtx{Context: e.ctx, sess: e.session}

		newEpoch, err := e.epochGen.GenerateEpoch(leaderCtx)
		if err != nil {
			log.Warn("generate epoch after winning election failed",
				zap.String("job-id", string(e.jobID)), zap.Error(err))
			e.resign()
			continue
		}

		e.listener.OnGrantLeadership(newEpoch)
		<-leaderCtx.Done()
		e.listener.OnRevokeLeadership()

		if e.ctx.Err() != nil {
			// Stopped while leading. Resign so a successor takes over
			// without waiting out the session TTL.
			e.resign()
			return
		}
	}
}

func (e *EtcdElection) resign() {
	ctx, cancel := context.WithTimeout(context.Background(), resignTimeout)
	defer cancel()
	if err := e.election.Resign(ctx); err != nil {
		log.Warn("resign job leadership failed",
			zap.String("job-id", string(e.jobID)), zap.Error(err))
	}
}

// sessionCtx is done when either the parent context is done or the etcd
// session is lost, whichever happens first. Leadership is only valid while
// it is live.
type sessionCtx struct {
	context.Context
	sess *concurrency.Session
}

func (c *sessionCtx) Done() <-chan struct{} {
	doneCh := make(chan struct{})
	go func() {
		select {
		case <-c.Context.Done():
		case <-c.sess.Done():
		}
		close(doneCh)
	}()
	return doneCh
}
