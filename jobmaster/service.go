// Package jobmaster manages the lifecycle of per-job execution masters. Its
// central type is the LeadershipRunner: a state machine that starts a job's
// master only while holding leadership for that job, suspends it on
// revocation, and records the terminal outcome durably before releasing any
// shared resource. The master itself, with all its scheduling internals, is
// an external collaborator behind the Service interface.
package jobmaster

import (
	"context"

	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/model"
)

// Service is the executing master of one job as seen by its leadership
// runner. The runner only starts, suspends and stops it, and consumes a
// single result from it.
//
// Call sequence per instance: Start at most once; afterwards at most one of
// Suspend or Stop, possibly after the service already delivered its result.
type Service interface {
	// Start begins executing the job. A Start that returns an error must
	// leave no background work behind.
	Start(ctx context.Context) error

	// Suspend halts execution while keeping the job's durable state intact,
	// so that a later leader can resume the job. The service acknowledges
	// the suspension by delivering a JobStatusSuspended result on ResultCh.
	Suspend(ctx context.Context) error

	// Stop tears the service down without acknowledgement. The job's durable
	// state is kept. Stop is idempotent.
	Stop(ctx context.Context) error

	// ResultCh delivers exactly one result: the job's terminal outcome if
	// the job completes, or a JobStatusSuspended marker after a suspension.
	ResultCh() <-chan *model.JobResult

	// Epoch returns the fencing token the service was built with. Remote
	// peers compare it against the highest epoch they have seen to reject
	// calls from a deposed master.
	Epoch() model.Epoch
}

// ServiceFactory builds executing masters. One shared factory instance
// serves all runners inside a server master; implementations must therefore
// be stateless or internally synchronized.
type ServiceFactory interface {
	// NewService builds a service bound to the given graph, the resolved
	// artifact bundle and a fencing epoch. It must not start the service.
	NewService(
		ctx context.Context,
		graph *model.ExecutionGraph,
		bundle *libcache.Bundle,
		epoch model.Epoch,
	) (Service, error)
}

// ServiceProcess is the master instance owned by one leadership term. The
// runner creates at most one per grant and destroys it on revocation or on
// the job's terminal outcome; a later grant creates a fresh one.
type ServiceProcess struct {
	service Service
	epoch   model.Epoch
}

// Service returns the underlying master.
func (p *ServiceProcess) Service() Service { return p.service }

// Epoch returns the fencing token of the term the process was created for.
func (p *ServiceProcess) Epoch() model.Epoch { return p.epoch }
