// Package election provides per-job leader election handles. A handle
// represents one participant in the election for a single job id; the winner
// is the only process allowed to run that job's master.
package election

import (
	"github.com/tributary-io/tributary/model"
)

// NodeID identifies one participating server master process.
type NodeID = string

// Listener receives leadership transitions for one job.
//
// Callbacks are invoked from the election's own goroutine and are never
// concurrent with each other. Implementations must return promptly and must
// not call back into the Handle from within a callback; the intended pattern
// is to post an event onto the listener's own queue and return.
type Listener interface {
	// OnGrantLeadership is called when this participant wins the election.
	// The epoch is a fresh fencing token: it is strictly larger than the
	// epoch of every earlier grant for the same job, cluster-wide.
	OnGrantLeadership(epoch model.Epoch)

	// OnRevokeLeadership is called when previously granted leadership is
	// lost, whether by session expiry, resignation or shutdown. Every grant
	// is eventually followed by exactly one revocation.
	OnRevokeLeadership()
}

// Handle is one participant in the election for one job id.
//
// At most one concurrently-valid grant is observed across correct
// participants. During a network partition a deposed leader may take up to a
// session TTL to observe its revocation, so receivers of leader operations
// must additionally check the fencing epoch rather than trust liveness alone.
type Handle interface {
	// Start registers the listener and begins participating. It returns an
	// error if the handle was already started; it never blocks on winning.
	Start(l Listener) error

	// Stop withdraws from the election, resigning first if currently
	// leading. After Stop returns no further callbacks are invoked. Stop is
	// idempotent.
	Stop()
}

// Provider creates election handles bound to job ids.
type Provider interface {
	NewHandle(jobID model.JobID) Handle
	Close() error
}
