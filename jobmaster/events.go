package jobmaster

import (
	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/resultstore"
)

type runnerEventType int32

const (
	leaderGrantedEvent = runnerEventType(iota + 1)
	leaderRevokedEvent
	serviceReadyEvent
	serviceFailedEvent
	serviceResultEvent
	resultReplayedEvent
	storeFailedEvent
	termEndedEvent
)

// runnerEvent is one notification on a runner's event queue. Election
// callbacks and the per-term goroutines all funnel through here, so the
// event loop is the only goroutine ever mutating runner state.
type runnerEvent struct {
	Tp runnerEventType

	// Term stamps events produced by a leadership term's background work.
	// The loop discards the event if the term has ended meanwhile. Zero on
	// election events, which are never stale by construction.
	Term int64

	Epoch   model.Epoch        // leaderGrantedEvent
	Process *ServiceProcess    // serviceReadyEvent
	Err     error              // serviceFailedEvent, storeFailedEvent
	Result  *model.JobResult   // serviceResultEvent
	Entry   *resultstore.Entry // resultReplayedEvent
}
