// Package resultstore persists the terminal outcomes of jobs. The store is
// what makes failover safe: before (re)starting a master, a leadership
// runner consults it, and a job with a recorded outcome is never executed
// again.
package resultstore

import (
	"context"

	"github.com/tributary-io/tributary/model"
)

// Entry is one durable record of a job's terminal outcome.
type Entry struct {
	Result model.JobResult `json:"result"`

	// CleanupRequired marks the entry dirty: the outcome is durable but the
	// job's auxiliary state (leases, heartbeat registrations) may still be
	// held somewhere. It is cleared once cleanup finished, so that recovery
	// after a crash knows which jobs still need reclaiming.
	CleanupRequired bool `json:"cleanup-required"`
}

// NewDirtyEntry wraps a fresh terminal result into a dirty entry.
func NewDirtyEntry(result model.JobResult) *Entry {
	return &Entry{Result: result, CleanupRequired: true}
}

// Store is the durable job result registry. All backends share these
// semantics:
//
//   - Writes are idempotent and first-write-wins: a Put for an already
//     recorded job id succeeds without changing the stored outcome, so
//     retried writes are always safe.
//   - Entries are never deleted, only marked clean.
type Store interface {
	// Put durably records a terminal outcome.
	Put(ctx context.Context, entry *Entry) error

	// HasResult tells whether any outcome is recorded for the job.
	HasResult(ctx context.Context, jobID model.JobID) (bool, error)

	// GetResult returns the recorded entry, or ErrResultNotFound.
	GetResult(ctx context.Context, jobID model.JobID) (*Entry, error)

	// MarkClean clears the cleanup-required flag. It is a no-op on an
	// already-clean entry and returns ErrResultNotFound for an absent one.
	MarkClean(ctx context.Context, jobID model.JobID) error

	// DirtyResults lists all entries still requiring cleanup.
	DirtyResults(ctx context.Context) ([]*Entry, error)
}
