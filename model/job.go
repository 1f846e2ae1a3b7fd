package model

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	derror "github.com/tributary-io/tributary/pkg/errors"
)

// JobID uniquely identifies a job inside the cluster. It is a 32-character
// lower-case hex string, either derived from a random UUID at submission time
// or overridden by the fixed-job-id execution option.
type JobID string

// NewJobID generates a random JobID.
func NewJobID() JobID {
	id := uuid.New()
	return JobID(hex.EncodeToString(id[:]))
}

// ParseJobID parses and normalizes a user-supplied hex job id.
func ParseJobID(s string) (JobID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return "", derror.ErrInvalidJobID.GenWithStackByArgs(s)
	}
	return JobID(hex.EncodeToString(raw)), nil
}

// Epoch is a fencing token. Every leadership grant carries a fresh epoch, and
// epochs are totally ordered: a larger epoch always supersedes a smaller one,
// so receivers can reject requests from a stale, previously-leading master.
type Epoch = int64

// JobStatus is the lifecycle status of a job as seen by the master.
type JobStatus int32

const (
	JobStatusUnknown JobStatus = iota
	// The job reached its natural end.
	JobStatusFinished
	// The job was canceled on user request.
	JobStatusCanceled
	// The job failed irrecoverably.
	JobStatusFailed
	// The master lost leadership and the job was suspended. Not terminal: a
	// later grant resumes it.
	JobStatusSuspended
)

// IsGloballyTerminal tells whether the status is a final, non-retriable
// outcome. Suspended is excluded: it only parks the job until the next grant.
func (s JobStatus) IsGloballyTerminal() bool {
	switch s {
	case JobStatusFinished, JobStatusCanceled, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string {
	switch s {
	case JobStatusFinished:
		return "Finished"
	case JobStatusCanceled:
		return "Canceled"
	case JobStatusFailed:
		return "Failed"
	case JobStatusSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// JobResult is the terminal outcome of a job.
type JobResult struct {
	JobID  JobID     `json:"job-id"`
	Status JobStatus `json:"status"`
	// ErrorMsg carries the flattened failure cause when Status is Failed.
	ErrorMsg string `json:"error,omitempty"`
	// FinishedAt is the unix timestamp in milliseconds at which the terminal
	// status was reached.
	FinishedAt int64 `json:"finished-at"`
}

// IsSuccess tells whether the job finished without error.
func (r *JobResult) IsSuccess() bool {
	return r.Status == JobStatusFinished
}

func (r *JobResult) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
