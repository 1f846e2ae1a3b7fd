package model

import "time"

// JobType distinguishes the two execution representations a pipeline can
// lower to.
type JobType int32

const (
	JobTypeUnknown JobType = iota
	JobTypeStream
	JobTypeBatch
)

func (t JobType) String() string {
	switch t {
	case JobTypeStream:
		return "stream"
	case JobTypeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// VertexID identifies one vertex inside an execution graph.
type VertexID string

// ResourceSpec declares the resources one vertex asks for. A nil spec on a
// vertex means "unknown", letting the scheduler decide.
type ResourceSpec struct {
	CPUCores float64 `json:"cpu-cores"`
	MemoryMB int     `json:"memory-mb"`
}

// Vertex is one node of the execution DAG. Inputs reference the upstream
// vertices this one consumes from.
type Vertex struct {
	ID          VertexID      `json:"id"`
	Name        string        `json:"name"`
	Parallelism int           `json:"parallelism"`
	Resources   *ResourceSpec `json:"resources,omitempty"`
	Inputs      []VertexID    `json:"inputs,omitempty"`
}

// ArtifactKey references one dependency artifact (a user jar or equivalent
// code bundle) in whatever blob storage the cluster uses.
type ArtifactKey string

// RestoreMode controls who owns the savepoint files after a restore.
type RestoreMode int32

const (
	// The job never claims ownership. Default.
	RestoreModeNoClaim RestoreMode = iota
	// The job takes ownership and may dispose of the savepoint.
	RestoreModeClaim
	// Pre-ownership-tracking behavior.
	RestoreModeLegacy
)

func (m RestoreMode) String() string {
	switch m {
	case RestoreModeClaim:
		return "claim"
	case RestoreModeLegacy:
		return "legacy"
	default:
		return "no-claim"
	}
}

// SavepointRestoreSettings tells a starting master which savepoint to resume
// from. The zero value means "start fresh".
type SavepointRestoreSettings struct {
	Path                  string      `json:"path,omitempty"`
	AllowNonRestoredState bool        `json:"allow-non-restored-state,omitempty"`
	RestoreMode           RestoreMode `json:"restore-mode,omitempty"`
}

// IsRestoreRequested tells whether a savepoint path was configured.
func (s SavepointRestoreSettings) IsRestoreRequested() bool {
	return s.Path != ""
}

// ExecutionGraph is the schedulable descriptor of one job, produced by
// pipeline translation. It is immutable once handed to a leadership runner.
type ExecutionGraph struct {
	ID       JobID     `json:"id"`
	Name     string    `json:"name"`
	Type     JobType   `json:"type"`
	Vertices []*Vertex `json:"vertices"`

	Jars       []ArtifactKey `json:"jars,omitempty"`
	Classpaths []string      `json:"classpaths,omitempty"`

	SavepointRestore SavepointRestoreSettings `json:"savepoint-restore,omitempty"`

	// InitialClientHeartbeatTimeout couples client liveness to job liveness:
	// when positive, the master shuts the job down once the submitting client
	// stops sending heartbeats for this long. Zero means detached.
	InitialClientHeartbeatTimeout time.Duration `json:"client-heartbeat-timeout,omitempty"`

	// InitializedAt is the unix timestamp in milliseconds at which the graph
	// was produced by translation.
	InitializedAt int64 `json:"initialized-at"`
}

// IsEmpty reports whether the graph has no vertices. Empty graphs are
// rejected at submission.
func (g *ExecutionGraph) IsEmpty() bool {
	return len(g.Vertices) == 0
}

// IsPartialResourceConfigured reports whether resources are declared for
// some but not all vertices. Such half-configured graphs cannot be scheduled
// consistently and are rejected at submission.
func (g *ExecutionGraph) IsPartialResourceConfigured() bool {
	configured := 0
	for _, v := range g.Vertices {
		if v.Resources != nil {
			configured++
		}
	}
	return configured > 0 && configured < len(g.Vertices)
}
