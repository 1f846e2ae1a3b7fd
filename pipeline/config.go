package pipeline

import (
	"net/url"
	"time"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

const (
	// ParallelismAuto keeps each operator's own parallelism setting.
	ParallelismAuto = -1

	// DefaultClientHeartbeatTimeout bounds the silence tolerated from an
	// attached client before its job is shut down.
	DefaultClientHeartbeatTimeout = 3 * time.Minute
)

// ExecutionMode selects the representation a pipeline must lower to.
type ExecutionMode int32

const (
	ExecutionModeStreaming ExecutionMode = iota
	ExecutionModeBatch
)

func (m ExecutionMode) String() string {
	if m == ExecutionModeBatch {
		return "batch"
	}
	return "streaming"
}

// SchedulerMode selects how the scheduler sizes the job.
type SchedulerMode int32

const (
	// The job runs at its configured parallelism.
	SchedulerModeDefault SchedulerMode = iota
	// The job rescales with available resources. Requires the adaptive
	// scheduler.
	SchedulerModeReactive
)

func (m SchedulerMode) String() string {
	if m == SchedulerModeReactive {
		return "reactive"
	}
	return "default"
}

// SchedulerType selects the scheduler implementation inside a running
// master.
type SchedulerType int32

const (
	SchedulerTypeDefault SchedulerType = iota
	SchedulerTypeAdaptive
)

func (t SchedulerType) String() string {
	if t == SchedulerTypeAdaptive {
		return "adaptive"
	}
	return "default"
}

// Config carries the per-submission execution options. Every field is an
// explicit optional: absence means the documented default, never a
// zero-value sentinel.
type Config struct {
	// Parallelism overrides the parallelism of every operator when set.
	// Default: unset, each operator keeps its own setting.
	Parallelism *int

	// FixedJobID replaces the generated job id with a caller-chosen
	// 32-character hex string. Default: unset, a random id is generated.
	FixedJobID *string

	// Attached records that the submitting client stays connected to
	// observe the job. Default: false.
	Attached bool

	// ShutdownIfAttached requests shutting the job down when the attached
	// client disappears. Meaningful only together with Attached.
	// Default: false.
	ShutdownIfAttached bool

	// ClientHeartbeatTimeout bounds attached-client silence. Takes effect
	// only when both Attached and ShutdownIfAttached are set.
	// Default: DefaultClientHeartbeatTimeout.
	ClientHeartbeatTimeout *time.Duration

	// ExecutionMode selects the stream or batch representation.
	// Default: streaming.
	ExecutionMode *ExecutionMode

	// SchedulerMode selects default or reactive scaling behavior.
	// Default: default. Reactive additionally requires
	// SchedulerType == adaptive at submission.
	SchedulerMode *SchedulerMode

	// SchedulerType selects the scheduler implementation.
	// Default: default.
	SchedulerType *SchedulerType

	// Jars lists the dependency artifacts shipped with the job.
	// Default: none.
	Jars []model.ArtifactKey

	// Classpaths lists additional classpath entries as URLs.
	// Default: none.
	Classpaths []string

	// Savepoint requests restoring the job from a savepoint.
	// Default: unset, the job starts fresh.
	Savepoint *model.SavepointRestoreSettings
}

// Accessor resolves effective values from a Config, applying defaults for
// unset optionals.
type Accessor struct {
	cfg *Config
}

func (c *Config) Accessor() Accessor {
	return Accessor{cfg: c}
}

func (a Accessor) Parallelism() int {
	if a.cfg.Parallelism == nil {
		return ParallelismAuto
	}
	return *a.cfg.Parallelism
}

func (a Accessor) ExecutionMode() ExecutionMode {
	if a.cfg.ExecutionMode == nil {
		return ExecutionModeStreaming
	}
	return *a.cfg.ExecutionMode
}

func (a Accessor) SchedulerMode() SchedulerMode {
	if a.cfg.SchedulerMode == nil {
		return SchedulerModeDefault
	}
	return *a.cfg.SchedulerMode
}

func (a Accessor) SchedulerType() SchedulerType {
	if a.cfg.SchedulerType == nil {
		return SchedulerTypeDefault
	}
	return *a.cfg.SchedulerType
}

func (a Accessor) ClientHeartbeatTimeout() time.Duration {
	if a.cfg.ClientHeartbeatTimeout == nil {
		return DefaultClientHeartbeatTimeout
	}
	return *a.cfg.ClientHeartbeatTimeout
}

func (a Accessor) Jars() []model.ArtifactKey {
	return a.cfg.Jars
}

// Classpaths validates and returns the classpath entries. Entries must be
// parseable absolute URLs.
func (a Accessor) Classpaths() ([]string, error) {
	for _, entry := range a.cfg.Classpaths {
		u, err := url.Parse(entry)
		if err != nil || u.Scheme == "" {
			return nil, derror.ErrInvalidClasspath.GenWithStackByArgs(entry)
		}
	}
	return a.cfg.Classpaths, nil
}

func (a Accessor) SavepointRestoreSettings() model.SavepointRestoreSettings {
	if a.cfg.Savepoint == nil {
		return model.SavepointRestoreSettings{}
	}
	return *a.cfg.Savepoint
}
