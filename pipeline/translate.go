package pipeline

import (
	"time"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// Translate lowers a logical pipeline into the execution graph a job master
// runs. It is a pure function of its inputs: the only observable effect is
// the returned descriptor.
//
// Steps, in order: resolve the parallelism policy, delegate DAG lowering to
// the planner, apply the fixed-job-id override, attach the client-heartbeat
// timeout when the job is both attached and shutdown-if-attached, and attach
// jars, classpaths and savepoint-restore settings.
func Translate(p Pipeline, cfg *Config, planner Planner) (*model.ExecutionGraph, error) {
	if p == nil || cfg == nil || planner == nil {
		return nil, derror.ErrPipelineTranslate.GenWithStackByArgs(
			"pipeline, configuration and planner must all be present")
	}
	acc := cfg.Accessor()

	// classpath entries are validated before any lowering work happens, so
	// a malformed entry can never yield a partial descriptor
	classpaths, err := acc.Classpaths()
	if err != nil {
		return nil, err
	}

	jobType, err := matchVariant(p, acc.ExecutionMode())
	if err != nil {
		return nil, err
	}

	graph, err := planner.Plan(p, acc.Parallelism())
	if err != nil {
		return nil, derror.ErrPipelineTranslate.Wrap(err).GenWithStackByArgs(err.Error())
	}
	graph.Type = jobType
	if graph.ID == "" {
		graph.ID = model.NewJobID()
	}
	if graph.Name == "" {
		graph.Name = p.Name()
	}

	if cfg.FixedJobID != nil {
		fixedID, err := model.ParseJobID(*cfg.FixedJobID)
		if err != nil {
			return nil, err
		}
		graph.ID = fixedID
	}

	if cfg.Attached && cfg.ShutdownIfAttached {
		graph.InitialClientHeartbeatTimeout = acc.ClientHeartbeatTimeout()
	}

	graph.Jars = acc.Jars()
	graph.Classpaths = classpaths
	graph.SavepointRestore = acc.SavepointRestoreSettings()
	graph.InitializedAt = time.Now().UnixMilli()

	return graph, nil
}

func matchVariant(p Pipeline, mode ExecutionMode) (model.JobType, error) {
	switch p.(type) {
	case *StreamPipeline:
		if mode != ExecutionModeStreaming {
			return model.JobTypeUnknown,
				derror.ErrPipelineVariantMismatch.GenWithStackByArgs("stream", mode)
		}
		return model.JobTypeStream, nil
	case *BatchPipeline:
		if mode != ExecutionModeBatch {
			return model.JobTypeUnknown,
				derror.ErrPipelineVariantMismatch.GenWithStackByArgs("batch", mode)
		}
		return model.JobTypeBatch, nil
	default:
		return model.JobTypeUnknown,
			derror.ErrPipelineVariantMismatch.GenWithStackByArgs("unrecognized", mode)
	}
}
