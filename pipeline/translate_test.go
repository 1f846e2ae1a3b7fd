package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

func ptr[T any](v T) *T {
	return &v
}

func testPipeline() *StreamPipeline {
	return &StreamPipeline{
		JobName: "wordcount",
		Ops: []*Operator{
			{Name: "source", Parallelism: 2},
			{Name: "count", Parallelism: 4, Inputs: []string{"source"}},
			{Name: "sink", Inputs: []string{"count"}},
		},
	}
}

func TestTranslateBasic(t *testing.T) {
	t.Parallel()

	graph, err := Translate(testPipeline(), &Config{}, NewSimplePlanner())
	require.NoError(t, err)

	require.Len(t, string(graph.ID), 32)
	require.Equal(t, "wordcount", graph.Name)
	require.Equal(t, model.JobTypeStream, graph.Type)
	require.Len(t, graph.Vertices, 3)
	require.False(t, graph.IsEmpty())
	require.Greater(t, graph.InitializedAt, int64(0))

	// per-operator parallelism is kept, unset operators fall back to 1
	require.Equal(t, 2, graph.Vertices[0].Parallelism)
	require.Equal(t, 4, graph.Vertices[1].Parallelism)
	require.Equal(t, 1, graph.Vertices[2].Parallelism)

	// edges follow the declared inputs
	require.Equal(t, []model.VertexID{graph.Vertices[0].ID}, graph.Vertices[1].Inputs)
	require.Equal(t, []model.VertexID{graph.Vertices[1].ID}, graph.Vertices[2].Inputs)
}

func TestTranslateParallelismOverride(t *testing.T) {
	t.Parallel()

	graph, err := Translate(testPipeline(), &Config{Parallelism: ptr(8)}, NewSimplePlanner())
	require.NoError(t, err)
	for _, v := range graph.Vertices {
		require.Equal(t, 8, v.Parallelism)
	}
}

func TestTranslateFixedJobID(t *testing.T) {
	t.Parallel()

	const fixed = "00112233445566778899aabbccddeeff"
	graph, err := Translate(
		testPipeline(), &Config{FixedJobID: ptr(fixed)}, NewSimplePlanner())
	require.NoError(t, err)
	require.Equal(t, model.JobID(fixed), graph.ID)

	_, err = Translate(
		testPipeline(), &Config{FixedJobID: ptr("zz-not-hex")}, NewSimplePlanner())
	require.True(t, derror.ErrInvalidJobID.Equal(err))
}

func TestTranslateClientHeartbeat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		attached           bool
		shutdownIfAttached bool
		expectTimeout      bool
	}{
		{false, false, false},
		{true, false, false},
		{false, true, false},
		{true, true, true},
	}
	for _, tc := range testCases {
		cfg := &Config{
			Attached:               tc.attached,
			ShutdownIfAttached:     tc.shutdownIfAttached,
			ClientHeartbeatTimeout: ptr(42 * time.Second),
		}
		graph, err := Translate(testPipeline(), cfg, NewSimplePlanner())
		require.NoError(t, err)
		if tc.expectTimeout {
			require.Equal(t, 42*time.Second, graph.InitialClientHeartbeatTimeout)
		} else {
			require.Zero(t, graph.InitialClientHeartbeatTimeout)
		}
	}

	// the default timeout applies when none is configured
	graph, err := Translate(
		testPipeline(), &Config{Attached: true, ShutdownIfAttached: true}, NewSimplePlanner())
	require.NoError(t, err)
	require.Equal(t, DefaultClientHeartbeatTimeout, graph.InitialClientHeartbeatTimeout)
}

func TestTranslateVariantMismatch(t *testing.T) {
	t.Parallel()

	_, err := Translate(
		testPipeline(),
		&Config{ExecutionMode: ptr(ExecutionModeBatch)},
		NewSimplePlanner())
	require.True(t, derror.ErrPipelineVariantMismatch.Equal(err))

	batch := &BatchPipeline{JobName: "bounded", Ops: []*Operator{{Name: "scan"}}}
	_, err = Translate(batch, &Config{}, NewSimplePlanner())
	require.True(t, derror.ErrPipelineVariantMismatch.Equal(err))

	graph, err := Translate(
		batch, &Config{ExecutionMode: ptr(ExecutionModeBatch)}, NewSimplePlanner())
	require.NoError(t, err)
	require.Equal(t, model.JobTypeBatch, graph.Type)
}

func TestTranslateAttachments(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Jars:       []model.ArtifactKey{"blob://jars/app.jar"},
		Classpaths: []string{"file:///opt/libs/extra.jar"},
		Savepoint: &model.SavepointRestoreSettings{
			Path:                  "s3://bucket/savepoint-1",
			AllowNonRestoredState: true,
			RestoreMode:           model.RestoreModeClaim,
		},
	}
	graph, err := Translate(testPipeline(), cfg, NewSimplePlanner())
	require.NoError(t, err)
	require.Equal(t, cfg.Jars, graph.Jars)
	require.Equal(t, cfg.Classpaths, graph.Classpaths)
	require.Equal(t, *cfg.Savepoint, graph.SavepointRestore)
	require.True(t, graph.SavepointRestore.IsRestoreRequested())
}

func TestTranslateInvalidClasspath(t *testing.T) {
	t.Parallel()

	cfg := &Config{Classpaths: []string{"no-scheme-entry"}}
	graph, err := Translate(testPipeline(), cfg, NewSimplePlanner())
	require.True(t, derror.ErrInvalidClasspath.Equal(err))
	require.Nil(t, graph)
}

func TestTranslateMissingInputs(t *testing.T) {
	t.Parallel()

	_, err := Translate(nil, &Config{}, NewSimplePlanner())
	require.True(t, derror.ErrPipelineTranslate.Equal(err))

	_, err = Translate(testPipeline(), nil, NewSimplePlanner())
	require.True(t, derror.ErrPipelineTranslate.Equal(err))

	_, err = Translate(testPipeline(), &Config{}, nil)
	require.True(t, derror.ErrPipelineTranslate.Equal(err))
}

func TestSimplePlannerRejectsMalformedDAGs(t *testing.T) {
	t.Parallel()

	dup := &StreamPipeline{
		JobName: "dup",
		Ops:     []*Operator{{Name: "op"}, {Name: "op"}},
	}
	_, err := Translate(dup, &Config{}, NewSimplePlanner())
	require.True(t, derror.ErrPipelineTranslate.Equal(err))

	dangling := &StreamPipeline{
		JobName: "dangling",
		Ops:     []*Operator{{Name: "sink", Inputs: []string{"ghost"}}},
	}
	_, err = Translate(dangling, &Config{}, NewSimplePlanner())
	require.True(t, derror.ErrPipelineTranslate.Equal(err))
}

func TestGeneratedJobIDStable(t *testing.T) {
	t.Parallel()

	graphA, err := Translate(testPipeline(), &Config{}, NewSimplePlanner())
	require.NoError(t, err)
	graphB, err := Translate(testPipeline(), &Config{}, NewSimplePlanner())
	require.NoError(t, err)

	// absent a fixed id, every translation mints a fresh id
	require.NotEqual(t, graphA.ID, graphB.ID)
	require.Len(t, string(graphA.ID), 32)
	require.Len(t, string(graphB.ID), 32)
}
