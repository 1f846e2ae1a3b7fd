package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMaster(t *testing.T, clk clock.Clock, runFor time.Duration) *Master {
	t.Helper()
	factory := NewFactory(Config{RunDuration: runFor}, clk)
	graph := &model.ExecutionGraph{
		ID:       "fake-job",
		Vertices: []*model.Vertex{{ID: "v0", Name: "noop", Parallelism: 1}},
	}
	bundle := &libcache.Bundle{JobID: graph.ID, LocalPaths: map[model.ArtifactKey]string{}}
	svc, err := factory.NewService(context.Background(), graph, bundle, 1)
	require.NoError(t, err)
	return svc.(*Master)
}

func TestFakeMasterFinishes(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	master := newMaster(t, clk, 100*time.Millisecond)
	require.NoError(t, master.Start(context.Background()))
	require.Error(t, master.Start(context.Background()))
	require.Equal(t, model.Epoch(1), master.Epoch())

	var result *model.JobResult
	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		select {
		case result = <-master.ResultCh():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, model.JobID("fake-job"), result.JobID)
	require.Equal(t, model.JobStatusFinished, result.Status)
	require.NotZero(t, result.FinishedAt)
	require.NoError(t, master.Stop(context.Background()))
}

func TestFakeMasterSuspendAcknowledges(t *testing.T) {
	t.Parallel()

	master := newMaster(t, clock.New(), 0)
	require.NoError(t, master.Start(context.Background()))
	require.NoError(t, master.Suspend(context.Background()))

	result := <-master.ResultCh()
	require.Equal(t, model.JobStatusSuspended, result.Status)
}

func TestFakeMasterStopIsSilent(t *testing.T) {
	t.Parallel()

	master := newMaster(t, clock.New(), time.Hour)
	require.NoError(t, master.Start(context.Background()))
	require.NoError(t, master.Stop(context.Background()))
	require.NoError(t, master.Stop(context.Background()))
	require.Len(t, master.ResultCh(), 0)
}
