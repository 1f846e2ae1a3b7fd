package libcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	failKeys map[model.ArtifactKey]error
	blockCh  chan struct{}
}

func (f *fakeFetcher) Fetch(
	ctx context.Context, jobID model.JobID, key model.ArtifactKey,
) (string, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockCh
	failErr := f.failKeys[key]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}
	return "/cache/" + string(jobID) + "/" + string(key), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testJars = []model.ArtifactKey{"app.jar", "udf.jar"}

func TestLeaseSharingAndMemoization(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	mgr := NewManager(fetcher)
	jobID := model.NewJobID()

	leaseA := mgr.RegisterLease(jobID)
	leaseB := mgr.RegisterLease(jobID)

	bundleA, err := leaseA.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.Len(t, bundleA.LocalPaths, 2)
	require.Equal(t, "/cache/"+string(jobID)+"/app.jar", bundleA.LocalPaths["app.jar"])

	// the second holder sees the memoized bundle, no further fetches
	bundleB, err := leaseB.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.Same(t, bundleA, bundleB)
	require.Equal(t, len(testJars), fetcher.callCount())

	// one release keeps the entry alive for the other holder
	leaseA.Release()
	bundleB2, err := leaseB.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.Same(t, bundleA, bundleB2)

	// the last release evicts; a fresh lease resolves from scratch
	leaseB.Release()
	leaseC := mgr.RegisterLease(jobID)
	defer leaseC.Release()
	bundleC, err := leaseC.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.NotSame(t, bundleA, bundleC)
	require.Equal(t, 2*len(testJars), fetcher.callCount())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	mgr := NewManager(fetcher)
	jobID := model.NewJobID()

	leaseA := mgr.RegisterLease(jobID)
	leaseB := mgr.RegisterLease(jobID)

	leaseA.Release()
	leaseA.Release()
	leaseA.Release()

	// B still holds the entry: the count never went below one
	bundle, err := leaseB.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	leaseB.Release()
}

func TestResolveAfterReleaseFails(t *testing.T) {
	t.Parallel()

	mgr := NewManager(&fakeFetcher{})
	lease := mgr.RegisterLease(model.NewJobID())
	lease.Release()

	_, err := lease.GetOrResolveBundle(context.Background(), testJars, nil)
	require.True(t, derror.ErrLeaseReleased.Equal(err))
}

func TestResolveRacingFinalRelease(t *testing.T) {
	t.Parallel()

	blockCh := make(chan struct{})
	fetcher := &fakeFetcher{blockCh: blockCh}
	mgr := NewManager(fetcher)
	jobID := model.NewJobID()
	lease := mgr.RegisterLease(jobID)

	resultCh := make(chan error, 1)
	go func() {
		_, err := lease.GetOrResolveBundle(context.Background(), testJars, nil)
		resultCh <- err
	}()

	// wait until the fetch is in flight, then drop the last lease
	require.Eventually(t, func() bool {
		return fetcher.callCount() == len(testJars)
	}, 5*time.Second, 10*time.Millisecond)
	lease.Release()
	close(blockCh)

	err := <-resultCh
	require.True(t, derror.ErrLeaseReleased.Equal(err))

	// the eviction stuck: a new lease starts a fresh resolution
	leaseNew := mgr.RegisterLease(jobID)
	defer leaseNew.Release()
	bundle, err := leaseNew.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.NotNil(t, bundle)
}

func TestFetchFailureNotMemoized(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		failKeys: map[model.ArtifactKey]error{"udf.jar": errors.New("blob store unavailable")},
	}
	mgr := NewManager(fetcher)
	lease := mgr.RegisterLease(model.NewJobID())
	defer lease.Release()

	_, err := lease.GetOrResolveBundle(context.Background(), testJars, nil)
	require.True(t, derror.ErrBundleResolve.Equal(err))

	// once the artifact becomes available the same lease can resolve
	fetcher.mu.Lock()
	fetcher.failKeys = nil
	fetcher.mu.Unlock()
	bundle, err := lease.GetOrResolveBundle(context.Background(), testJars, nil)
	require.NoError(t, err)
	require.Len(t, bundle.LocalPaths, 2)
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	mgr := NewManager(&fakeFetcher{})
	lease := mgr.RegisterLease(model.NewJobID())

	mgr.Shutdown()

	_, err := lease.GetOrResolveBundle(context.Background(), testJars, nil)
	require.True(t, derror.ErrLeaseReleased.Equal(err))
	lease.Release()

	// registrations after shutdown hand out dead leases
	late := mgr.RegisterLease(model.NewJobID())
	_, err = late.GetOrResolveBundle(context.Background(), testJars, nil)
	require.True(t, derror.ErrLeaseReleased.Equal(err))
	late.Release()
}

func TestLocalFetcher(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := NewLocalFetcher(root)

	jarPath := filepath.Join(root, "app.jar")
	require.NoError(t, os.WriteFile(jarPath, []byte("jar-bytes"), 0o644))

	got, err := fetcher.Fetch(context.Background(), model.NewJobID(), "app.jar")
	require.NoError(t, err)
	require.Equal(t, jarPath, got)

	_, err = fetcher.Fetch(context.Background(), model.NewJobID(), "missing.jar")
	require.Error(t, err)
}
