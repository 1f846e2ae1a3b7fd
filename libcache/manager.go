// Package libcache manages the shared user-code bundles of jobs. A bundle
// is resolved once per job and shared by every component holding a lease on
// it; the underlying artifacts are pinned until the last lease goes away.
package libcache

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// Bundle is the resolved code-loading context of one job: every dependency
// artifact fetched and pinned locally, plus the extra classpath entries.
type Bundle struct {
	JobID model.JobID
	// LocalPaths maps each artifact key to where it was fetched to.
	LocalPaths map[model.ArtifactKey]string
	Classpaths []string
}

// Lease is a reference-counted claim on one job's bundle cache entry.
type Lease interface {
	// GetOrResolveBundle returns the job's bundle, fetching the artifacts on
	// first call. The result is memoized per cache entry: concurrent and
	// later calls share the first resolution, so all holders of one job id
	// must request the same artifact set.
	//
	// A resolve racing the release of the last lease fails with
	// ErrLeaseReleased rather than resurrect an evicted entry.
	GetOrResolveBundle(ctx context.Context, jars []model.ArtifactKey, classpaths []string) (*Bundle, error)

	// Release gives the claim up. Releasing twice is a no-op: the shared
	// reference count drops once per lease, never below zero. The cache
	// entry is evicted when the count reaches zero.
	Release()
}

// Manager is the process-wide bundle cache. Concurrent registrations for
// one job id share a single entry and a single reference counter.
type Manager interface {
	RegisterLease(jobID model.JobID) Lease
	// Shutdown evicts every entry. Outstanding leases stay safe to release;
	// resolving through them fails with ErrLeaseReleased.
	Shutdown()
}

type manager struct {
	fetcher BlobFetcher

	mu      sync.Mutex
	entries map[model.JobID]*cacheEntry
	closed  bool
}

// NewManager creates a Manager resolving artifacts through the given
// fetcher.
func NewManager(fetcher BlobFetcher) Manager {
	return &manager{
		fetcher: fetcher,
		entries: make(map[model.JobID]*cacheEntry),
	}
}

type cacheEntry struct {
	jobID    model.JobID
	refCount int
	evicted  bool

	// resolveMu serializes resolution so one fetch serves all holders.
	resolveMu sync.Mutex
	bundle    *Bundle
}

func (m *manager) RegisterLease(jobID model.JobID) Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &lease{mgr: m, entry: &cacheEntry{jobID: jobID, evicted: true}}
	}

	entry, ok := m.entries[jobID]
	if !ok {
		entry = &cacheEntry{jobID: jobID}
		m.entries[jobID] = entry
	}
	entry.refCount++
	return &lease{mgr: m, entry: entry}
}

func (m *manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		entry.evicted = true
	}
	m.entries = make(map[model.JobID]*cacheEntry)
	m.closed = true
}

func (m *manager) releaseEntry(entry *cacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.evicted {
		return
	}
	entry.refCount--
	if entry.refCount == 0 {
		entry.evicted = true
		delete(m.entries, entry.jobID)
	}
}

func (m *manager) entryEvicted(entry *cacheEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.evicted
}

type lease struct {
	mgr      *manager
	entry    *cacheEntry
	released atomic.Bool
}

func (l *lease) GetOrResolveBundle(
	ctx context.Context, jars []model.ArtifactKey, classpaths []string,
) (*Bundle, error) {
	if l.released.Load() {
		return nil, derror.ErrLeaseReleased.GenWithStackByArgs(l.entry.jobID)
	}

	l.entry.resolveMu.Lock()
	defer l.entry.resolveMu.Unlock()

	if l.mgr.entryEvicted(l.entry) {
		return nil, derror.ErrLeaseReleased.GenWithStackByArgs(l.entry.jobID)
	}
	if l.entry.bundle != nil {
		return l.entry.bundle, nil
	}

	bundle, err := l.fetchBundle(ctx, jars, classpaths)
	if err != nil {
		return nil, err
	}

	// the last lease may have been released while the fetch was in flight;
	// an evicted entry must not come back to life
	if l.released.Load() || l.mgr.entryEvicted(l.entry) {
		return nil, derror.ErrLeaseReleased.GenWithStackByArgs(l.entry.jobID)
	}
	l.entry.bundle = bundle
	return bundle, nil
}

func (l *lease) fetchBundle(
	ctx context.Context, jars []model.ArtifactKey, classpaths []string,
) (*Bundle, error) {
	localPaths := make([]string, len(jars))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range jars {
		i, key := i, key
		g.Go(func() error {
			path, err := l.mgr.fetcher.Fetch(gctx, l.entry.jobID, key)
			if err != nil {
				return err
			}
			localPaths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, derror.ErrBundleResolve.Wrap(err).GenWithStackByArgs()
	}

	bundle := &Bundle{
		JobID:      l.entry.jobID,
		LocalPaths: make(map[model.ArtifactKey]string, len(jars)),
		Classpaths: classpaths,
	}
	for i, key := range jars {
		bundle.LocalPaths[key] = localPaths[i]
	}
	return bundle, nil
}

func (l *lease) Release() {
	if l.released.Swap(true) {
		return
	}
	l.mgr.releaseEntry(l.entry)
}
