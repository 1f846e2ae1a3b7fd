package libcache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"

	"github.com/tributary-io/tributary/model"
)

// BlobFetcher downloads one artifact into local storage and returns the
// local path. Implementations must be safe for concurrent use; fetches for
// one bundle run in parallel.
type BlobFetcher interface {
	Fetch(ctx context.Context, jobID model.JobID, key model.ArtifactKey) (string, error)
}

// LocalFetcher serves artifacts straight from a directory on the local
// filesystem. It backs the standalone deployment, where submitted jobs
// reference files the operator already placed on disk.
type LocalFetcher struct {
	root string
}

func NewLocalFetcher(root string) *LocalFetcher {
	return &LocalFetcher{root: root}
}

func (f *LocalFetcher) Fetch(
	ctx context.Context, jobID model.JobID, key model.ArtifactKey,
) (string, error) {
	path := filepath.Join(f.root, filepath.Clean(string(key)))
	if _, err := os.Stat(path); err != nil {
		return "", errors.Trace(err)
	}
	return path, nil
}
