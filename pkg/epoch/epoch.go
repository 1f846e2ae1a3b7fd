package epoch

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"

	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/adapter"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// Generator mints fencing tokens. Two successive calls always return
// strictly increasing values, across all processes sharing the backend.
type Generator interface {
	GenerateEpoch(ctx context.Context) (model.Epoch, error)
}

// NewEtcdGenerator creates a Generator backed by etcd. The returned epochs
// are the store revisions of puts to a well-known key, so they are unique
// and monotonic cluster-wide.
func NewEtcdGenerator(cli *clientv3.Client) Generator {
	return &etcdGenerator{cli: cli}
}

type etcdGenerator struct {
	cli *clientv3.Client
}

func (e *etcdGenerator) GenerateEpoch(ctx context.Context) (model.Epoch, error) {
	if e.cli == nil {
		return 0, derror.ErrEtcdEpochFail.GenWithStack("invalid inner client for epoch generator")
	}
	resp, err := e.cli.Put(ctx, epochKey, epochValue)
	if err != nil {
		return 0, derror.Wrap(derror.ErrEtcdEpochFail, err)
	}
	return resp.Header.Revision, nil
}

var (
	epochKey   = adapter.EpochKeyAdapter.Encode("tick")
	epochValue = "tick"
)

// NewMockGenerator creates an in-process Generator for tests and the
// standalone demo.
func NewMockGenerator() Generator {
	return &mockGenerator{}
}

type mockGenerator struct {
	epoch atomic.Int64
}

func (e *mockGenerator) GenerateEpoch(ctx context.Context) (model.Epoch, error) {
	return e.epoch.Add(1), nil
}
