package resultstore

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/adapter"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// etcdStore persists one JSON entry per job under the job-result prefix.
// Create-if-absent transactions give the first-write-wins contract.
type etcdStore struct {
	cli *clientv3.Client
}

// NewEtcdStore creates a Store on an existing etcd client.
func NewEtcdStore(cli *clientv3.Client) Store {
	return &etcdStore{cli: cli}
}

func resultKey(jobID model.JobID) string {
	return adapter.JobResultKeyAdapter.Encode(string(jobID))
}

func (s *etcdStore) Put(ctx context.Context, entry *Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}

	key := resultKey(entry.Result.JobID)
	// a second Put for the same job finds the key created and degrades to a
	// no-op, keeping the stored outcome intact
	_, err = s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (s *etcdStore) HasResult(ctx context.Context, jobID model.JobID) (bool, error) {
	resp, err := s.cli.Get(ctx, resultKey(jobID), clientv3.WithCountOnly())
	if err != nil {
		return false, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return resp.Count > 0, nil
}

func (s *etcdStore) GetResult(ctx context.Context, jobID model.JobID) (*Entry, error) {
	entry, _, err := s.getWithRevision(ctx, jobID)
	return entry, err
}

func (s *etcdStore) getWithRevision(
	ctx context.Context, jobID model.JobID,
) (*Entry, int64, error) {
	resp, err := s.cli.Get(ctx, resultKey(jobID))
	if err != nil {
		return nil, 0, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, derror.ErrResultNotFound.GenWithStackByArgs(jobID)
	}

	entry := new(Entry)
	if err := json.Unmarshal(resp.Kvs[0].Value, entry); err != nil {
		return nil, 0, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return entry, resp.Kvs[0].ModRevision, nil
}

func (s *etcdStore) MarkClean(ctx context.Context, jobID model.JobID) error {
	for {
		entry, modRev, err := s.getWithRevision(ctx, jobID)
		if err != nil {
			return err
		}
		if !entry.CleanupRequired {
			return nil
		}

		entry.CleanupRequired = false
		value, err := json.Marshal(entry)
		if err != nil {
			return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
		}

		key := resultKey(jobID)
		resp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
		}
		if resp.Succeeded {
			return nil
		}
		// lost a race with a concurrent MarkClean, re-read and retry
	}
}

func (s *etcdStore) DirtyResults(ctx context.Context) ([]*Entry, error) {
	resp, err := s.cli.Get(ctx, adapter.JobResultKeyAdapter.Path(), clientv3.WithPrefix())
	if err != nil {
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}

	var dirty []*Entry
	for _, kv := range resp.Kvs {
		entry := new(Entry)
		if err := json.Unmarshal(kv.Value, entry); err != nil {
			return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
		}
		if entry.CleanupRequired {
			dirty = append(dirty, entry)
		}
	}
	return dirty, nil
}
