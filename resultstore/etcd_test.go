package resultstore

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/tributary-io/tributary/model"
)

type SuiteTestEtcdStore struct {
	// Include basic suite logic.
	suite.Suite
	e         *embed.Etcd
	endpoints string
	cli       *clientv3.Client
}

func allocTempURL(t *testing.T) string {
	port, err := freeport.GetFreePort()
	require.Nil(t, err)
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// The SetupSuite method will be run by testify once, at the very
// start of the testing suite, before any tests are run.
func (suite *SuiteTestEtcdStore) SetupSuite() {
	cfg := embed.NewConfig()
	cfg.Dir = suite.T().TempDir()
	peers := allocTempURL(suite.T())
	log.Printf("Allocate server peer port is %s", peers)
	u, err := url.Parse(peers)
	require.Nil(suite.T(), err)
	cfg.LPUrls = []url.URL{*u}
	advertises := allocTempURL(suite.T())
	log.Printf("Allocate server advertises port is %s", advertises)
	u, err = url.Parse(advertises)
	require.Nil(suite.T(), err)
	cfg.LCUrls = []url.URL{*u}
	suite.e, err = embed.StartEtcd(cfg)
	if err != nil {
		require.FailNow(suite.T(), "Start embedded etcd fail:%v", err)
	}
	select {
	case <-suite.e.Server.ReadyNotify():
		log.Printf("Server is ready!")
	case <-time.After(60 * time.Second):
		suite.e.Server.Stop() // trigger a shutdown
		suite.e.Close()
		suite.e = nil
		require.FailNow(suite.T(), "Server took too long to start!")
	}
	suite.endpoints = advertises

	suite.cli, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{suite.endpoints},
		DialTimeout: 5 * time.Second,
	})
	require.Nil(suite.T(), err)
}

// The TearDownSuite method will be run by testify once, at the very
// end of the testing suite, after all tests have been run.
func (suite *SuiteTestEtcdStore) TearDownSuite() {
	if suite.cli != nil {
		suite.cli.Close()
	}
	if suite.e != nil {
		suite.e.Server.Stop()
		suite.e.Close()
	}
}

func (suite *SuiteTestEtcdStore) TestConformance() {
	runStoreConformance(suite.T(), NewEtcdStore(suite.cli))
}

func (suite *SuiteTestEtcdStore) TestConcurrentFirstWriteWins() {
	t := suite.T()
	ctx := context.Background()
	jobID := model.NewJobID()

	// two processes racing to record different outcomes for one job: the
	// transaction guarantees exactly one of them sticks
	storeA := NewEtcdStore(suite.cli)
	storeB := NewEtcdStore(suite.cli)

	var wg sync.WaitGroup
	for i, store := range []Store{storeA, storeB} {
		wg.Add(1)
		status := model.JobStatusFinished
		if i == 1 {
			status = model.JobStatusCanceled
		}
		store, status := store, status
		go func() {
			defer wg.Done()
			err := store.Put(ctx, NewDirtyEntry(model.JobResult{JobID: jobID, Status: status}))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	gotA, err := storeA.GetResult(ctx, jobID)
	require.NoError(t, err)
	gotB, err := storeB.GetResult(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, gotA.Result.Status, gotB.Result.Status)
	require.Contains(t,
		[]model.JobStatus{model.JobStatusFinished, model.JobStatusCanceled},
		gotA.Result.Status)
}

func TestEtcdStoreSuite(t *testing.T) {
	suite.Run(t, new(SuiteTestEtcdStore))
}
