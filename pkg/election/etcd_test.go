package election

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

type SuiteTestEtcdElection struct {
	// Include basic suite logic.
	suite.Suite
	e         *embed.Etcd
	endpoints string
}

func allocTempURL(t *testing.T) string {
	port, err := freeport.GetFreePort()
	require.Nil(t, err)
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// The SetupSuite method will be run by testify once, at the very
// start of the testing suite, before any tests are run.
func (suite *SuiteTestEtcdElection) SetupSuite() {
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
}

// The TearDownSuite method will be run by testify once, at the very
// end of the testing suite, after all tests have been run.
func (suite *SuiteTestEtcdElection) TearDownSuite() {
	if suite.e != nil {
		suite.e.Server.Stop()
		suite.e.Close()
	}
}

func (suite *SuiteTestEtcdElection) newClient() *clientv3.Client {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{suite.endpoints},
		DialTimeout: 5 * time.Second,
	})
	require.Nil(suite.T(), err)
	return cli
}

func (suite *SuiteTestEtcdElection) newProvider(cli *clientv3.Client, nodeID NodeID) *EtcdProvider {
	provider, err := NewEtcdProvider(context.Background(), cli, EtcdConfig{
		NodeID:               nodeID,
		CreateSessionTimeout: 10 * time.Second,
		SessionTTL:           5 * time.Second,
	})
	require.Nil(suite.T(), err)
	return provider
}

func (suite *SuiteTestEtcdElection) TestGrantAndStop() {
	t := suite.T()
	cli := suite.newClient()
	defer cli.Close()

	provider := suite.newProvider(cli, "node-grant")
	defer provider.Close()

	handle := provider.NewHandle(model.NewJobID())
	listener := newEventListener()
	require.NoError(t, handle.Start(listener))

	ep := listener.waitGrant(t)
	require.Greater(t, ep, model.Epoch(0))

	handle.Stop()
	listener.waitRevoke(t)

	// Stop is idempotent
	handle.Stop()
}

func (suite *SuiteTestEtcdElection) TestStartTwice() {
	t := suite.T()
	cli := suite.newClient()
	defer cli.Close()

	provider := suite.newProvider(cli, "node-twice")
	defer provider.Close()

	handle := provider.NewHandle(model.NewJobID())
	require.NoError(t, handle.Start(newEventListener()))
	err := handle.Start(newEventListener())
	require.True(t, derror.ErrElectionAlreadyStarted.Equal(err))
	handle.Stop()
}

func (suite *SuiteTestEtcdElection) TestFailoverOnResign() {
	t := suite.T()
	jobID := model.NewJobID()

	cliA := suite.newClient()
	defer cliA.Close()
	cliB := suite.newClient()
	defer cliB.Close()

	providerA := suite.newProvider(cliA, "node-a")
	defer providerA.Close()
	providerB := suite.newProvider(cliB, "node-b")
	defer providerB.Close()

	listenerA := newEventListener()
	handleA := providerA.NewHandle(jobID)
	require.NoError(t, handleA.Start(listenerA))
	epochA := listenerA.waitGrant(t)

	listenerB := newEventListener()
	handleB := providerB.NewHandle(jobID)
	require.NoError(t, handleB.Start(listenerB))

	// B must stay a follower while A leads
	time.Sleep(300 * time.Millisecond)
	require.Len(t, listenerB.grants, 0)

	handleA.Stop()
	listenerA.waitRevoke(t)

	epochB := listenerB.waitGrant(t)
	require.Greater(t, epochB, epochA)

	handleB.Stop()
	listenerB.waitRevoke(t)
}

func (suite *SuiteTestEtcdElection) TestFailoverOnSessionLoss() {
	t := suite.T()
	jobID := model.NewJobID()

	cliA := suite.newClient()
	defer cliA.Close()
	cliB := suite.newClient()
	defer cliB.Close()

	providerA := suite.newProvider(cliA, "node-a")
	providerB := suite.newProvider(cliB, "node-b")
	defer providerB.Close()

	listenerA := newEventListener()
	handleA := providerA.NewHandle(jobID)
	require.NoError(t, handleA.Start(listenerA))
	epochA := listenerA.waitGrant(t)

	listenerB := newEventListener()
	handleB := providerB.NewHandle(jobID)
	require.NoError(t, handleB.Start(listenerB))

	// revoking the shared lease kills A's leadership without a resign
	require.NoError(t, providerA.Close())
	listenerA.waitRevoke(t)

	epochB := listenerB.waitGrant(t)
	require.Greater(t, epochB, epochA)

	handleA.Stop()
	handleB.Stop()
	listenerB.waitRevoke(t)
}

func TestEtcdElectionSuite(t *testing.T) {
	suite.Run(t, new(SuiteTestEtcdElection))
}
