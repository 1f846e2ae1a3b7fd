package election

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

type eventListener struct {
	grants  chan model.Epoch
	revokes chan struct{}
}

func newEventListener() *eventListener {
	return &eventListener{
		grants:  make(chan model.Epoch, 16),
		revokes: make(chan struct{}, 16),
	}
}

func (l *eventListener) OnGrantLeadership(ep model.Epoch) {
	l.grants <- ep
}

func (l *eventListener) OnRevokeLeadership() {
	l.revokes <- struct{}{}
}

func (l *eventListener) waitGrant(t *testing.T) model.Epoch {
	select {
	case ep := <-l.grants:
		return ep
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timeout waiting for leadership grant")
	}
	return 0
}

func (l *eventListener) waitRevoke(t *testing.T) {
	select {
	case <-l.revokes:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timeout waiting for leadership revocation")
	}
}

func TestManualGrantRevoke(t *testing.T) {
	t.Parallel()

	handle := NewManual()
	listener := newEventListener()
	require.NoError(t, handle.Start(listener))

	handle.Grant(1)
	require.Equal(t, model.Epoch(1), listener.waitGrant(t))

	// a second grant without an intervening revoke is swallowed
	handle.Grant(2)
	require.Len(t, listener.grants, 0)

	handle.Revoke()
	listener.waitRevoke(t)

	handle.Grant(3)
	require.Equal(t, model.Epoch(3), listener.waitGrant(t))

	// stopping while leading revokes first
	handle.Stop()
	listener.waitRevoke(t)

	// after Stop everything is inert
	handle.Grant(4)
	require.Len(t, listener.grants, 0)
}

func TestManualStartTwice(t *testing.T) {
	t.Parallel()

	handle := NewManual()
	require.NoError(t, handle.Start(newEventListener()))
	err := handle.Start(newEventListener())
	require.True(t, derror.ErrElectionAlreadyStarted.Equal(err))
}

func TestStandaloneGrantsImmediately(t *testing.T) {
	t.Parallel()

	provider := NewStandaloneProvider()
	defer func() {
		require.NoError(t, provider.Close())
	}()

	first := newEventListener()
	handleA := provider.NewHandle("job-a")
	require.NoError(t, handleA.Start(first))
	epochA := first.waitGrant(t)

	second := newEventListener()
	handleB := provider.NewHandle("job-b")
	require.NoError(t, handleB.Start(second))
	epochB := second.waitGrant(t)

	// epochs are process-wide monotonic even across jobs
	require.Greater(t, epochB, epochA)

	handleA.Stop()
	first.waitRevoke(t)
	handleB.Stop()
	second.waitRevoke(t)
}
