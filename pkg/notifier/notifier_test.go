package notifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierFanOut(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 10
		numEvents    = 10000
		finEv        = math.MaxInt
	)

	var wg sync.WaitGroup
	for i := 0; i < numReceivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := n.NewReceiver()
			defer r.Close()

			lastEv := 0
			for ev := range r.C {
				if ev == finEv {
					return
				}
				if lastEv != 0 {
					require.Equal(t, lastEv+1, ev)
				}
				lastEv = ev
			}
		}()
	}

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}
	n.Notify(finEv)

	require.NoError(t, n.Flush(context.Background()))
	wg.Wait()
}

func TestNotifierCloseDetachesReceivers(t *testing.T) {
	n := NewNotifier[string]()
	r := n.NewReceiver()

	n.Notify("before-close")
	require.NoError(t, n.Flush(context.Background()))
	require.Equal(t, "before-close", <-r.C)

	n.Close()

	// the receiver channel must be closed now
	select {
	case _, ok := <-r.C:
		require.False(t, ok)
	case <-time.After(time.Second):
		require.FailNow(t, "receiver channel not closed")
	}
}

func TestReceiverCloseStopsDelivery(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	r := n.NewReceiver()
	r.Close()

	// events after the receiver closed must not block the notifier even
	// though nobody drains r.C.
	for i := 0; i < 1024; i++ {
		n.Notify(i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Flush(ctx))
}
