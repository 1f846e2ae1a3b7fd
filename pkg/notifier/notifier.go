package notifier

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/tributary-io/tributary/pkg/containers"
)

type receiverID = int64

// Notifier is the sending endpoint of a single-producer-multiple-consumer
// notification mechanism. The job manager uses it to fan terminal job events
// out to an arbitrary number of observers without blocking the sender.
type Notifier[T any] struct {
	receivers sync.Map // receiverID -> *Receiver[T]
	nextID    atomic.Int64

	queue *containers.SliceQueue[T]

	closeCh       chan struct{}
	synchronizeCh chan struct{}
	closeOnce     sync.Once
}

// Receiver is one receiving endpoint. Events are delivered on C in the order
// they were sent. Closing the receiver detaches it from the notifier.
type Receiver[T any] struct {
	id receiverID
	C  chan T

	closeOnce sync.Once
	closed    atomic.Bool

	notifier *Notifier[T]
}

// Close detaches the receiver. It synchronizes with the delivery goroutine
// first so that no send can race the channel close.
func (r *Receiver[T]) Close() {
	r.closed.Store(true)
	select {
	case <-r.notifier.synchronizeCh:
	case <-r.notifier.closeCh:
	}
	r.closeOnce.Do(func() {
		close(r.C)
	})
}

func (r *Receiver[T]) close() {
	r.closed.Store(true)
	r.closeOnce.Do(func() {
		close(r.C)
	})
}

// NewNotifier creates a Notifier and starts its delivery goroutine.
func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		queue:         containers.NewSliceQueue[T](),
		closeCh:       make(chan struct{}),
		synchronizeCh: make(chan struct{}),
	}
	go n.run()
	return n
}

// NewReceiver registers a new receiving endpoint.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	receiver := &Receiver[T]{
		id:       n.nextID.Add(1),
		C:        make(chan T, 16),
		notifier: n,
	}
	n.receivers.Store(receiver.id, receiver)
	return receiver
}

// Notify enqueues an event for delivery to all current receivers. It never
// blocks.
func (n *Notifier[T]) Notify(event T) {
	n.queue.Add(event)
}

// Close stops delivery and closes all receivers. Pending events that have
// not been delivered yet are dropped.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)

		var receivers []*Receiver[T]
		n.receivers.Range(func(_, value any) bool {
			receivers = append(receivers, value.(*Receiver[T]))
			return true
		})

		// wait for the delivery goroutine to exit
		<-n.synchronizeCh

		for _, receiver := range receivers {
			receiver.close()
		}
	})
}

// Flush blocks until every event sent before the call has been handed to the
// receivers, or the context expires.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.synchronizeCh:
		}

		if n.queue.Size() == 0 {
			return nil
		}
	}
}

func (n *Notifier[T]) run() {
	defer close(n.synchronizeCh)

	for {
		select {
		case <-n.closeCh:
			return
		case n.synchronizeCh <- struct{}{}:
			// synchronization barrier for Flush and Receiver.Close, no
			// delivery happens while this case is selectable.
		case <-n.queue.C:
			for {
				event, ok := n.queue.Pop()
				if !ok {
					break
				}

				n.receivers.Range(func(_, value any) bool {
					receiver := value.(*Receiver[T])
					if receiver.closed.Load() {
						return true
					}
					select {
					case <-n.closeCh:
						return false
					case receiver.C <- event:
					}
					return true
				})

				select {
				case <-n.closeCh:
					return
				default:
				}
			}
		}
	}
}
