package streamClient

import (
	"sync"

	"github.com/gate4ai/taskstream/clients/streamClient/listeners"
	"go.uber.org/zap"
)

// notifier runs subscriber handlers on its own goroutine so that user code
// never runs on, or blocks, the process loop.
type notifier struct {
	inbox    *mailbox[Event]
	registry *listeners.Registry
	current  Event // Event being dispatched; touched only by run
	done     chan struct{}
}

func newNotifier(logger *zap.Logger) *notifier {
	n := &notifier{
		inbox:    newMailbox[Event](),
		registry: listeners.NewRegistry(logger),
		done:     make(chan struct{}),
	}
	n.registry.SetErrorReporter(func(frame listeners.Frame, handle listeners.Handle, err error) {
		logger.Error("Subscriber failed", zap.String("event", frame.Name), zap.Uint64("handle", uint64(handle)), zap.Error(err))
	})
	go n.run()
	return n
}

func (n *notifier) subscribe(name string, handler Handler) func() {
	handle := n.registry.Add(name, func(listeners.Frame) error {
		handler(n.current)
		return nil
	})
	var once sync.Once
	return func() {
		once.Do(func() { n.registry.Remove(name, handle) })
	}
}

func (n *notifier) emit(ev Event) {
	n.inbox.post(ev)
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.inbox.wake {
		n.dispatch(n.inbox.take())
		if n.inbox.isClosed() {
			n.dispatch(n.inbox.take())
			return
		}
	}
}

func (n *notifier) dispatch(events []Event) {
	for _, ev := range events {
		n.current = ev
		n.registry.Dispatch(listeners.Frame{Name: ev.Name, ID: ev.Frame.ID, Payload: ev.Frame.Payload})
	}
	n.current = Event{}
}

// close delivers what is queued, then stops. Must not be called from a Handler.
func (n *notifier) close() {
	n.inbox.close()
	<-n.done
	n.registry.Clear()
}
