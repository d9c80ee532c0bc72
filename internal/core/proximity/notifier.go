package proximity

import (
	"log/slog"
	"sync"

	"github.com/samirrijal/proximity/internal/core/domain"
)

// Listener receives engine lifecycle events. Listeners run on the notifier
// goroutine and should not block for long.
type Listener = func(domain.ProximityEvent)

// notifier delivers events to listeners in the order they were queued.
// Queueing never blocks, so the engine can emit while holding its lock.
type notifier struct {
	log *slog.Logger

	mu        sync.Mutex
	queue     []domain.ProximityEvent
	listeners map[int]Listener
	nextID    int
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier(log *slog.Logger) *notifier {
	n := &notifier{
		log:       log,
		listeners: make(map[int]Listener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(fn Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) push(ev domain.ProximityEvent) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, ev)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close flushes queued events and stops the dispatcher.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := n.queue[0]
			n.queue[0] = domain.ProximityEvent{}
			n.queue = n.queue[1:]
			listeners := make([]Listener, 0, len(n.listeners))
			for _, fn := range n.listeners {
				listeners = append(listeners, fn)
			}
			n.mu.Unlock()

			for _, fn := range listeners {
				n.deliver(fn, ev)
			}
		}
	}
}

func (n *notifier) deliver(fn Listener, ev domain.ProximityEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("proximity listener panicked", "kind", ev.Kind, "generation", ev.Generation, "panic", r)
		}
	}()
	fn(ev)
}
