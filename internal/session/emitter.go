package session

import (
	"sync"

	"axiom/internal/bus"
)

// emitter publishes a session's events from one goroutine, in the order
// they were emitted. Emitting never blocks the caller, so bus handlers are
// free to call back into the controller.
type emitter struct {
	pub bus.Publisher

	mu     sync.Mutex
	queue  []bus.Event
	closed bool

	wake     chan struct{}
	finished chan struct{}
}

func newEmitter(pub bus.Publisher) *emitter {
	e := &emitter{
		pub:      pub,
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) emit(ev bus.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.signal()
}

// close stops accepting events; queued events are still delivered.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.finished)
	for range e.wake {
		for {
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			closed := e.closed
			e.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, ev := range batch {
				if e.pub != nil {
					e.pub.Publish(ev)
				}
			}
		}
	}
}
