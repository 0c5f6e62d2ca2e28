// Package bus provides the in-process publish/subscribe channel that carries
// session and task lifecycle events from the session controllers to the
// status registry, the heartbeat monitor, the recorder and external
// subscribers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the type of event.
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventSessionState   EventType = "session.state"
	EventSessionOutput  EventType = "session.output"
	EventSessionSignal  EventType = "session.signal"
	EventSessionStalled EventType = "session.stalled"
	EventSessionExited  EventType = "session.exited"
	EventTaskCreated    EventType = "task.created"
	EventTaskState      EventType = "task.state"
	EventIntervention   EventType = "intervention"
)

// ExitResult is the exit status of a managed process. Code is -1 when the
// process was terminated by a signal.
type ExitResult struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Event is a single lifecycle or output event.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	// State is the session or task state after the event.
	State string `json:"state,omitempty"`
	// Signal is the classifier signal kind for session.signal events.
	Signal string `json:"signal,omitempty"`
	// Detail carries a short free-form annotation: the command line on
	// session.started, the pattern on task.created, "kind outcome" on
	// intervention, the failure reason on session.exited.
	Detail string      `json:"detail,omitempty"`
	Data   []byte      `json:"data,omitempty"`
	Offset int64       `json:"offset"`
	Exit   *ExitResult `json:"exit,omitempty"`
	Time   time.Time   `json:"time"`
}

// Handler is invoked synchronously, in registration order, for every
// published event. Handlers must not block for long; they run on the
// publisher's goroutine, which is what keeps per-session ordering intact.
type Handler func(Event)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(Event)
}

const subscriberBufCap = 256

// Bus is the event bus. Synchronous handlers are never skipped; channel
// subscribers are best-effort and lose events when their buffer is full.
type Bus struct {
	handlers atomic.Pointer[[]Handler]
	handleMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	dropped     atomic.Int64
}

// New creates a new event bus.
func New() *Bus {
	b := &Bus{subscribers: make(map[string]chan Event)}
	empty := []Handler{}
	b.handlers.Store(&empty)
	return b
}

// Handle registers a synchronous handler.
func (b *Bus) Handle(h Handler) {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	cur := *b.handlers.Load()
	next := make([]Handler, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	b.handlers.Store(&next)
}

// Subscribe creates a buffered subscription. The returned unsubscribe
// function must be called to release it.
func (b *Bus) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := uuid.New().String()
	ch := make(chan Event, subscriberBufCap)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish delivers e to every handler and then to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, h := range *b.handlers.Load() {
		h(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many subscriber deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the current number of channel subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
