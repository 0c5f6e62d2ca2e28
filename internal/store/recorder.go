package store

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/logging"
)

// Recorder copies bus events into an Appender. Observe only queues, so a
// slow disk never holds up the bus; Run does the writing.
type Recorder struct {
	app Appender
	log *logrus.Entry

	mu     sync.Mutex
	queue  []Entry
	wake   chan struct{}
	failed int64
}

// NewRecorder creates a recorder writing to app.
func NewRecorder(app Appender) *Recorder {
	return &Recorder{
		app:  app,
		log:  logging.NewLogger("store"),
		wake: make(chan struct{}, 1),
	}
}

// Observe queues an event. Events without a task are not recorded.
func (r *Recorder) Observe(e bus.Event) {
	if e.TaskID == "" {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, EntryFromEvent(e))
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return
		case <-r.wake:
			r.Flush()
		}
	}
}

// Flush writes everything queued so far.
func (r *Recorder) Flush() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, e := range batch {
		if err := r.app.Append(e.TaskID, e); err != nil {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			r.log.WithError(err).WithField("task", e.TaskID).Warn("Failed to record event")
		}
	}
}

// Failed returns the number of entries that could not be written.
func (r *Recorder) Failed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
