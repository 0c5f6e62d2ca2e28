// Package heartbeat watches session activity and flags sessions that stay
// busy without producing output.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/failure"
	"axiom/internal/logging"
)

const minPollInterval = 10 * time.Millisecond

type tracked struct {
	taskID  string
	last    time.Time
	busy    bool
	stalled bool
}

// Monitor keeps the last-activity time of every live session. Feed it with
// Observe (usually as a bus handler) and drive it with Run or Check.
type Monitor struct {
	threshold time.Duration
	pub       bus.Publisher
	log       *logrus.Entry
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*tracked
}

// New creates a monitor that publishes session.stalled events to pub.
func New(threshold time.Duration, pub bus.Publisher) *Monitor {
	return &Monitor{
		threshold: threshold,
		pub:       pub,
		log:       logging.NewLogger("heartbeat"),
		now:       time.Now,
		sessions:  make(map[string]*tracked),
	}
}

// Observe updates activity from a bus event.
func (m *Monitor) Observe(e bus.Event) {
	if e.SessionID == "" {
		return
	}
	at := e.Time
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Type {
	case bus.EventSessionStarted:
		m.sessions[e.SessionID] = &tracked{taskID: e.TaskID, last: at}
	case bus.EventSessionOutput:
		if t, ok := m.sessions[e.SessionID]; ok {
			t.last = at
			t.stalled = false
		}
	case bus.EventSessionState:
		t, ok := m.sessions[e.SessionID]
		if !ok {
			return
		}
		// The controller echoes our own stall back as a state change.
		if e.State == "stalled" {
			return
		}
		t.busy = e.State == "busy"
		t.last = at
		t.stalled = false
	case bus.EventSessionExited:
		delete(m.sessions, e.SessionID)
	}
}

// Check publishes one stalled event for every busy session whose last
// activity is older than the threshold and that is not already flagged.
// It returns the ids it flagged.
func (m *Monitor) Check(now time.Time) []string {
	var events []bus.Event

	m.mu.Lock()
	for id, t := range m.sessions {
		if !t.busy || t.stalled || now.Sub(t.last) <= m.threshold {
			continue
		}
		t.stalled = true
		idle := now.Sub(t.last).Round(time.Millisecond)
		events = append(events, bus.Event{
			Type:      bus.EventSessionStalled,
			TaskID:    t.taskID,
			SessionID: id,
			State:     "stalled",
			Detail:    failure.Newf(failure.CodeStall, "no activity for %s", idle).Error(),
		})
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(events))
	for _, e := range events {
		m.log.WithFields(logrus.Fields{"session": e.SessionID, "task": e.TaskID}).Warn("Session stalled")
		if m.pub != nil {
			m.pub.Publish(e)
		}
		ids = append(ids, e.SessionID)
	}
	return ids
}

// Tracked returns the number of live sessions being watched.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.threshold / 4
	if interval < minPollInterval {
		interval = minPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}
