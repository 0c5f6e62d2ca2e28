// Package registry keeps the status projection of every task and session.
// It is written only from bus events and read through immutable snapshots,
// so queries never wait on producers.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"axiom/internal/bus"
	"axiom/internal/failure"
)

// StatusRecord is the status of one session, or of a task with no
// sessions yet.
type StatusRecord struct {
	TaskID       string          `json:"taskId"`
	ParentID     string          `json:"parentId,omitempty"`
	Pattern      string          `json:"pattern,omitempty"`
	TaskState    string          `json:"taskState"`
	SessionID    string          `json:"sessionId,omitempty"`
	State        string          `json:"state,omitempty"`
	Bytes        int64           `json:"bytes"`
	LastActivity time.Time       `json:"lastActivity"`
	Age          time.Duration   `json:"age"`
	Stalled      bool            `json:"stalled"`
	Exit         *bus.ExitResult `json:"exit,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type taskEntry struct {
	id       string
	parent   string
	pattern  string
	state    string
	created  time.Time
	updated  time.Time
	sessions []string
}

type sessionEntry struct {
	id      string
	task    string
	state   string
	bytes   int64
	last    time.Time
	stalled bool
	exit    *bus.ExitResult
	reason  string
}

type snapshot struct {
	order    []string
	tasks    map[string]*taskEntry
	sessions map[string]*sessionEntry
}

// clone copies the maps; entries are copied by the writer before being
// changed, so shared pointers are never mutated.
func (s *snapshot) clone() *snapshot {
	n := &snapshot{
		order:    s.order,
		tasks:    make(map[string]*taskEntry, len(s.tasks)+1),
		sessions: make(map[string]*sessionEntry, len(s.sessions)+1),
	}
	for k, v := range s.tasks {
		n.tasks[k] = v
	}
	for k, v := range s.sessions {
		n.sessions[k] = v
	}
	return n
}

// Registry is the status projection. Apply is its only writer.
type Registry struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	r.current.Store(&snapshot{
		tasks:    make(map[string]*taskEntry),
		sessions: make(map[string]*sessionEntry),
	})
	return r
}

// Apply folds one event into the projection. It is meant to be registered
// as a bus handler.
func (r *Registry) Apply(e bus.Event) {
	if e.Type == bus.EventIntervention || e.Type == bus.EventSessionSignal {
		return
	}
	at := e.Time
	if at.IsZero() {
		at = r.now()
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	switch e.Type {
	case bus.EventTaskCreated:
		t := next.task(e.TaskID, at)
		t.parent = e.ParentID
		t.pattern = e.Detail
		t.state = e.State
		t.updated = at
	case bus.EventTaskState:
		t := next.task(e.TaskID, at)
		t.state = e.State
		t.updated = at
	case bus.EventSessionStarted:
		s := next.session(e, at)
		s.state = e.State
		s.last = at
	default:
		// A session that never started (launch failure, killed before
		// launch) is first seen here.
		if e.SessionID == "" {
			return
		}
		if _, ok := next.sessions[e.SessionID]; !ok && e.TaskID == "" {
			return
		}
		c := next.session(e, at)
		switch e.Type {
		case bus.EventSessionOutput:
			c.bytes = e.Offset
			c.last = at
			c.stalled = false
		case bus.EventSessionState:
			c.state = e.State
			c.stalled = e.State == "stalled"
			if !c.stalled {
				c.last = at
			}
		case bus.EventSessionStalled:
			c.stalled = true
		case bus.EventSessionExited:
			c.state = e.State
			c.exit = e.Exit
			c.reason = e.Detail
			c.stalled = false
			if e.Offset > c.bytes {
				c.bytes = e.Offset
			}
		default:
			return
		}
	}
	r.current.Store(next)
}

// session returns a private copy of the session entry, creating it and
// attaching it to its task if needed.
func (s *snapshot) session(e bus.Event, at time.Time) *sessionEntry {
	entry, ok := s.sessions[e.SessionID]
	if !ok {
		t := s.task(e.TaskID, at)
		t.sessions = append(append([]string(nil), t.sessions...), e.SessionID)
		entry = &sessionEntry{id: e.SessionID, task: e.TaskID, last: at}
	}
	c := *entry
	s.sessions[e.SessionID] = &c
	return &c
}

// task returns a private copy of the task entry, creating it if needed.
func (s *snapshot) task(id string, at time.Time) *taskEntry {
	t, ok := s.tasks[id]
	if !ok {
		s.order = append(append([]string(nil), s.order...), id)
		t = &taskEntry{id: id, created: at}
	}
	c := *t
	s.tasks[id] = &c
	return &c
}

// Status returns records for everything (id == ""), for a task (one per
// session), or for a single session.
func (r *Registry) Status(id string) ([]StatusRecord, error) {
	snap := r.current.Load()
	now := r.now()

	if id == "" {
		out := make([]StatusRecord, 0, len(snap.order))
		for _, tid := range snap.order {
			out = append(out, snap.taskRecord(snap.tasks[tid], now))
		}
		return out, nil
	}
	if t, ok := snap.tasks[id]; ok {
		if len(t.sessions) == 0 {
			return []StatusRecord{snap.taskRecord(t, now)}, nil
		}
		out := make([]StatusRecord, 0, len(t.sessions))
		for _, sid := range t.sessions {
			out = append(out, snap.sessionRecord(snap.sessions[sid], now))
		}
		return out, nil
	}
	if s, ok := snap.sessions[id]; ok {
		return []StatusRecord{snap.sessionRecord(s, now)}, nil
	}
	return nil, failure.Newf(failure.CodeNotFound, "no task or session %s", id)
}

// Session returns the record of one session.
func (r *Registry) Session(id string) (StatusRecord, bool) {
	snap := r.current.Load()
	s, ok := snap.sessions[id]
	if !ok {
		return StatusRecord{}, false
	}
	return snap.sessionRecord(s, r.now()), true
}

// Len returns the number of tasks known.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

func (s *snapshot) sessionRecord(e *sessionEntry, now time.Time) StatusRecord {
	rec := StatusRecord{
		TaskID:       e.task,
		SessionID:    e.id,
		State:        e.state,
		Bytes:        e.bytes,
		LastActivity: e.last,
		Age:          now.Sub(e.last),
		Stalled:      e.stalled,
		Exit:         e.exit,
		Reason:       e.reason,
	}
	if t, ok := s.tasks[e.task]; ok {
		rec.ParentID = t.parent
		rec.Pattern = t.pattern
		rec.TaskState = t.state
	}
	return rec
}

// taskRecord summarizes a task. A task with one session carries that
// session's fields; otherwise bytes are summed and activity is the latest
// of its sessions.
func (s *snapshot) taskRecord(t *taskEntry, now time.Time) StatusRecord {
	if len(t.sessions) == 1 {
		if e, ok := s.sessions[t.sessions[0]]; ok {
			return s.sessionRecord(e, now)
		}
	}
	rec := StatusRecord{
		TaskID:       t.id,
		ParentID:     t.parent,
		Pattern:      t.pattern,
		TaskState:    t.state,
		LastActivity: t.updated,
	}
	for _, sid := range t.sessions {
		e, ok := s.sessions[sid]
		if !ok {
			continue
		}
		rec.Bytes += e.bytes
		rec.Stalled = rec.Stalled || e.stalled
		if e.last.After(rec.LastActivity) {
			rec.LastActivity = e.last
		}
	}
	rec.Age = now.Sub(rec.LastActivity)
	return rec
}
