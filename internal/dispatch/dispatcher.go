// Package dispatch serializes externally requested interventions (send,
// interrupt, kill) per session and keeps an audit trail of them.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/failure"
	"axiom/internal/logging"
	"axiom/internal/session"
)

const defaultAuditCap = 128

// Kind is the kind of intervention.
type Kind string

const (
	KindSend      Kind = "send"
	KindInterrupt Kind = "interrupt"
	KindKill      Kind = "kill"
)

// Outcome records what happened to a command.
type Outcome string

const (
	// OutcomeAccepted means the command was held for later delivery.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeApplied means the command was forwarded to the session.
	OutcomeApplied       Outcome = "applied"
	OutcomeRejectedState Outcome = "rejected-state"
	OutcomeRejectedDead  Outcome = "rejected-dead"
	// OutcomeRejectedUnknown means no session has the requested id.
	OutcomeRejectedUnknown Outcome = "rejected-unknown"
)

// Command is one intervention request and its result.
type Command struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Kind        Kind      `json:"kind"`
	Payload     string    `json:"payload,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

// Target is the part of a session controller the dispatcher drives.
type Target interface {
	ID() string
	TaskID() string
	State() session.State
	Write(text string) (queued bool, err error)
	Interrupt() error
	Kill() error
}

// Lookup resolves a session id to its controller.
type Lookup func(sessionID string) (Target, bool)

// Dispatcher is the single writer for every session. Concurrent requests
// for the same session are applied one at a time, in arrival order.
type Dispatcher struct {
	lookup   Lookup
	pub      bus.Publisher
	log      *logrus.Entry
	auditCap int

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	audits map[string]*RingBuffer[Command]
}

// New creates a dispatcher. auditCap <= 0 uses the default audit size.
func New(lookup Lookup, pub bus.Publisher, auditCap int) *Dispatcher {
	if auditCap <= 0 {
		auditCap = defaultAuditCap
	}
	return &Dispatcher{
		lookup:   lookup,
		pub:      pub,
		log:      logging.NewLogger("dispatch"),
		auditCap: auditCap,
		locks:    make(map[string]*sync.Mutex),
		audits:   make(map[string]*RingBuffer[Command]),
	}
}

// Send injects text into the session.
func (d *Dispatcher) Send(sessionID, text string) (Command, error) {
	return d.dispatch(sessionID, KindSend, text, func(t Target) (Outcome, error) {
		queued, err := t.Write(text)
		if err != nil {
			return rejection(err), err
		}
		if queued {
			return OutcomeAccepted, nil
		}
		return OutcomeApplied, nil
	})
}

// Interrupt asks the session to cancel its current turn. Interrupting a
// session that is not busy succeeds without effect.
func (d *Dispatcher) Interrupt(sessionID string) (Command, error) {
	return d.dispatch(sessionID, KindInterrupt, "", func(t Target) (Outcome, error) {
		if err := t.Interrupt(); err != nil {
			return OutcomeRejectedState, failure.Wrap(err, failure.CodeState, "interrupt failed")
		}
		return OutcomeApplied, nil
	})
}

// Kill terminates the session. Killing a terminated session succeeds.
func (d *Dispatcher) Kill(sessionID string) (Command, error) {
	return d.dispatch(sessionID, KindKill, "", func(t Target) (Outcome, error) {
		if err := t.Kill(); err != nil {
			return OutcomeRejectedState, failure.Wrap(err, failure.CodeState, "kill failed")
		}
		return OutcomeApplied, nil
	})
}

// Audit returns the recorded commands for a session, oldest first.
func (d *Dispatcher) Audit(sessionID string) []Command {
	d.mu.Lock()
	rb, ok := d.audits[sessionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return rb.ReadAll()
}

func (d *Dispatcher) dispatch(sessionID string, kind Kind, payload string, apply func(Target) (Outcome, error)) (Command, error) {
	cmd := Command{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Kind:        kind,
		Payload:     payload,
		RequestedAt: time.Now().UTC(),
	}

	target, ok := d.lookup(sessionID)
	if !ok {
		cmd.Outcome = OutcomeRejectedUnknown
		cmd.Reason = "unknown session"
		err := failure.Newf(failure.CodeNotFound, "session %s not found", sessionID).
			WithDetail("outcome", string(cmd.Outcome))
		d.record(cmd, "")
		return cmd, err
	}

	lock := d.lockFor(sessionID)
	lock.Lock()
	outcome, err := apply(target)
	lock.Unlock()

	cmd.Outcome = outcome
	if err != nil {
		cmd.Reason = err.Error()
		if fe, ok := failure.As(err); ok {
			err = fe.WithDetail("outcome", string(outcome))
		}
	}
	d.record(cmd, target.TaskID())
	return cmd, err
}

func (d *Dispatcher) lockFor(sessionID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[sessionID] = l
	}
	return l
}

func (d *Dispatcher) record(cmd Command, taskID string) {
	d.mu.Lock()
	rb, ok := d.audits[cmd.SessionID]
	if !ok {
		rb = NewRingBuffer[Command](d.auditCap)
		d.audits[cmd.SessionID] = rb
	}
	d.mu.Unlock()
	rb.Write(cmd)

	entry := d.log.WithFields(logrus.Fields{
		"session": cmd.SessionID,
		"kind":    cmd.Kind,
		"outcome": cmd.Outcome,
	})
	if cmd.Reason != "" {
		entry = entry.WithField("reason", cmd.Reason)
	}
	entry.Debug("Intervention")

	if d.pub != nil {
		d.pub.Publish(bus.Event{
			Type:      bus.EventIntervention,
			TaskID:    taskID,
			SessionID: cmd.SessionID,
			Detail:    string(cmd.Kind) + " " + string(cmd.Outcome),
		})
	}
}

// rejection maps a controller write error onto an outcome.
func rejection(err error) Outcome {
	fe, ok := failure.As(err)
	if !ok {
		return OutcomeRejectedState
	}
	if fe.Code == failure.CodeState && fe.Detail("reason") == session.ReasonDead {
		return OutcomeRejectedDead
	}
	return OutcomeRejectedState
}
