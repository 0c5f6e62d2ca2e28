package session

import (
	"time"

	"axiom/internal/bus"
	"axiom/internal/classifier"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateIdle      State = "idle"
	StateStalled   State = "stalled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}

// AcceptsInput reports whether a write can be applied immediately in s.
func (s State) AcceptsInput() bool {
	return s == StateReady || s == StateIdle
}

// kind maps a session state onto the classifier's vocabulary.
func (s State) kind() classifier.Kind {
	switch s {
	case StateStarting:
		return classifier.KindStarting
	case StateReady:
		return classifier.KindReady
	case StateBusy, StateStalled:
		return classifier.KindBusy
	case StateIdle:
		return classifier.KindIdle
	default:
		return classifier.KindTerminated
	}
}

// ExitResult is the exit status of the managed process.
type ExitResult = bus.ExitResult

// BusyPolicy decides what happens to a write that arrives while the session
// cannot accept input.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

// Reasons attached to STATE_ERROR rejections under the "reason" detail.
const (
	ReasonDead = "dead"
	ReasonBusy = "busy"
)

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID           string      `json:"id"`
	TaskID       string      `json:"taskId"`
	State        State       `json:"state"`
	Command      string      `json:"command"`
	Args         []string    `json:"args,omitempty"`
	WorkDir      string      `json:"workDir"`
	PID          int         `json:"pid,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Bytes        int64       `json:"bytes"`
	Pending      int         `json:"pending"`
	Exit         *ExitResult `json:"exit,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}
