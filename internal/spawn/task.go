package spawn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"axiom/internal/session"
)

// TaskState is the aggregate state of a task.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskRunning        TaskState = "running"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskPartialFailure TaskState = "partial_failure"
	TaskKilled         TaskState = "killed"
)

// Terminal reports whether s is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskPartialFailure, TaskKilled:
		return true
	}
	return false
}

// fromSession maps a terminal session state onto a child result.
func fromSession(s session.State) TaskState {
	switch s {
	case session.StateCompleted:
		return TaskCompleted
	case session.StateKilled:
		return TaskKilled
	default:
		return TaskFailed
	}
}

// Aggregate combines child results. Killed children count as failed; a
// partial child counts as neither completed nor failed.
func Aggregate(pattern Pattern, results []TaskState) TaskState {
	if len(results) == 0 {
		return TaskCompleted
	}
	var completed, failed int
	for _, r := range results {
		switch r {
		case TaskCompleted:
			completed++
		case TaskFailed, TaskKilled:
			failed++
		}
	}
	switch {
	case completed == len(results):
		return TaskCompleted
	case pattern == PatternSequential:
		return TaskFailed
	case failed == len(results):
		return TaskFailed
	default:
		return TaskPartialFailure
	}
}

// Task is a unit of work fanned out into sessions, or into subtasks for a
// decomposed task.
type Task struct {
	ID          string
	ParentID    string
	Pattern     Pattern
	Parallelism int
	Prompts     []string
	CreatedAt   time.Time

	parent *Task
	req    *Request
	// sem bounds the live leaf sessions of the whole task tree.
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	output *session.Buffer
	done   chan struct{}

	mu         sync.Mutex
	state      TaskState
	killed     bool
	sessions   []*session.Controller
	subtasks   []*Task
	finishedAt time.Time
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"`
	Pattern     Pattern   `json:"pattern"`
	Parallelism int       `json:"parallelism"`
	State       TaskState `json:"state"`
	Sessions    []string  `json:"sessions"`
	Subtasks    []string  `json:"subtasks,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// State returns the aggregate state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Sessions returns the task's own child sessions in start order.
func (t *Task) Sessions() []*session.Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*session.Controller(nil), t.sessions...)
}

// Subtasks returns the subtasks of a decomposed task.
func (t *Task) Subtasks() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.subtasks...)
}

// Output returns the task's combined output: chunks of every session in the
// task tree, in arrival order.
func (t *Task) Output(from int64) ([]byte, int64) {
	return t.output.Read(from)
}

// Info returns a snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:          t.ID,
		ParentID:    t.ParentID,
		Pattern:     t.Pattern,
		Parallelism: t.Parallelism,
		State:       t.state,
		Sessions:    make([]string, 0, len(t.sessions)),
		CreatedAt:   t.CreatedAt,
		FinishedAt:  t.finishedAt,
	}
	for _, s := range t.sessions {
		info.Sessions = append(info.Sessions, s.ID())
	}
	for _, st := range t.subtasks {
		info.Subtasks = append(info.Subtasks, st.ID)
	}
	return info
}

// Live returns every non-terminal session in the task tree.
func (t *Task) Live() []*session.Controller {
	var out []*session.Controller
	for _, s := range t.Sessions() {
		if !s.State().Terminal() {
			out = append(out, s)
		}
	}
	for _, st := range t.Subtasks() {
		out = append(out, st.Live()...)
	}
	return out
}

func (t *Task) isKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// markKilled flags the task and its subtasks as killed.
func (t *Task) markKilled() {
	t.mu.Lock()
	t.killed = true
	subtasks := t.subtasks
	t.mu.Unlock()
	for _, st := range subtasks {
		st.markKilled()
	}
}
