// Package store persists an append-only log of task and session lifecycle
// transitions and output, one JSONL file per task.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"axiom/internal/bus"
)

// Entry is one line of a task log.
type Entry struct {
	Time      time.Time       `json:"time"`
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId"`
	ParentID  string          `json:"parentId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	State     string          `json:"state,omitempty"`
	Signal    string          `json:"signal,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Output    string          `json:"output,omitempty"`
	Offset    int64           `json:"offset,omitempty"`
	Exit      *bus.ExitResult `json:"exit,omitempty"`
}

// EntryFromEvent converts a bus event into a log entry.
func EntryFromEvent(e bus.Event) Entry {
	return Entry{
		Time:      e.Time,
		Type:      string(e.Type),
		TaskID:    e.TaskID,
		ParentID:  e.ParentID,
		SessionID: e.SessionID,
		State:     e.State,
		Signal:    e.Signal,
		Detail:    e.Detail,
		Output:    string(e.Data),
		Offset:    e.Offset,
		Exit:      e.Exit,
	}
}

// Appender is the narrow write-only interface the engine persists through.
type Appender interface {
	Append(taskID string, e Entry) error
}

// FileStore appends entries to <dir>/<taskID>.jsonl. Writers in other
// processes are excluded with a lock file next to each log.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the log file of a task.
func (s *FileStore) Path(taskID string) string {
	return filepath.Join(s.dir, taskID+".jsonl")
}

// Append writes one entry as a JSON line.
func (s *FileStore) Append(taskID string, e Entry) error {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	path := s.Path(taskID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}
