package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"axiom/internal/bus"
	"axiom/internal/failure"
	"axiom/internal/registry"
	"axiom/internal/spawn"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type string `json:"type"`
	// ID is echoed back on the reply so clients can match requests.
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates a server message answering req.
func Reply(req *Message, msgType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	if req != nil {
		msg.ID = req.ID
	}
	return msg, nil
}

// Server → Client message types.
const (
	TypeTaskSpawned = "task.spawned"
	TypeTaskStatus  = "task.status"
	TypeTaskOutput  = "task.output"
	TypeEvent       = "event"
	TypeAck         = "ack"
	TypeError       = "error"
)

// Client → Server message types. task.status and task.output are used in
// both directions.
const (
	TypeTaskSpawn     = "task.spawn"
	TypeTaskInterrupt = "task.interrupt"
	TypeTaskSend      = "task.send"
	TypeTaskKill      = "task.kill"
)

// ErrInvalidMessage is the wire code for malformed client messages. All
// other wire codes are the engine's failure codes.
const ErrInvalidMessage = "INVALID_MESSAGE"

// Server → Client payloads.

type TaskSpawnedPayload struct {
	TaskID string `json:"taskId"`
}

type TaskStatusPayload struct {
	Records []registry.StatusRecord `json:"records"`
}

type TaskOutputPayload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	Next int64  `json:"next"`
}

type EventPayload = bus.Event

type AckPayload struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

type ErrorPayload struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Client → Server payloads.

type TaskSpawnPayload struct {
	spawn.Request
}

type TaskStatusRequest struct {
	// ID names a task or session; empty lists every task.
	ID string `json:"id"`
}

type TaskOutputRequest struct {
	ID   string `json:"id"`
	From int64  `json:"from"`
}

type TaskSendPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type TaskIDPayload struct {
	ID string `json:"id"`
}

// ErrorFromFailure converts an engine error into a wire error payload.
// Errors outside the taxonomy are reported as STATE_ERROR.
func ErrorFromFailure(err error) ErrorPayload {
	fe, ok := failure.As(err)
	if !ok {
		return ErrorPayload{Code: string(failure.CodeState), Message: err.Error()}
	}
	p := ErrorPayload{Code: string(fe.Code), Message: fe.Message}
	if len(fe.Details) > 0 {
		p.Details = make(map[string]string, len(fe.Details))
		for k := range fe.Details {
			p.Details[k] = fe.Detail(k)
		}
	}
	return p
}
