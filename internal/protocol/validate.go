package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeTaskSpawn:     true,
	TypeTaskStatus:    true,
	TypeTaskOutput:    true,
	TypeTaskInterrupt: true,
	TypeTaskSend:      true,
	TypeTaskKill:      true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error. Only the shape of
// the payload is checked; spawn requests are validated by the engine.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeTaskSpawn:
		var p TaskSpawnPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if p.Command == "" {
			return nil, missing("command", msg.Type)
		}

	case TypeTaskStatus:
		var p TaskStatusRequest
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}

	case TypeTaskOutput:
		var p TaskOutputRequest
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, missing("id", msg.Type)
		}
		if p.From < 0 {
			return nil, fmt.Errorf("field 'from' in %s payload must not be negative", msg.Type)
		}

	case TypeTaskSend:
		var p TaskSendPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, missing("id", msg.Type)
		}

	case TypeTaskInterrupt, TypeTaskKill:
		var p TaskIDPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, missing("id", msg.Type)
		}
	}

	return &msg, nil
}

func decode(msg *Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
