package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageFormatError reports an inbound payload that could not be applied.
type MessageFormatError struct {
	Payload string
	Err     error
}

func (e *MessageFormatError) Error() string {
	return fmt.Sprintf("malformed message %q: %v", e.Payload, e.Err)
}

func (e *MessageFormatError) Unwrap() error {
	return e.Err
}

// MaxDurationMinutes bounds an active command's duration to one day.
const MaxDurationMinutes = 24 * 60

// Command is an instruction received on the config or commands topic.
type Command struct {
	Status   State `json:"status"`
	Duration *int  `json:"duration,omitempty"` // minutes, required for active
}

// ParseCommand decodes and validates an inbound payload.
func ParseCommand(payload []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, &MessageFormatError{Payload: string(payload), Err: err}
	}

	cmd.Status = State(strings.ToLower(string(cmd.Status)))

	switch cmd.Status {
	case StateActive:
		if cmd.Duration == nil {
			return nil, &MessageFormatError{Payload: string(payload), Err: errors.New("duration is required when status is active")}
		}
		if *cmd.Duration <= 0 {
			return nil, &MessageFormatError{Payload: string(payload), Err: fmt.Errorf("duration must be positive, got %d", *cmd.Duration)}
		}
		if *cmd.Duration > MaxDurationMinutes {
			return nil, &MessageFormatError{Payload: string(payload), Err: fmt.Errorf("duration %d exceeds %d minutes", *cmd.Duration, MaxDurationMinutes)}
		}
	case StatePaused:
	case "":
		return nil, &MessageFormatError{Payload: string(payload), Err: errors.New("missing status field")}
	default:
		return nil, &MessageFormatError{Payload: string(payload), Err: fmt.Errorf("unknown status %q", cmd.Status)}
	}

	return &cmd, nil
}
