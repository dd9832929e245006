package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind represents what happened to a pomodoro.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventPaused    EventKind = "paused"
	EventCompleted EventKind = "completed"
)

// ParseEventKind normalizes and validates a kind name.
func ParseEventKind(s string) (EventKind, error) {
	kind := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case EventStarted, EventPaused, EventCompleted:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid event kind: %s (must be started, paused or completed)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the kind to lowercase.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Source identifies what triggered an event.
type Source string

const (
	SourceBroker Source = "broker"
	SourceButton Source = "button"
	SourceTimer  Source = "timer"
)

// Record is one entry in the pomodoro history.
type Record struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	At              time.Time `json:"at"`
	Source          Source    `json:"source"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	SecsRemaining   int       `json:"secs_remaining,omitempty"`
}
