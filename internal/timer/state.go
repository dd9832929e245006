package timer

import "time"

// State represents the current pomodoro mode.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateComplete State = "complete"
)

// Notice is a transient message the controller should put on the display.
type Notice string

const (
	NoticeNone     Notice = ""
	NoticePrompt   Notice = "prompt"
	NoticePaused   Notice = "paused"
	NoticeComplete Notice = "complete"
)

// PauseEvent is the telemetry published when the button pauses a countdown.
type PauseEvent struct {
	State         State     `json:"state"`
	PauseTime     time.Time `json:"pause_time"`
	SecsRemaining int       `json:"secs_remaining"`
}

// Transition describes the effect of an inbound command.
type Transition struct {
	From    State
	To      State
	Started bool // a new countdown began
	Ignored bool // empty payload, nothing applied
}

// PressResult describes the effect of a button press.
type PressResult struct {
	Pause  *PauseEvent
	Notice Notice
	Beep   bool
}

// TickResult describes the effect of one control loop tick.
type TickResult struct {
	Notice    Notice
	Beep      bool
	Completed bool
}

// Snapshot is a copy of the machine state for display and metrics.
type Snapshot struct {
	State           State
	Counting        bool
	EndTime         time.Time
	DurationMinutes int
	PauseTime       time.Time
	SecsRemaining   int
	HasRemaining    bool
}
