package timer

import (
	"bytes"
	"sync"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
)

// Options controls behaviour that differs between the local and remote pause paths.
type Options struct {
	// CaptureExternalPause records SecsRemaining when a pause arrives from
	// the broker. The button path always captures it.
	CaptureExternalPause bool
}

// Machine is the pomodoro state machine. All methods are safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	clock clock.Clock
	opts  Options

	state         State
	counting      bool // a countdown owns the display; cleared on pause notice or completion
	endTime       time.Time
	duration      int
	pauseTime     time.Time
	secsRemaining int
	hasRemaining  bool
}

// New creates an idle Machine.
func New(clk clock.Clock, opts Options) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{
		clock: clk,
		opts:  opts,
		state: StateIdle,
	}
}

// HandleMessage parses an inbound payload and applies it. An empty payload is
// ignored. A malformed payload returns *MessageFormatError and leaves the
// state untouched.
func (m *Machine) HandleMessage(payload []byte) (Transition, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return Transition{From: m.state, To: m.state, Ignored: true}, nil
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		return Transition{}, err
	}
	return m.Apply(*cmd), nil
}

// Apply applies a validated command.
func (m *Machine) Apply(cmd Command) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	from := m.state

	switch cmd.Status {
	case StateActive:
		// A new active command always restarts the countdown.
		m.state = StateActive
		m.counting = true
		m.duration = *cmd.Duration
		m.endTime = now.Add(time.Duration(m.duration) * time.Minute)
		m.pauseTime = time.Time{}
		m.secsRemaining = 0
		m.hasRemaining = false
		return Transition{From: from, To: m.state, Started: true}

	case StatePaused:
		if m.opts.CaptureExternalPause && m.counting && from == StateActive {
			m.captureRemainingLocked(now)
		}
		// counting is left set; the next Tick reports the pause.
		m.state = StatePaused
	}

	return Transition{From: from, To: m.state}
}

// Press handles one qualifying button press.
func (m *Machine) Press() PressResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.counting {
		return PressResult{Notice: NoticePrompt}
	}

	now := m.clock.Now()
	m.captureRemainingLocked(now)
	m.state = StatePaused
	m.counting = false

	return PressResult{
		Pause: &PauseEvent{
			State:         StatePaused,
			PauseTime:     m.pauseTime,
			SecsRemaining: m.secsRemaining,
		},
		Beep: true,
	}
}

// Tick advances time-based transitions.
func (m *Machine) Tick() TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.counting {
		return TickResult{}
	}

	switch m.state {
	case StateActive:
		if m.clock.Now().Before(m.endTime) {
			return TickResult{}
		}
		m.state = StateComplete
		m.counting = false
		return TickResult{Notice: NoticeComplete, Beep: true, Completed: true}

	case StatePaused:
		// Paused from the broker while counting down.
		m.counting = false
		return TickResult{Notice: NoticePaused, Beep: true}
	}

	return TickResult{}
}

// Remaining returns the minutes and seconds left on an active countdown.
func (m *Machine) Remaining() (minutes, seconds int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.counting || m.state != StateActive {
		return 0, 0, false
	}

	left := int(m.endTime.Sub(m.clock.Now()) / time.Second)
	if left <= 0 {
		return 0, 0, false
	}
	return left / 60, left % 60, true
}

// IsCountingDown reports whether an active countdown owns the display.
func (m *Machine) IsCountingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counting && m.state == StateActive
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		State:           m.state,
		Counting:        m.counting,
		EndTime:         m.endTime,
		DurationMinutes: m.duration,
		PauseTime:       m.pauseTime,
		SecsRemaining:   m.secsRemaining,
		HasRemaining:    m.hasRemaining,
	}
}

func (m *Machine) captureRemainingLocked(now time.Time) {
	left := int(m.endTime.Sub(now) / time.Second)
	if left < 0 {
		left = 0
	}
	m.pauseTime = now
	m.secsRemaining = left
	m.hasRemaining = true
}
