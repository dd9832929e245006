// Package device defines the hardware collaborators of the controller: the
// character display, the buzzer and the push-button. Implementations are
// expected to be thin; errors are reported as *HardwareIOError and treated as
// non-fatal by the caller.
package device

import (
	"fmt"
	"strings"
	"time"
)

// Display is a character display with a switchable backlight.
type Display interface {
	Show(text string) error
	Clear() error
	SetBacklight(on bool) error
}

// Indicator is a buzzer or similar alert output.
type Indicator interface {
	// Beep plays n on/off cycles without blocking the caller.
	Beep(on, off time.Duration, n int) error
	// Off silences any pattern in progress.
	Off() error
}

// Button is a momentary push-button.
type Button interface {
	IsPressed() (bool, error)
	// HoldTime is the long-hold threshold; informational only.
	HoldTime() time.Duration
}

// HardwareIOError reports a failed device operation.
type HardwareIOError struct {
	Device string
	Op     string
	Err    error
}

func (e *HardwareIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
}

func (e *HardwareIOError) Unwrap() error {
	return e.Err
}

// Edge turns a level-sampled button into one event per physical press.
type Edge struct {
	last bool
}

// Rising reports true only when level changes from released to pressed.
func (e *Edge) Rising(level bool) bool {
	rising := level && !e.last
	e.last = level
	return rising
}

// Layout splits text into at most rows lines of at most cols characters.
func Layout(text string, rows, cols int) []string {
	lines := make([]string, rows)
	for i, line := range strings.SplitN(text, "\n", rows) {
		line = strings.ReplaceAll(line, "\n", " ")
		runes := []rune(line)
		if len(runes) > cols {
			runes = runes[:cols]
		}
		lines[i] = string(runes)
	}
	return lines
}
