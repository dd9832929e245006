package device

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// ConsoleDisplay renders the character display as a framed block on a terminal.
type ConsoleDisplay struct {
	mu        sync.Mutex
	out       io.Writer
	rows      int
	cols      int
	backlight bool
	lines     []string
	lit       *color.Color
	dim       *color.Color
}

// NewConsoleDisplay creates a console display with the given geometry.
func NewConsoleDisplay(out io.Writer, rows, cols int, colored bool) *ConsoleDisplay {
	lit := color.New(color.FgHiWhite, color.BgBlue, color.Bold)
	dim := color.New(color.FgHiBlack)
	if !colored {
		lit.DisableColor()
		dim.DisableColor()
	}

	return &ConsoleDisplay{
		out:   out,
		rows:  rows,
		cols:  cols,
		lines: make([]string, rows),
		lit:   lit,
		dim:   dim,
	}
}

// Show replaces the display contents.
func (d *ConsoleDisplay) Show(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lines := Layout(text, d.rows, d.cols)
	if equalLines(lines, d.lines) {
		return nil
	}
	d.lines = lines
	return d.renderLocked()
}

// Clear blanks the display.
func (d *ConsoleDisplay) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blank := make([]string, d.rows)
	if equalLines(blank, d.lines) {
		return nil
	}
	d.lines = blank
	return d.renderLocked()
}

// SetBacklight switches the simulated backlight.
func (d *ConsoleDisplay) SetBacklight(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.backlight == on {
		return nil
	}
	d.backlight = on
	return d.renderLocked()
}

// Lines returns the current display contents.
func (d *ConsoleDisplay) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Backlight reports the simulated backlight state.
func (d *ConsoleDisplay) Backlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backlight
}

func (d *ConsoleDisplay) renderLocked() error {
	c := d.dim
	if d.backlight {
		c = d.lit
	}

	border := "+" + strings.Repeat("-", d.cols) + "+"
	if _, err := fmt.Fprintln(d.out, border); err != nil {
		return &HardwareIOError{Device: "display", Op: "render", Err: err}
	}
	for _, line := range d.lines {
		if _, err := c.Fprintf(d.out, "|%-*s|\n", d.cols, line); err != nil {
			return &HardwareIOError{Device: "display", Op: "render", Err: err}
		}
	}
	if _, err := fmt.Fprintln(d.out, border); err != nil {
		return &HardwareIOError{Device: "display", Op: "render", Err: err}
	}
	return nil
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LogIndicator reports buzzer patterns to the log.
type LogIndicator struct {
	logger zerolog.Logger
}

// NewLogIndicator creates an indicator that only logs.
func NewLogIndicator(logger zerolog.Logger) *LogIndicator {
	return &LogIndicator{logger: logger.With().Str("component", "buzzer").Logger()}
}

// Beep logs the requested pattern.
func (b *LogIndicator) Beep(on, off time.Duration, n int) error {
	b.logger.Info().
		Dur("on", on).
		Dur("off", off).
		Int("repeat", n).
		Msg("Beep")
	return nil
}

// Off is a no-op.
func (b *LogIndicator) Off() error {
	return nil
}

// LineButton treats each line read from r (for example Enter on stdin) as one press.
type LineButton struct {
	mu       sync.Mutex
	pending  int
	released bool // a press was just reported; the next sample is a release
	holdTime time.Duration
}

// NewLineButton starts reading r in the background.
func NewLineButton(r io.Reader, holdTime time.Duration) *LineButton {
	b := &LineButton{holdTime: holdTime}
	go b.read(r)
	return b
}

func (b *LineButton) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.mu.Lock()
		b.pending++
		b.mu.Unlock()
	}
}

// IsPressed reports one queued press per call, with a released sample after
// each press so back-to-back lines stay separate presses.
func (b *LineButton) IsPressed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		b.released = false
		return false, nil
	}
	if b.pending == 0 {
		return false, nil
	}
	b.pending--
	b.released = true
	return true, nil
}

// HoldTime returns the configured hold threshold.
func (b *LineButton) HoldTime() time.Duration {
	return b.holdTime
}
