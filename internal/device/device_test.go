package device

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestEdgeRising(t *testing.T) {
	var e Edge
	samples := []bool{false, true, true, true, false, true, false, false}
	want := []bool{false, true, false, false, false, true, false, false}

	for i, level := range samples {
		if got := e.Rising(level); got != want[i] {
			t.Errorf("sample %d: Rising(%v) = %v, want %v", i, level, got, want[i])
		}
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"25 mins 0 secs", []string{"25 mins 0 secs", ""}},
		{"Start pomo with \nGoogle assistant", []string{"Start pomo with ", "Google assistant"}},
		{"a very long line that overflows", []string{"a very long line", ""}},
		{"one\ntwo\nthree", []string{"one", "two three"}},
		{"", []string{"", ""}},
	}

	for _, tt := range tests {
		got := Layout(tt.text, 2, 16)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("Layout(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestConsoleDisplay(t *testing.T) {
	var out bytes.Buffer
	d := NewConsoleDisplay(&out, 2, 16, false)

	if err := d.Show("Pomo done"); err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if !strings.Contains(out.String(), "|Pomo done       |") {
		t.Errorf("rendered output missing padded line:\n%s", out.String())
	}

	// Unchanged content is not redrawn.
	out.Reset()
	_ = d.Show("Pomo done")
	if out.Len() != 0 {
		t.Errorf("redraw of identical content wrote %q", out.String())
	}

	if err := d.SetBacklight(true); err != nil {
		t.Fatalf("SetBacklight() error = %v", err)
	}
	if !d.Backlight() {
		t.Error("Backlight() = false after SetBacklight(true)")
	}

	if err := d.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if lines := d.Lines(); lines[0] != "" || lines[1] != "" {
		t.Errorf("Lines() after Clear = %q", lines)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestConsoleDisplayWriteError(t *testing.T) {
	d := NewConsoleDisplay(failingWriter{}, 2, 16, false)

	err := d.Show("x")
	var hwErr *HardwareIOError
	if !errors.As(err, &hwErr) {
		t.Fatalf("Show() error = %v, want *HardwareIOError", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Show() error does not wrap cause: %v", err)
	}
}

func TestLineButton(t *testing.T) {
	b := NewLineButton(strings.NewReader("\n\n"), 2*time.Second)

	deadline := time.Now().Add(time.Second)
	presses := 0
	for time.Now().Before(deadline) && presses < 2 {
		pressed, err := b.IsPressed()
		if err != nil {
			t.Fatalf("IsPressed() error = %v", err)
		}
		if pressed {
			presses++
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}

	if presses != 2 {
		t.Errorf("presses = %d, want 2", presses)
	}
	if b.HoldTime() != 2*time.Second {
		t.Errorf("HoldTime() = %s, want 2s", b.HoldTime())
	}
}

func TestLineButtonQueuedPressesAreSeparateEdges(t *testing.T) {
	b := NewLineButton(strings.NewReader("\n\n"), time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		queued := b.pending
		b.mu.Unlock()
		if queued == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var edge Edge
	var levels []bool
	rising := 0
	for i := 0; i < 4; i++ {
		pressed, err := b.IsPressed()
		if err != nil {
			t.Fatalf("IsPressed() error = %v", err)
		}
		levels = append(levels, pressed)
		if edge.Rising(pressed) {
			rising++
		}
	}

	if rising != 2 {
		t.Errorf("rising edges = %d over %v, want 2", rising, levels)
	}
}
