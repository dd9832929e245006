package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOConfig names the header pins used by the device.
type GPIOConfig struct {
	ButtonPin    string
	BuzzerPin    string
	BacklightPin string
	HoldTime     time.Duration
}

// GPIO holds the pins opened by OpenGPIO.
type GPIO struct {
	Button    *GPIOButton
	Buzzer    *GPIOBuzzer
	Backlight gpio.PinOut
}

// OpenGPIO initialises the host drivers and claims the configured pins.
func OpenGPIO(cfg GPIOConfig, logger zerolog.Logger) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise GPIO host: %w", err)
	}

	buttonPin, err := lookupPin(cfg.ButtonPin)
	if err != nil {
		return nil, err
	}
	// Button pulls the line low when pressed.
	if err := buttonPin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, &HardwareIOError{Device: "button", Op: "configure " + cfg.ButtonPin, Err: err}
	}

	buzzerPin, err := lookupPin(cfg.BuzzerPin)
	if err != nil {
		return nil, err
	}
	if err := buzzerPin.Out(gpio.Low); err != nil {
		return nil, &HardwareIOError{Device: "buzzer", Op: "configure " + cfg.BuzzerPin, Err: err}
	}

	backlightPin, err := lookupPin(cfg.BacklightPin)
	if err != nil {
		return nil, err
	}
	if err := backlightPin.Out(gpio.Low); err != nil {
		return nil, &HardwareIOError{Device: "backlight", Op: "configure " + cfg.BacklightPin, Err: err}
	}

	logger.Info().
		Str("button", cfg.ButtonPin).
		Str("buzzer", cfg.BuzzerPin).
		Str("backlight", cfg.BacklightPin).
		Msg("GPIO pins configured")

	return &GPIO{
		Button:    &GPIOButton{pin: buttonPin, holdTime: cfg.HoldTime},
		Buzzer:    NewGPIOBuzzer(buzzerPin),
		Backlight: backlightPin,
	}, nil
}

func lookupPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown GPIO pin: %s", name)
	}
	return p, nil
}

// GPIOButton reads a pulled-up push-button.
type GPIOButton struct {
	pin      gpio.PinIn
	holdTime time.Duration
}

// IsPressed samples the pin level.
func (b *GPIOButton) IsPressed() (bool, error) {
	return b.pin.Read() == gpio.Low, nil
}

// HoldTime returns the configured hold threshold.
func (b *GPIOButton) HoldTime() time.Duration {
	return b.holdTime
}

// GPIOBuzzer drives an active buzzer from a background goroutine.
type GPIOBuzzer struct {
	mu   sync.Mutex
	pin  gpio.PinOut
	stop chan struct{}
}

// NewGPIOBuzzer wraps an output pin.
func NewGPIOBuzzer(pin gpio.PinOut) *GPIOBuzzer {
	return &GPIOBuzzer{pin: pin}
}

// Beep replaces any running pattern with n on/off cycles.
func (b *GPIOBuzzer) Beep(on, off time.Duration, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	stop := make(chan struct{})
	b.stop = stop

	go func() {
		for i := 0; i < n; i++ {
			if err := b.pin.Out(gpio.High); err != nil {
				return
			}
			if !sleep(on, stop) {
				_ = b.pin.Out(gpio.Low)
				return
			}
			if err := b.pin.Out(gpio.Low); err != nil {
				return
			}
			if !sleep(off, stop) {
				return
			}
		}
	}()
	return nil
}

// Off stops any pattern and drives the pin low.
func (b *GPIOBuzzer) Off() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	if err := b.pin.Out(gpio.Low); err != nil {
		return &HardwareIOError{Device: "buzzer", Op: "off", Err: err}
	}
	return nil
}

func (b *GPIOBuzzer) stopLocked() {
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
	}
}

func sleep(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

// BacklitDisplay switches a GPIO backlight and delegates text to another display.
type BacklitDisplay struct {
	Display
	pin gpio.PinOut
}

// NewBacklitDisplay wraps d with a backlight pin.
func NewBacklitDisplay(d Display, pin gpio.PinOut) *BacklitDisplay {
	return &BacklitDisplay{Display: d, pin: pin}
}

// SetBacklight drives the backlight pin and mirrors the state on the wrapped display.
func (d *BacklitDisplay) SetBacklight(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := d.pin.Out(level); err != nil {
		return &HardwareIOError{Device: "backlight", Op: "set", Err: err}
	}
	return d.Display.SetBacklight(on)
}
