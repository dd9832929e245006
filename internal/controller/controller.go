// Package controller runs the device control loop: it polls the button, ticks
// the timer, applies broker messages, drives the display and buzzer, and keeps
// the broker session authenticated.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/device"
	"github.com/goodtune/pomodoro/internal/metrics"
	"github.com/goodtune/pomodoro/internal/session"
	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/goodtune/pomodoro/internal/timer"
	"github.com/rs/zerolog"
)

// Display texts.
const (
	TextConnected = "Connected"
	TextPrompt    = "Start pomo with \nGoogle assistant"
	TextPaused    = "Paused pomo"
	TextComplete  = "Pomo done"
)

// Buzzer pattern.
const (
	beepOn        = 100 * time.Millisecond
	beepOff       = 100 * time.Millisecond
	beepsPause    = 1
	beepsComplete = 1
)

var timerStates = []string{
	string(timer.StateIdle),
	string(timer.StateActive),
	string(timer.StatePaused),
	string(timer.StateComplete),
}

// Session is the broker session used by the loop.
type Session interface {
	Reconnect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	RefreshDue(now time.Time) bool
	Refresh(ctx context.Context) error
	PublishEvent(payload []byte) error
	Messages() <-chan session.Message
}

// History records pomodoro events.
type History interface {
	Started(ctx context.Context, at time.Time, minutes int) error
	Paused(ctx context.Context, at time.Time, source storage.Source, secsRemaining int) error
	Completed(ctx context.Context, at time.Time, minutes int) error
	CompletedToday(ctx context.Context) int
}

// Config holds control loop configuration
type Config struct {
	Tick            time.Duration
	ConnectedNotice time.Duration
	PromptNotice    time.Duration
	PausedNotice    time.Duration
	CompleteNotice  time.Duration
	Location        *time.Location // Idle clock timezone
	Watchdog        func() error   // Called once per tick when set
}

// Devices groups the hardware collaborators.
type Devices struct {
	Display   device.Display
	Indicator device.Indicator
	Button    device.Button
}

type notice struct {
	text     string
	duration time.Duration
}

// Controller is the single orchestrator of the device.
type Controller struct {
	config  Config
	machine *timer.Machine
	session Session
	history History
	devices Devices
	clock   clock.Clock
	logger  zerolog.Logger

	edge    device.Edge
	queue   []notice
	current *notice
	until   time.Time
}

// New creates a new controller
func New(config Config, machine *timer.Machine, sess Session, history History, devices Devices, clk clock.Clock, logger zerolog.Logger) *Controller {
	if config.Tick <= 0 {
		config.Tick = time.Second
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Controller{
		config:  config,
		machine: machine,
		session: sess,
		history: history,
		devices: devices,
		clock:   clk,
		logger:  logger.With().Str("component", "controller").Logger(),
	}
}

// Run drives the loop until ctx is cancelled, then releases the hardware and
// the session. It returns nil on a clean shutdown.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Dur("tick", c.config.Tick).Msg("Control loop started")

	c.maintainSession(ctx, c.clock.Now())

	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	c.step(ctx)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case msg := <-c.session.Messages():
			c.handleMessage(ctx, msg)
		case <-ticker.C:
			c.step(ctx)
		}
	}
}

// step runs one loop iteration.
func (c *Controller) step(ctx context.Context) {
	metrics.TicksTotal.Inc()

	pressed, err := c.devices.Button.IsPressed()
	if err != nil {
		c.hardwareError("button", "read", err)
		pressed = false
	}
	if c.edge.Rising(pressed) {
		c.handlePress(ctx)
	}

	res := c.machine.Tick()
	now := c.clock.Now()
	if res.Completed {
		metrics.CompletedTotal.Inc()
		c.logger.Info().Msg("Pomodoro complete")
		_ = c.history.Completed(ctx, now, c.machine.Snapshot().DurationMinutes)
	}
	if res.Beep {
		n := beepsPause
		if res.Completed {
			n = beepsComplete
		}
		c.beep(n)
	}
	if res.Notice != timer.NoticeNone {
		c.notify(res.Notice)
	}

	c.render(ctx, now)
	metrics.SetTimerState(string(c.machine.State()), timerStates...)

	c.maintainSession(ctx, now)

	if c.config.Watchdog != nil {
		if err := c.config.Watchdog(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to notify watchdog")
		}
	}
}

func (c *Controller) handlePress(ctx context.Context) {
	res := c.machine.Press()
	if res.Notice != timer.NoticeNone {
		c.notify(res.Notice)
	}
	if res.Pause == nil {
		return
	}

	c.logger.Info().Int("secs_remaining", res.Pause.SecsRemaining).Msg("Paused from button")
	if res.Beep {
		c.beep(beepsPause)
	}

	payload, err := json.Marshal(res.Pause)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode pause event")
	} else if err := c.session.PublishEvent(payload); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish pause event")
	}

	_ = c.history.Paused(ctx, res.Pause.PauseTime, storage.SourceButton, res.Pause.SecsRemaining)
}

func (c *Controller) handleMessage(ctx context.Context, msg session.Message) {
	kind := session.TopicKind(msg.Topic)

	tr, err := c.machine.HandleMessage(msg.Payload)
	if err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues(kind, "malformed").Inc()
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed message")
		return
	}
	if tr.Ignored {
		metrics.MessagesReceivedTotal.WithLabelValues(kind, "ignored").Inc()
		return
	}
	metrics.MessagesReceivedTotal.WithLabelValues(kind, "applied").Inc()

	snap := c.machine.Snapshot()
	c.logger.Info().
		Str("topic", msg.Topic).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Msg("Applied broker message")

	switch {
	case tr.Started:
		_ = c.history.Started(ctx, msg.Received, snap.DurationMinutes)
	case tr.To == timer.StatePaused && tr.From == timer.StateActive:
		secs := -1
		if snap.HasRemaining {
			secs = snap.SecsRemaining
		}
		_ = c.history.Paused(ctx, msg.Received, storage.SourceBroker, secs)
	}
}

// notify queues a display window unless the same text is already showing or last in line.
func (c *Controller) notify(n timer.Notice) {
	var next notice
	switch n {
	case timer.NoticePrompt:
		next = notice{TextPrompt, c.config.PromptNotice}
	case timer.NoticePaused:
		next = notice{TextPaused, c.config.PausedNotice}
	case timer.NoticeComplete:
		next = notice{TextComplete, c.config.CompleteNotice}
	default:
		return
	}
	c.enqueue(next)
}

func (c *Controller) enqueue(n notice) {
	if len(c.queue) > 0 {
		if c.queue[len(c.queue)-1].text == n.text {
			return
		}
	} else if c.current != nil && c.current.text == n.text {
		return
	}
	c.queue = append(c.queue, n)
}

// render draws the current window, the countdown or the idle screen.
func (c *Controller) render(ctx context.Context, now time.Time) {
	if c.current != nil && now.Before(c.until) {
		return
	}
	c.current = nil

	if len(c.queue) > 0 {
		n := c.queue[0]
		c.queue = c.queue[1:]
		c.current = &n
		c.until = now.Add(n.duration)
		c.show(n.text, true)
		return
	}

	if minutes, seconds, ok := c.machine.Remaining(); ok {
		c.show(fmt.Sprintf("%d mins %d secs", minutes, seconds), true)
		return
	}

	c.show(c.idleText(ctx, now), false)
}

func (c *Controller) idleText(ctx context.Context, now time.Time) string {
	return fmt.Sprintf("%s\nDone today: %d",
		now.In(c.config.Location).Format("15:04:05"),
		c.history.CompletedToday(ctx))
}

func (c *Controller) show(text string, backlight bool) {
	if err := c.devices.Display.Show(text); err != nil {
		c.hardwareError("display", "show", err)
	}
	if err := c.devices.Display.SetBacklight(backlight); err != nil {
		c.hardwareError("backlight", "set", err)
	}
}

func (c *Controller) beep(n int) {
	if err := c.devices.Indicator.Beep(beepOn, beepOff, n); err != nil {
		c.hardwareError("buzzer", "beep", err)
	}
}

// maintainSession reconnects a dropped session and refreshes the credential
// before it expires. Both block the loop.
func (c *Controller) maintainSession(ctx context.Context, now time.Time) {
	if !c.session.IsConnected() {
		err := c.session.Reconnect(ctx)
		switch {
		case errors.Is(err, session.ErrReconnectThrottled):
		case err != nil:
			c.logger.Warn().Err(err).Msg("Failed to connect to broker")
		default:
			c.enqueue(notice{TextConnected, c.config.ConnectedNotice})
		}
		return
	}

	if c.session.RefreshDue(now) {
		if err := c.session.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh broker session")
		}
	}
}

func (c *Controller) hardwareError(name, op string, err error) {
	metrics.HardwareErrorsTotal.WithLabelValues(name).Inc()

	var hwErr *device.HardwareIOError
	if !errors.As(err, &hwErr) {
		err = &device.HardwareIOError{Device: name, Op: op, Err: err}
	}
	c.logger.Warn().Err(err).Msg("Hardware error")
}

func (c *Controller) shutdown() {
	c.logger.Info().Msg("Control loop stopping")

	if err := c.devices.Indicator.Off(); err != nil {
		c.hardwareError("buzzer", "off", err)
	}
	if err := c.devices.Display.SetBacklight(false); err != nil {
		c.hardwareError("backlight", "off", err)
	}
	if err := c.devices.Display.Clear(); err != nil {
		c.hardwareError("display", "clear", err)
	}
	c.session.Disconnect()
}
