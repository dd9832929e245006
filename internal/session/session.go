// Package session owns the authenticated MQTT session with the cloud broker:
// credential issue, connect, subscribe, publish and proactive re-authentication
// before the credential expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/credential"
	"github.com/goodtune/pomodoro/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// QoSAtMostOnce is MQTT QoS 0.
	QoSAtMostOnce byte = 0
	// QoSAtLeastOnce is MQTT QoS 1.
	QoSAtLeastOnce byte = 1

	// Username is ignored by the bridge but required by the protocol.
	Username = "unused"
)

// ErrNotConnected is returned by Publish when there is no live session.
var ErrNotConnected = errors.New("session: not connected")

// ErrReconnectThrottled is returned by Reconnect when an attempt was made too recently.
var ErrReconnectThrottled = errors.New("session: reconnect throttled")

// ConnectionError reports a failure to establish or use the broker session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Issuer produces broker credentials.
type Issuer interface {
	Issue() (*credential.Credential, error)
}

// Message is an inbound broker message.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Config holds session manager configuration
type Config struct {
	Broker            string // ssl://host:port
	ClientID          string
	DeviceID          string
	CAFile            string // PEM bundle; empty uses the system roots
	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	RefreshMargin     time.Duration // Reconnect this long before the credential expires
	ReconnectInterval time.Duration // Minimum gap between reconnects after a failure
	InboxSize         int
}

// Manager maintains at most one live broker session.
type Manager struct {
	config  Config
	issuer  Issuer
	dialer  Dialer
	clock   clock.Clock
	logger  zerolog.Logger
	limiter *rate.Limiter
	inbox   chan Message

	mu            sync.Mutex
	conn          Conn
	connected     bool
	generation    uint64
	credential    *credential.Credential
	subscriptions map[string]byte
}

// NewManager creates a new session manager
func NewManager(config Config, issuer Issuer, dialer Dialer, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if dialer == nil {
		dialer = PahoDialer{}
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 16
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = time.Minute
	}

	return &Manager{
		config:        config,
		issuer:        issuer,
		dialer:        dialer,
		clock:         clk,
		logger:        logger.With().Str("component", "session").Logger(),
		limiter:       rate.NewLimiter(rate.Every(config.ReconnectInterval), 1),
		inbox:         make(chan Message, config.InboxSize),
		subscriptions: make(map[string]byte),
	}
}

// ConfigTopic returns the device configuration topic.
func (m *Manager) ConfigTopic() string {
	return fmt.Sprintf("/devices/%s/config", m.config.DeviceID)
}

// CommandsTopic returns the wildcard device commands topic.
func (m *Manager) CommandsTopic() string {
	return fmt.Sprintf("/devices/%s/commands/#", m.config.DeviceID)
}

// EventsTopic returns the telemetry topic.
func (m *Manager) EventsTopic() string {
	return fmt.Sprintf("/devices/%s/events", m.config.DeviceID)
}

// Messages returns the channel fed by the message-received hook.
func (m *Manager) Messages() <-chan Message {
	return m.inbox
}

// IsConnected reports whether a session is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Credential returns the credential of the current session, if any.
func (m *Manager) Credential() *credential.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// Subscriptions returns the granted QoS per subscribed topic.
func (m *Manager) Subscriptions() map[string]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]byte, len(m.subscriptions))
	for k, v := range m.subscriptions {
		out[k] = v
	}
	return out
}

// Connect tears down any existing session, issues a fresh credential and
// establishes a new session with its subscriptions.
func (m *Manager) Connect(ctx context.Context) error {
	m.Disconnect()

	cred, err := m.issuer.Issue()
	if err != nil {
		metrics.CredentialsIssuedTotal.WithLabelValues("failure").Inc()
		metrics.SessionConnectsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.CredentialsIssuedTotal.WithLabelValues("success").Inc()

	tlsConfig, err := LoadTLSConfig(m.config.CAFile)
	if err != nil {
		metrics.SessionConnectsTotal.WithLabelValues("failure").Inc()
		return &ConnectionError{Op: "tls", Err: err}
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.logger.Info().
		Str("broker", m.config.Broker).
		Str("client_id", m.config.ClientID).
		Time("expires_at", cred.ExpiresAt).
		Msg("Connecting to broker")

	conn, err := m.dialer.Dial(ctx, DialOptions{
		Broker:         m.config.Broker,
		ClientID:       m.config.ClientID,
		Username:       Username,
		Password:       cred.Token,
		TLSConfig:      tlsConfig,
		ConnectTimeout: m.config.ConnectTimeout,
		KeepAlive:      m.config.KeepAlive,
	}, m.hooks(gen))
	if err != nil {
		metrics.SessionConnectsTotal.WithLabelValues("failure").Inc()
		return &ConnectionError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	if gen != m.generation {
		// Disconnect raced the dial.
		m.mu.Unlock()
		conn.Disconnect()
		metrics.SessionConnectsTotal.WithLabelValues("failure").Inc()
		return &ConnectionError{Op: "connect", Err: errors.New("session closed during connect")}
	}
	m.conn = conn
	m.connected = true
	m.credential = cred
	m.subscriptions = make(map[string]byte)
	m.mu.Unlock()
	metrics.SessionConnected.Set(1)

	subs := []struct {
		topic string
		qos   byte
	}{
		{m.ConfigTopic(), QoSAtLeastOnce},
		{m.CommandsTopic(), QoSAtMostOnce},
	}
	for _, sub := range subs {
		granted, err := conn.Subscribe(ctx, sub.topic, sub.qos)
		m.onSubscribeAck(gen, sub.topic, granted, err)
		if err != nil {
			m.Disconnect()
			metrics.SessionConnectsTotal.WithLabelValues("failure").Inc()
			return &ConnectionError{Op: "subscribe " + sub.topic, Err: err}
		}
	}

	metrics.SessionConnectsTotal.WithLabelValues("success").Inc()
	m.logger.Info().Msg("Connected to broker")
	return nil
}

// Disconnect closes the current session. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	wasConnected := m.connected
	m.conn = nil
	m.connected = false
	m.generation++
	m.mu.Unlock()

	metrics.SessionConnected.Set(0)
	if conn == nil {
		return
	}
	conn.Disconnect()
	if wasConnected {
		m.logger.Info().Msg("Disconnected from broker")
	}
}

// Reconnect connects unless a reconnect was attempted within the reconnect interval.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.limiter.AllowN(m.clock.Now(), 1) {
		return ErrReconnectThrottled
	}
	return m.Connect(ctx)
}

// RefreshAt returns when the current credential should be replaced.
func (m *Manager) RefreshAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.credential == nil {
		return time.Time{}, false
	}
	return m.credential.ExpiresAt.Add(-m.config.RefreshMargin), true
}

// RefreshDue reports whether a connected session's credential is within the
// refresh margin of expiry.
func (m *Manager) RefreshDue(now time.Time) bool {
	if !m.IsConnected() {
		return false
	}
	at, ok := m.RefreshAt()
	return ok && !now.Before(at)
}

// Refresh replaces the session with one authenticated by a new credential.
func (m *Manager) Refresh(ctx context.Context) error {
	metrics.SessionRefreshesTotal.Inc()
	m.logger.Info().Msg("Refreshing broker credential")
	return m.Connect(ctx)
}

// Publish sends payload on topic. QoS 1 is used when ackRequired is set.
// The acknowledgment is observed asynchronously.
func (m *Manager) Publish(topic string, payload []byte, ackRequired bool) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()

	if conn == nil || !connected {
		metrics.PublishesTotal.WithLabelValues("dropped").Inc()
		return &ConnectionError{Op: "publish " + topic, Err: ErrNotConnected}
	}

	qos := QoSAtMostOnce
	if ackRequired {
		qos = QoSAtLeastOnce
	}
	conn.Publish(topic, qos, payload)
	metrics.PublishesTotal.WithLabelValues("sent").Inc()
	m.logger.Debug().Str("topic", topic).Uint8("qos", qos).Msg("Published")
	return nil
}

// PublishEvent publishes telemetry to the events topic at QoS 1.
func (m *Manager) PublishEvent(payload []byte) error {
	return m.Publish(m.EventsTopic(), payload, true)
}

func (m *Manager) hooks(gen uint64) Hooks {
	return Hooks{
		OnConnect: func() {
			m.logger.Debug().Msg("Broker acknowledged connection")
		},
		OnConnectionLost: func(err error) {
			m.mu.Lock()
			if gen != m.generation {
				m.mu.Unlock()
				return
			}
			m.connected = false
			m.mu.Unlock()
			metrics.SessionConnected.Set(0)
			m.logger.Warn().Err(err).Msg("Broker connection lost")
		},
		OnMessage: func(topic string, payload []byte) {
			m.onMessage(topic, payload)
		},
		OnPublishAck: func(topic string, err error) {
			if err != nil {
				metrics.PublishesTotal.WithLabelValues("failed").Inc()
				m.logger.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
				return
			}
			metrics.PublishesTotal.WithLabelValues("acknowledged").Inc()
			m.logger.Debug().Str("topic", topic).Msg("Publish acknowledged")
		},
		OnSubscribeAck: func(topic string, qos byte, err error) {
			m.onSubscribeAck(gen, topic, qos, err)
		},
	}
}

func (m *Manager) onSubscribeAck(gen uint64, topic string, qos byte, err error) {
	if err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("Subscription failed")
		return
	}

	m.mu.Lock()
	if gen == m.generation {
		m.subscriptions[topic] = qos
	}
	m.mu.Unlock()
	m.logger.Info().Str("topic", topic).Uint8("qos", qos).Msg("Subscribed")
}

func (m *Manager) onMessage(topic string, payload []byte) {
	msg := Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Received: m.clock.Now(),
	}

	select {
	case m.inbox <- msg:
		m.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Message received")
	default:
		metrics.MessagesReceivedTotal.WithLabelValues(TopicKind(topic), "dropped").Inc()
		m.logger.Warn().Str("topic", topic).Msg("Inbox full, dropping message")
	}
}

// TopicKind classifies a device topic as config, commands or other.
func TopicKind(topic string) string {
	switch {
	case strings.HasSuffix(topic, "/config"):
		return "config"
	case strings.Contains(topic, "/commands"):
		return "commands"
	default:
		return "other"
	}
}
