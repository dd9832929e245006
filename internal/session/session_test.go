package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/credential"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakeConn struct {
	id     int
	dialer *fakeDialer
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, qos byte) (byte, error) {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("subscribe#%d %s", c.id, topic))
	if d.rejectTopic == topic {
		return subscribeFailure, errors.New("rejected")
	}
	return qos, nil
}

func (c *fakeConn) Publish(topic string, qos byte, payload []byte) {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, published{topic, qos, string(payload)})
}

func (c *fakeConn) Disconnect() {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("disconnect#%d", c.id))
}

type fakeDialer struct {
	mu          sync.Mutex
	calls       []string
	dials       int
	opts        []DialOptions
	hooks       []Hooks
	published   []published
	dialErr     error
	rejectTopic string
}

func (d *fakeDialer) Dial(_ context.Context, opts DialOptions, hooks Hooks) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.calls = append(d.calls, fmt.Sprintf("dial#%d", d.dials))
	d.opts = append(d.opts, opts)
	d.hooks = append(d.hooks, hooks)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeConn{id: d.dials, dialer: d}, nil
}

func (d *fakeDialer) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeIssuer struct {
	clock  clock.Clock
	window time.Duration
	err    error
	issued int
}

func (f *fakeIssuer) Issue() (*credential.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.issued++
	now := f.clock.Now()
	return &credential.Credential{
		Token:     fmt.Sprintf("token-%d", f.issued),
		IssuedAt:  now,
		ExpiresAt: now.Add(f.window),
		Audience:  "pomodoro-90fd7",
	}, nil
}

func newTestManager(t *testing.T, issuer Issuer, dialer Dialer, clk clock.Clock) *Manager {
	t.Helper()

	return NewManager(Config{
		Broker:            "ssl://broker.test:8883",
		ClientID:          "projects/p/locations/r/registries/g/devices/raspi",
		DeviceID:          "raspi",
		ConnectTimeout:    time.Second,
		RefreshMargin:     time.Minute,
		ReconnectInterval: 5 * time.Second,
		InboxSize:         2,
	}, issuer, dialer, clk, zerolog.Nop())
}

func TestConnectSubscribesAndAuthenticates(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}

	opts := dialer.opts[0]
	if opts.Username != "unused" || opts.Password != "token-1" {
		t.Errorf("credentials = %s/%s, want unused/token-1", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig is nil")
	}

	subs := m.Subscriptions()
	if qos, ok := subs["/devices/raspi/config"]; !ok || qos != QoSAtLeastOnce {
		t.Errorf("config subscription = %d, %v, want QoS 1", qos, ok)
	}
	if qos, ok := subs["/devices/raspi/commands/#"]; !ok || qos != QoSAtMostOnce {
		t.Errorf("commands subscription = %d, %v, want QoS 0", qos, ok)
	}
}

func TestConnectDisconnectsPriorSession(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() #%d error = %v", i+1, err)
		}
	}

	calls := dialer.snapshot()
	for i, call := range calls {
		if !strings.HasPrefix(call, "dial#") || call == "dial#1" {
			continue
		}
		var n int
		fmt.Sscanf(call, "dial#%d", &n)
		want := fmt.Sprintf("disconnect#%d", n-1)
		if i == 0 || calls[i-1] != want {
			t.Errorf("call %d = %s not preceded by %s; calls = %v", i, call, want, calls)
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m.Disconnect()
	m.Disconnect()

	disconnects := 0
	for _, call := range dialer.snapshot() {
		if strings.HasPrefix(call, "disconnect") {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestPublish(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	err := m.PublishEvent([]byte(`{}`))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishEvent() before connect error = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.PublishEvent([]byte(`{"state":"paused"}`)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	if err := m.Publish("/devices/raspi/state", []byte("x"), false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []published{
		{"/devices/raspi/events", QoSAtLeastOnce, `{"state":"paused"}`},
		{"/devices/raspi/state", QoSAtMostOnce, "x"},
	}
	if len(dialer.published) != len(want) {
		t.Fatalf("published = %+v, want %+v", dialer.published, want)
	}
	for i := range want {
		if dialer.published[i] != want[i] {
			t.Errorf("published[%d] = %+v, want %+v", i, dialer.published[i], want[i])
		}
	}
}

func writeKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "rsa_private.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestRefreshSchedule(t *testing.T) {
	clk := clock.NewFake(t0)
	issuer, err := credential.NewIssuer(credential.Config{
		Audience:       "pomodoro-90fd7",
		PrivateKeyFile: writeKey(t),
		Algorithm:      "RS256",
		RefreshWindow:  120 * time.Second,
	}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, clk)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := m.Credential()

	at, ok := m.RefreshAt()
	if !ok || !at.Equal(t0.Add(60*time.Second)) {
		t.Fatalf("RefreshAt() = %s, %v, want %s", at, ok, t0.Add(60*time.Second))
	}

	clk.Advance(59 * time.Second)
	if m.RefreshDue(clk.Now()) {
		t.Error("RefreshDue() at 59s = true")
	}
	clk.Advance(time.Second)
	if !m.RefreshDue(clk.Now()) {
		t.Fatal("RefreshDue() at 60s = false")
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	second := m.Credential()
	if !second.IssuedAt.After(first.IssuedAt) {
		t.Errorf("new IssuedAt %s not after old %s", second.IssuedAt, first.IssuedAt)
	}
	if second.Token == first.Token {
		t.Error("refresh reused the old token")
	}
	if m.RefreshDue(clk.Now()) {
		t.Error("RefreshDue() immediately after refresh")
	}

	calls := dialer.snapshot()
	if calls[len(calls)-4] != "disconnect#1" || calls[len(calls)-3] != "dial#2" {
		t.Errorf("refresh call order = %v", calls)
	}
}

func TestConnectionLost(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	staleHooks := dialer.hooks[0]
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// A late callback from the replaced session is ignored.
	staleHooks.OnConnectionLost(errors.New("EOF"))
	if !m.IsConnected() {
		t.Fatal("stale connection-lost hook disconnected the live session")
	}

	dialer.hooks[1].OnConnectionLost(errors.New("EOF"))
	if m.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
	if m.RefreshDue(clk.Now().Add(time.Hour)) {
		t.Error("RefreshDue() = true while disconnected")
	}
}

func TestReconnectThrottle(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	err := m.Reconnect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Reconnect() error = %v, want *ConnectionError", err)
	}

	if err := m.Reconnect(context.Background()); !errors.Is(err, ErrReconnectThrottled) {
		t.Errorf("immediate Reconnect() error = %v, want ErrReconnectThrottled", err)
	}

	clk.Advance(5 * time.Second)
	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() after interval error = %v", err)
	}
	if dialer.dials != 2 {
		t.Errorf("dials = %d, want 2", dialer.dials)
	}
}

func TestCredentialFailureSkipsDial(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	cause := &credential.Error{Op: "read key", Err: os.ErrNotExist}
	m := newTestManager(t, &fakeIssuer{clock: clk, err: cause}, dialer, clk)

	err := m.Connect(context.Background())
	var credErr *credential.Error
	if !errors.As(err, &credErr) {
		t.Fatalf("Connect() error = %v, want *credential.Error", err)
	}
	if dialer.dials != 0 {
		t.Errorf("dials = %d, want 0", dialer.dials)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestSubscribeRejected(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{rejectTopic: "/devices/raspi/commands/#"}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)

	err := m.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !strings.HasPrefix(connErr.Op, "subscribe") {
		t.Fatalf("Connect() error = %v, want subscribe ConnectionError", err)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after rejected subscription")
	}
}

func TestInbox(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{clock: clk, window: 2 * time.Minute}, dialer, clk)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	hooks := dialer.hooks[0]
	for i := 0; i < 3; i++ {
		hooks.OnMessage("/devices/raspi/commands", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	if got := len(m.Messages()); got != 2 {
		t.Fatalf("queued messages = %d, want 2 (inbox size)", got)
	}
	msg := <-m.Messages()
	if msg.Topic != "/devices/raspi/commands" || string(msg.Payload) != `{"n":0}` {
		t.Errorf("first message = %s %s", msg.Topic, msg.Payload)
	}
	if !msg.Received.Equal(t0) {
		t.Errorf("Received = %s, want %s", msg.Received, t0)
	}
}

func TestTopicKind(t *testing.T) {
	tests := map[string]string{
		"/devices/raspi/config":         "config",
		"/devices/raspi/commands":       "commands",
		"/devices/raspi/commands/timer": "commands",
		"/devices/raspi/state":          "other",
	}
	for topic, want := range tests {
		if got := TopicKind(topic); got != want {
			t.Errorf("TopicKind(%s) = %s, want %s", topic, got, want)
		}
	}
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := LoadTLSConfig("")
	if err != nil {
		t.Fatalf("LoadTLSConfig(\"\") error = %v", err)
	}
	if cfg.MinVersion == 0 || cfg.RootCAs != nil {
		t.Errorf("cfg = %+v, want TLS 1.2 minimum with system roots", cfg)
	}

	bad := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTLSConfig(bad); err == nil {
		t.Error("LoadTLSConfig() with no certificates error = nil")
	}
}
