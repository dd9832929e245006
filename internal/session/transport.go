package session

import (
	"context"
	"crypto/tls"
	"time"
)

// DialOptions describes one broker connection attempt.
type DialOptions struct {
	Broker         string // e.g. ssl://mqtt.googleapis.com:8883
	ClientID       string
	Username       string
	Password       string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Hooks are invoked from transport goroutines. Implementations must not block.
type Hooks struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
	OnPublishAck     func(topic string, err error)
	OnSubscribeAck   func(topic string, qos byte, err error)
}

// Dialer opens broker connections.
type Dialer interface {
	// Dial returns once the broker has acknowledged the connection.
	Dial(ctx context.Context, opts DialOptions, hooks Hooks) (Conn, error)
}

// Conn is an established broker connection.
type Conn interface {
	// Subscribe blocks until the subscription is acknowledged and returns the granted QoS.
	Subscribe(ctx context.Context, topic string, qos byte) (byte, error)
	// Publish sends without waiting; for QoS 1 the PUBACK is reported through OnPublishAck.
	Publish(topic string, qos byte, payload []byte)
	Disconnect()
}
