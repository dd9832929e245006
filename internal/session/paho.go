package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// subscribeFailure is the granted QoS value a broker returns for a rejected subscription.
const subscribeFailure = 0x80

// disconnectQuiesce is how long paho may spend flushing work on disconnect, in ms.
const disconnectQuiesce = 250

// PahoDialer connects with the Eclipse Paho client.
type PahoDialer struct{}

// Dial implements Dialer.
func (PahoDialer) Dial(ctx context.Context, opts DialOptions, hooks Hooks) (Conn, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetTLSConfig(opts.TLSConfig).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(opts.KeepAlive).
		SetOnConnectHandler(func(mqtt.Client) {
			if hooks.OnConnect != nil {
				hooks.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if hooks.OnConnectionLost != nil {
				hooks.OnConnectionLost(err)
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if hooks.OnMessage != nil {
				hooks.OnMessage(msg.Topic(), msg.Payload())
			}
		})

	client := mqtt.NewClient(clientOpts)
	if err := wait(ctx, client.Connect(), opts.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, err
	}

	return &pahoConn{client: client, hooks: hooks, timeout: opts.ConnectTimeout}, nil
}

type pahoConn struct {
	client  mqtt.Client
	hooks   Hooks
	timeout time.Duration
}

func (c *pahoConn) Subscribe(ctx context.Context, topic string, qos byte) (byte, error) {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg.Topic(), msg.Payload())
		}
	})
	if err := wait(ctx, token, c.timeout); err != nil {
		return 0, err
	}

	granted := qos
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if g, ok := st.Result()[topic]; ok {
			granted = g
		}
	}
	if granted == subscribeFailure {
		return granted, fmt.Errorf("broker rejected subscription to %s", topic)
	}
	return granted, nil
}

func (c *pahoConn) Publish(topic string, qos byte, payload []byte) {
	token := c.client.Publish(topic, qos, false, payload)
	watchPublish(token, topic, qos, c.hooks.OnPublishAck)
}

// watchPublish reports the broker acknowledgement of a QoS 1+ publish. A QoS 0
// token completes locally, so nothing is reported for it.
func watchPublish(token mqtt.Token, topic string, qos byte, onAck func(topic string, err error)) {
	if qos == 0 || onAck == nil {
		return
	}
	go func() {
		<-token.Done()
		onAck(topic, token.Error())
	}()
}

func (c *pahoConn) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadTLSConfig builds a TLS 1.2+ client configuration trusting the PEM
// bundle at caFile. An empty path uses the system roots.
func LoadTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
