// Package mqtt provides the MQTT transport for UPS status publishing
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is a handle on an in-flight operation. paho tokens satisfy it.
type Token interface {
	Wait() bool
	Done() <-chan struct{}
	Error() error
}

// Channel is the transport surface the session lifecycle drives
type Channel interface {
	// SetWill registers the message the broker publishes when the
	// connection drops without a clean disconnect. Must precede Connect.
	SetWill(topic string, payload []byte, qos byte, retained bool)

	// OnConnected registers a callback for every connect acknowledgment
	OnConnected(fn func())

	// OnConnectionLost registers a callback for unexpected disconnects
	OnConnectionLost(fn func(error))

	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) Token
	Disconnect()
}

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker host
	Port     int    // MQTT broker port
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	UseTLS   bool   // Enable TLS connection
}

// BrokerURL returns the paho server URL for the configured broker
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, c.Port)
}

type will struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Client wraps the paho client. The paho client is built on Connect so
// that the will and callbacks registered before it are part of the
// connect packet.
type Client struct {
	client mqtt.Client
	config Config
	mu     sync.RWMutex
	logger *log.Logger

	will        *will
	onConnected []func()
	onLost      []func(error)
	isActive    bool
}

// New creates a new MQTT client
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("upsagent-%d", time.Now().Unix())
	}

	return &Client{
		config: cfg,
		logger: logger,
	}, nil
}

// SetWill implements Channel
func (c *Client) SetWill(topic string, payload []byte, qos byte, retained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = &will{topic: topic, payload: payload, qos: qos, retained: retained}
}

// OnConnected implements Channel
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnConnectionLost implements Channel
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

// buildOptions translates the configuration into paho options.
// Must be called with c.mu held.
func (c *Client) buildOptions() *mqtt.ClientOptions {
	cfg := c.config

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)

	// A username alone is not enough to authenticate; fall back to an
	// anonymous connect instead of refusing to start.
	if cfg.Username != "" {
		if cfg.Password == "" {
			c.logf("[MQTT] Username is set but password is empty, not using authentication")
		} else {
			opts.SetUsername(cfg.Username)
			opts.SetPassword(cfg.Password)
		}
	}

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: false,
		})
	}

	if c.will != nil {
		opts.SetBinaryWill(c.will.topic, c.will.payload, c.will.qos, c.will.retained)
	}

	onConnected := append([]func(){}, c.onConnected...)
	onLost := append([]func(error){}, c.onLost...)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logf("[MQTT] Connection lost: %v", err)
		for _, fn := range onLost {
			fn(err)
		}
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logf("[MQTT] Connected to broker: %s", cfg.BrokerURL())
		for _, fn := range onConnected {
			fn()
		}
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logf("[MQTT] Attempting to reconnect...")
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(true)

	return opts
}

// Connect establishes connection to MQTT broker. The first connection
// attempt is not retried; reconnects after that are paho's job.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil // Already connected
	}

	c.logf("[MQTT] Connecting to broker: %s", c.config.BrokerURL())

	c.client = mqtt.NewClient(c.buildOptions())
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	return nil
}

// Disconnect closes connection to MQTT broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	c.client.Disconnect(250) // Wait up to 250ms for in-flight work
	c.isActive = false

	c.logf("[MQTT] Disconnected from broker")
}

// Publish implements Channel. It does not wait for delivery.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return failedToken(fmt.Errorf("MQTT client is not connected"))
	}

	return c.client.Publish(topic, qos, retained, payload)
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, v...)
	}
}

// doneToken is an already completed Token
type doneToken struct {
	err  error
	done chan struct{}
}

func failedToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool            { return true }
func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error          { return t.err }

var _ Channel = (*Client)(nil)
