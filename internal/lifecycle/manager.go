// Package lifecycle manages the broker session of the agent: the last
// will, the connect, status publishing and the orderly offline shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"upsagent/internal/events"
	"upsagent/internal/mqtt"
	"upsagent/internal/telemetry"
)

var (
	// ErrConnect is returned by Start when the broker connection fails
	ErrConnect = errors.New("broker connect failed")

	// ErrNotRunning is returned by Publish outside an active session
	ErrNotRunning = errors.New("session is not running")
)

// State of the broker session
type State int32

const (
	Unconnected State = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Journal receives lifecycle events. *events.Store satisfies it.
type Journal interface {
	Add(eventType events.EventType, success bool, details string)
}

// Options configures a Manager
type Options struct {
	Logger  *log.Logger
	Journal Journal

	// OnStateChange is called after every state transition
	OnStateChange func(State)

	// ShutdownTimeout bounds the wait for the offline acknowledgment.
	// Zero waits until the context passed to Shutdown is done.
	ShutdownTimeout time.Duration
}

// Manager owns one broker session for one device topic
type Manager struct {
	ch    mqtt.Channel
	topic string
	opts  Options

	mu    sync.RWMutex
	state State
	hooks []func()

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager creates a Manager publishing on topic through ch
func NewManager(ch mqtt.Channel, topic string, opts Options) *Manager {
	return &Manager{
		ch:    ch,
		topic: topic,
		opts:  opts,
		state: Unconnected,
	}
}

// Topic returns the device topic
func (m *Manager) Topic() string {
	return m.topic
}

// State returns the current session state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnConnect registers fn to run on every connect acknowledgment,
// including reconnects. Must be called before Start.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Start registers the last will and connects. The will is part of the
// connect packet, so it is always set first.
func (m *Manager) Start() error {
	if !m.transition(Connecting, Unconnected) {
		return fmt.Errorf("start from state %s", m.State())
	}

	m.ch.SetWill(m.topic, telemetry.OfflinePayload(), 0, true)
	m.ch.OnConnected(m.handleConnected)
	m.ch.OnConnectionLost(m.handleConnectionLost)

	m.logf("[Lifecycle] Connecting, will registered on %s", m.topic)
	if err := m.ch.Connect(); err != nil {
		m.transition(Disconnected)
		m.logf("[Lifecycle] Connect failed: %v", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	m.transition(Connected, Connecting)
	return nil
}

// Publish enqueues a status payload, qos 0 and not retained. It does not
// wait for delivery. Messages the transport refuses while reconnecting
// are dropped with a log line; only publishing outside a session fails.
func (m *Manager) Publish(payload []byte) error {
	switch s := m.State(); s {
	case Connected, Connecting:
	default:
		return fmt.Errorf("%w (%s)", ErrNotRunning, s)
	}

	tok := m.ch.Publish(m.topic, 0, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			m.logf("[Lifecycle] Status dropped: %v", err)
		}
	default:
	}
	return nil
}

// Shutdown publishes the retained offline status, waits for it to be
// acknowledged and disconnects. Only the first call has any effect.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	if !m.transition(Disconnecting, Connected, Connecting) {
		// Never connected: nothing to announce.
		m.transition(Disconnected)
		return nil
	}

	m.logf("[Lifecycle] Shutting down, publishing offline status")

	if m.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ShutdownTimeout)
		defer cancel()
	}

	var err error
	tok := m.ch.Publish(m.topic, 0, true, telemetry.OfflinePayload())
	select {
	case <-tok.Done():
		if tokErr := tok.Error(); tokErr != nil {
			err = fmt.Errorf("offline status: %w", tokErr)
		}
	case <-ctx.Done():
		err = fmt.Errorf("waiting for offline acknowledgment: %w", ctx.Err())
	}

	m.ch.Disconnect()
	m.transition(Disconnected)

	if err != nil {
		m.logf("[Lifecycle] Shutdown: %v", err)
	} else {
		m.logf("[Lifecycle] Offline status delivered, disconnected")
	}
	m.journal(events.EventShutdown, err == nil, errString(err))
	return err
}

func (m *Manager) handleConnected() {
	if !m.transition(Connected, Connecting, Connected) {
		return
	}
	m.logf("[Lifecycle] Connected, publishing to %s", m.topic)
	m.journal(events.EventConnected, true, "")

	m.mu.RLock()
	hooks := append([]func(){}, m.hooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) handleConnectionLost(err error) {
	if !m.transition(Connecting, Connected) {
		return
	}
	m.logf("[Lifecycle] Connection lost: %v", err)
	m.journal(events.EventConnectionLost, false, errString(err))
}

// transition moves to next when the current state is one of from.
// An empty from allows any current state.
func (m *Manager) transition(next State, from ...State) bool {
	m.mu.Lock()
	prev := m.state
	allowed := len(from) == 0
	for _, s := range from {
		if s == prev {
			allowed = true
			break
		}
	}
	if allowed {
		m.state = next
	}
	m.mu.Unlock()

	if allowed && prev != next && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(next)
	}
	return allowed
}

func (m *Manager) journal(t events.EventType, success bool, details string) {
	if m.opts.Journal != nil {
		m.opts.Journal.Add(t, success, details)
	}
}

func (m *Manager) logf(format string, v ...interface{}) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, v...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
