package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"upsagent/internal/events"
	"upsagent/internal/mqtt"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func completedToken(err error) *fakeToken {
	t := pendingToken()
	t.complete(err)
	return t
}

func (t *fakeToken) complete(err error) {
	t.err = err
	close(t.done)
}

func (t *fakeToken) Wait() bool            { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeChannel struct {
	mu         sync.Mutex
	calls      []string
	will       *message
	published  []message
	onConn     []func()
	onLost     []func(error)
	connectErr error

	// nextToken returns the token for each Publish; defaults to success
	nextToken func() *fakeToken
	publishCh chan message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{publishCh: make(chan message, 16)}
}

func (f *fakeChannel) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChannel) SetWill(topic string, payload []byte, qos byte, retained bool) {
	f.record("will")
	f.mu.Lock()
	f.will = &message{topic, qos, retained, payload}
	f.mu.Unlock()
}

func (f *fakeChannel) OnConnected(fn func()) {
	f.record("on_connected")
	f.mu.Lock()
	f.onConn = append(f.onConn, fn)
	f.mu.Unlock()
}

func (f *fakeChannel) OnConnectionLost(fn func(error)) {
	f.record("on_lost")
	f.mu.Lock()
	f.onLost = append(f.onLost, fn)
	f.mu.Unlock()
}

// Connect acknowledges synchronously, like a broker answering CONNACK
func (f *fakeChannel) Connect() error {
	f.record("connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected()
	return nil
}

func (f *fakeChannel) connected() {
	f.mu.Lock()
	fns := append([]func(){}, f.onConn...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeChannel) lose(err error) {
	f.mu.Lock()
	fns := append([]func(error){}, f.onLost...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (f *fakeChannel) Publish(topic string, qos byte, retained bool, payload []byte) mqtt.Token {
	f.record("publish")
	msg := message{topic, qos, retained, payload}
	f.mu.Lock()
	f.published = append(f.published, msg)
	next := f.nextToken
	f.mu.Unlock()
	f.publishCh <- msg

	if next != nil {
		return next()
	}
	return completedToken(nil)
}

func (f *fakeChannel) Disconnect() {
	f.record("disconnect")
}

func (f *fakeChannel) Published() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.published...)
}

func TestStartRegistersWillBeforeConnect(t *testing.T) {
	ch := newFakeChannel()
	m := NewManager(ch, "ups/pi", Options{})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	calls := ch.Calls()
	want := []string{"will", "on_connected", "on_lost", "connect"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v; want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v; want %v", calls, want)
		}
	}

	if ch.will.topic != "ups/pi" || !ch.will.retained || ch.will.qos != 0 {
		t.Errorf("will = %+v", ch.will)
	}
	if !bytes.Equal(ch.will.payload, []byte(`{"Status":0}`)) {
		t.Errorf("will payload = %s", ch.will.payload)
	}
	if m.State() != Connected {
		t.Errorf("State() = %s; want connected", m.State())
	}
	// Connecting announces nothing; the first sample does.
	if len(ch.Published()) != 0 {
		t.Errorf("published on connect: %+v", ch.Published())
	}
}

func TestStartConnectFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.connectErr = errors.New("connection refused")

	var states []State
	m := NewManager(ch, "ups/pi", Options{OnStateChange: func(s State) { states = append(states, s) }})

	err := m.Start()
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Start() error = %v; want ErrConnect", err)
	}
	if !errors.Is(err, ch.connectErr) {
		t.Errorf("Start() error = %v; want cause wrapped", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %s; want disconnected", m.State())
	}
	if len(states) != 2 || states[0] != Connecting || states[1] != Disconnected {
		t.Errorf("state transitions = %v", states)
	}

	if err := m.Publish([]byte(`{}`)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Publish after failed start = %v; want ErrNotRunning", err)
	}

	// Nothing to announce when never connected.
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if len(ch.Published()) != 0 {
		t.Errorf("published after failed start: %+v", ch.Published())
	}
}

func TestStartTwice(t *testing.T) {
	m := NewManager(newFakeChannel(), "ups/pi", Options{})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestPublishStatus(t *testing.T) {
	ch := newFakeChannel()
	m := NewManager(ch, "ups/pi", Options{})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"Status":1}`)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msgs := ch.Published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages; want 1", len(msgs))
	}
	if msgs[0].retained || msgs[0].qos != 0 || msgs[0].topic != "ups/pi" {
		t.Errorf("status message = %+v; want qos 0 not retained", msgs[0])
	}

	// A pending token is not waited on.
	ch.nextToken = pendingToken
	if err := m.Publish(payload); err != nil {
		t.Errorf("Publish with pending token: %v", err)
	}

	// Refused by the transport: dropped, not fatal.
	ch.nextToken = func() *fakeToken { return completedToken(errors.New("not connected")) }
	if err := m.Publish(payload); err != nil {
		t.Errorf("Publish() with refused token = %v; want nil", err)
	}
	if n := len(ch.Published()); n != 3 {
		t.Errorf("published %d messages; want 3", n)
	}
}

func TestShutdownWaitsForAcknowledgment(t *testing.T) {
	ch := newFakeChannel()
	journal := events.NewStore(10)
	m := NewManager(ch, "ups/pi", Options{Journal: journal})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	tok := pendingToken()
	ch.nextToken = func() *fakeToken { return tok }

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()

	var offline message
	select {
	case offline = <-ch.publishCh:
	case <-time.After(time.Second):
		t.Fatal("offline status not published")
	}
	if !offline.retained || offline.qos != 0 || string(offline.payload) != `{"Status":0}` {
		t.Errorf("offline message = %+v", offline)
	}

	select {
	case err := <-done:
		t.Fatalf("Shutdown returned %v before acknowledgment", err)
	case <-time.After(50 * time.Millisecond):
	}
	if m.State() != Disconnecting {
		t.Errorf("State() = %s; want disconnecting", m.State())
	}
	for _, c := range ch.Calls() {
		if c == "disconnect" {
			t.Fatal("disconnected before acknowledgment")
		}
	}

	tok.complete(nil)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after acknowledgment")
	}

	calls := ch.Calls()
	if calls[len(calls)-2] != "publish" || calls[len(calls)-1] != "disconnect" {
		t.Errorf("calls = %v; want publish then disconnect", calls)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %s; want disconnected", m.State())
	}

	// Idempotent: no second offline message.
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if n := len(ch.Published()); n != 1 {
		t.Errorf("published %d messages; want exactly 1", n)
	}
	if last := journal.GetLast(1); len(last) != 1 || last[0].Type != events.EventShutdown || !last[0].Success {
		t.Errorf("journal = %+v", last)
	}
}

func TestShutdownTimeout(t *testing.T) {
	ch := newFakeChannel()
	m := NewManager(ch, "ups/pi", Options{ShutdownTimeout: 20 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	ch.nextToken = pendingToken

	err := m.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v; want deadline exceeded", err)
	}
	calls := ch.Calls()
	if calls[len(calls)-1] != "disconnect" {
		t.Errorf("abandoned wait did not disconnect: %v", calls)
	}
}

func TestShutdownContextCancelled(t *testing.T) {
	ch := newFakeChannel()
	m := NewManager(ch, "ups/pi", Options{})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	ch.nextToken = pendingToken

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v; want canceled", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %s", m.State())
	}
}

func TestConnectHooksAndReconnect(t *testing.T) {
	ch := newFakeChannel()
	journal := events.NewStore(10)
	m := NewManager(ch, "ups/pi", Options{Journal: journal})

	var hookRuns int
	m.OnConnect(func() { hookRuns++ })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if hookRuns != 1 {
		t.Fatalf("hook ran %d times; want 1", hookRuns)
	}

	ch.lose(errors.New("EOF"))
	if m.State() != Connecting {
		t.Errorf("State() after loss = %s; want connecting", m.State())
	}
	if err := m.Publish([]byte(`{}`)); err != nil {
		t.Errorf("Publish while reconnecting: %v", err)
	}

	ch.connected()
	if m.State() != Connected || hookRuns != 2 {
		t.Errorf("after reconnect: state %s, hook runs %d", m.State(), hookRuns)
	}

	types := []events.EventType{}
	for _, e := range journal.GetAll() {
		types = append(types, e.Type)
	}
	want := []events.EventType{events.EventConnected, events.EventConnectionLost, events.EventConnected}
	if len(types) != len(want) {
		t.Fatalf("journal = %v; want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("journal = %v; want %v", types, want)
			break
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Unconnected:   "unconnected",
		Connecting:    "connecting",
		Connected:     "connected",
		Disconnecting: "disconnecting",
		Disconnected:  "disconnected",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q; want %q", s, s.String(), want)
		}
	}
}
