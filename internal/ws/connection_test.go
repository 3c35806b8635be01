package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duet/internal/logger"
	"duet/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var errReadTimeout = errors.New("i/o timeout")

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error

	// answerPings makes the peer reply to every ping with a pong.
	answerPings bool
	pings       atomic.Int32
	pongCh      chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
	pongHandler  func(string) error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
		pongCh:  make(chan struct{}, 1),
	}
}

func (m *mockWS) WriteMessage(messageType int, _ []byte) error {
	if messageType == websocket.PingMessage {
		m.pings.Add(1)
		if m.answerPings {
			select {
			case m.pongCh <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (m *mockWS) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

func (m *mockWS) SetWriteDeadline(time.Time) error { return nil }

func (m *mockWS) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

// ReadJSON honours the read deadline and, like gorilla, runs the pong
// handler on the reading goroutine.
func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	for {
		m.mu.Lock()
		deadline, onPong := m.readDeadline, m.pongHandler
		m.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case msg, ok := <-m.readCh:
			if !ok {
				return errors.New("closed")
			}
			if ptr, ok := v.(*models.ClientMessage); ok {
				*ptr = msg
			}
			return nil
		case <-m.closeCh:
			return errors.New("connection closed")
		case <-m.pongCh:
			if onPong != nil {
				if err := onPong(""); err != nil {
					return err
				}
			}
		case <-timeout:
			return errReadTimeout
		}
	}
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientMessage
	reply      *models.Event
	err        error
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.ClientMessage, 10),
	}
}

func (m *mockHub) Join(userID string, _ *Connection) {
	m.joinCh <- userID
}

func (m *mockHub) Leave(userID string, _ *Connection) {
	m.leaveCh <- userID
}

func (m *mockHub) Dispatch(_ context.Context, _ string, msg models.ClientMessage) (*models.Event, error) {
	m.dispatchCh <- msg
	return m.reply, m.err
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}

func expectWrite(t *testing.T, ws *mockWS) models.Event {
	t.Helper()
	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.Event)
		if !ok {
			ptr, ok := received.(*models.Event)
			if !ok {
				t.Fatalf("WS received wrong type: %T", received)
			}
			ev = *ptr
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("WS did not receive an event")
	}
	return models.Event{}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID, unlimited(), Keepalive{}, logger.NewNop())
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	// Verify Join was called
	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("Expected Join with %s, got %s", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub, the reply goes back on the same socket
	m := models.Message{ID: "m1", Text: "hello"}
	hub.reply = &models.Event{Type: models.EventMessageSent, Message: &m}
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSend, ReceiverID: "user2", Text: "hello"}

	select {
	case received := <-hub.dispatchCh:
		if received.Text != "hello" {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(time.Second):
		t.Error("Hub did not receive dispatched message")
	}
	if ev := expectWrite(t, ws); ev.Type != models.EventMessageSent || ev.Message.ID != "m1" {
		t.Errorf("Unexpected reply: %+v", ev)
	}

	// 2. Server -> Client
	if !conn.Send(models.Event{Type: models.EventNewMessage, Message: &models.Message{Text: "hi back"}}) {
		t.Fatal("Send should queue while connected")
	}
	if ev := expectWrite(t, ws); ev.Message == nil || ev.Message.Text != "hi back" {
		t.Errorf("WS received wrong content: %+v", ev)
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != userID {
			t.Errorf("Expected Leave with %s, got %s", userID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if conn.Send(models.Event{Type: models.EventNewMessage}) {
		t.Error("Send must fail after the connection ended")
	}
}

func TestConnection_DispatchErrorBecomesErrorEvent(t *testing.T) {
	hub := newMockHub()
	hub.err = errors.Join(errors.New("boom"), context.DeadlineExceeded)
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", unlimited(), Keepalive{}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSend}
	ev := expectWrite(t, ws)
	if ev.Type != models.EventError || ev.Error != "Internal Server Error" {
		t.Errorf("Expected generic error event, got %+v", ev)
	}
}

func TestConnection_RateLimited(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", rate.NewLimiter(rate.Every(time.Hour), 1), Keepalive{}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeMarkRead, SenderID: "user2"}
	<-hub.dispatchCh

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeMarkRead, SenderID: "user2"}
	ev := expectWrite(t, ws)
	if ev.Type != models.EventError {
		t.Errorf("Expected error event, got %+v", ev)
	}
	select {
	case <-hub.dispatchCh:
		t.Error("Rate limited frame must not reach the hub")
	default:
	}
}

func TestConnection_ClosedByServer(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "user1", unlimited(), Keepalive{}, logger.NewNop())

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	conn.Close()
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after Close")
	}
	if !ws.closed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_SendDropsWhenFull(t *testing.T) {
	hub := newMockHub()
	conn := NewConnection(hub, newMockWS(), "user1", unlimited(), Keepalive{}, logger.NewNop())

	for i := 0; i < outboundBuffer; i++ {
		if !conn.Send(models.Event{Type: models.EventNewMessage}) {
			t.Fatalf("Send %d should fit in the buffer", i)
		}
	}
	if conn.Send(models.Event{Type: models.EventNewMessage}) {
		t.Error("Send should drop when the buffer is full")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2", unlimited(), Keepalive{}, logger.NewNop())

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_DropsSilentPeer(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	keepalive := Keepalive{PongWait: 50 * time.Millisecond, PingPeriod: 20 * time.Millisecond}
	conn := NewConnection(hub, ws, "user1", unlimited(), keepalive, logger.NewNop())
	<-hub.joinCh

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if !errors.Is(err, errReadTimeout) {
			t.Errorf("Expected read timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return for a peer that never answers pings")
	}

	select {
	case id := <-hub.leaveCh:
		if id != "user1" {
			t.Errorf("Expected Leave with user1, got %s", id)
		}
	default:
		t.Error("Leave not called")
	}
	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if ws.pings.Load() == 0 {
		t.Error("No ping was sent")
	}
}

func TestConnection_PongsKeepPeerAlive(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	ws.answerPings = true
	keepalive := Keepalive{PongWait: 200 * time.Millisecond, PingPeriod: 20 * time.Millisecond}
	conn := NewConnection(hub, ws, "user1", unlimited(), keepalive, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("Live peer was dropped: %v", err)
	case <-time.After(3 * keepalive.PongWait):
	}
	if n := ws.pings.Load(); n < 3 {
		t.Errorf("Expected regular pings, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}
}

func TestKeepaliveDefaults(t *testing.T) {
	k := Keepalive{}.withDefaults()
	if k.PongWait != defaultPongWait || k.WriteWait != defaultWriteWait {
		t.Errorf("Unexpected defaults: %+v", k)
	}
	if k.PingPeriod <= 0 || k.PingPeriod >= k.PongWait {
		t.Errorf("Ping period %v must be below pong wait %v", k.PingPeriod, k.PongWait)
	}

	k = Keepalive{PongWait: time.Second, PingPeriod: 2 * time.Second}.withDefaults()
	if k.PingPeriod >= k.PongWait {
		t.Errorf("Ping period %v must be clamped below %v", k.PingPeriod, k.PongWait)
	}
}
