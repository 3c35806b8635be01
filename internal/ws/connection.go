package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"duet/internal/api"
	"duet/internal/logger"
	"duet/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	outboundBuffer = 64

	defaultPongWait  = 60 * time.Second
	defaultWriteWait = 10 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Keepalive controls dead peer detection. The server pings every PingPeriod
// and drops a peer it has heard nothing from, pongs included, for PongWait.
type Keepalive struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func (k Keepalive) withDefaults() Keepalive {
	if k.PongWait <= 0 {
		k.PongWait = defaultPongWait
	}
	if k.PingPeriod <= 0 || k.PingPeriod >= k.PongWait {
		k.PingPeriod = k.PongWait * 9 / 10
	}
	if k.WriteWait <= 0 {
		k.WriteWait = defaultWriteWait
	}
	return k
}

type messageHub interface {
	Join(userID string, conn *Connection)
	Leave(userID string, conn *Connection)
	Dispatch(ctx context.Context, userID string, msg models.ClientMessage) (*models.Event, error)
}

// Connection is one live websocket of a user. It implements presence.Handle:
// server events are queued without blocking and dropped when the queue is full.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	limiter    *rate.Limiter
	keepalive  Keepalive
	log        *logger.Logger
	fromClient chan models.ClientMessage
	fromServer chan models.Event
	errorCh    chan error

	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	limiter *rate.Limiter,
	keepalive Keepalive,
	log *logger.Logger,
) *Connection {
	c := &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		limiter:    limiter,
		keepalive:  keepalive.withDefaults(),
		log:        log.ForUser(userID),
		fromClient: make(chan models.ClientMessage),
		fromServer: make(chan models.Event, outboundBuffer),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
	hub.Join(userID, c)
	return c
}

// Send queues ev for the client.
func (c *Connection) Send(ev models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.fromServer <- ev:
		return true
	default:
		return false
	}
}

// Close stops the connection. The caller does not wait for Handle to return.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c)
		c.Close()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	case <-c.done:
		c.log.Info("Connection closed by server")
	}
	c.ws.Close()
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	if err := c.extendReadDeadline(); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})

	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		if err := c.extendReadDeadline(); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mainLoop is the only writer on the socket.
func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.keepalive.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.fromClient:
			if reply := c.processClientMessage(ctx, msg); reply != nil {
				if err := c.writeJSON(reply); err != nil {
					return err
				}
			}
		case ev := <-c.fromServer:
			if err := c.writeJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.keepalive.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) writeJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.keepalive.WriteWait))
	return c.ws.WriteJSON(v)
}

func (c *Connection) extendReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.keepalive.PongWait))
}

// processClientMessage runs a client frame and returns the event to write back, if any.
func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) *models.Event {
	if !c.limiter.Allow() {
		return &models.Event{Type: models.EventError, Error: "Too many messages, slow down"}
	}

	reply, err := c.hub.Dispatch(ctx, c.userID, msg)
	if err != nil {
		c.log.Debug("Client frame rejected", zap.String("type", string(msg.Type)), zap.Error(err))
		return &models.Event{Type: models.EventError, Error: api.PublicMessage(err)}
	}
	return reply
}
