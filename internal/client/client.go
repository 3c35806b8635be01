// Package client talks to a duet server over its REST API and event socket.
// It satisfies view.API, so a view.Controller can run against a live server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"duet/internal/models"

	"github.com/gorilla/websocket"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) ListMessages(ctx context.Context, counterpartID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(counterpartID), nil, &msgs)
	return msgs, err
}

func (c *Client) ListCounterparts(ctx context.Context) ([]models.ConversationSummary, error) {
	var list []models.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/messages/users", nil, &list)
	return list, err
}

func (c *Client) MarkRead(ctx context.Context, senderID string) (models.ReadResult, error) {
	var res models.ReadResult
	err := c.do(ctx, http.MethodPut, "/api/messages/read/"+url.PathEscape(senderID), nil, &res)
	return res, err
}

func (c *Client) Send(ctx context.Context, receiverID string, req models.SendRequest) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(receiverID), req, &msg)
	return msg, err
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/api/auth/check", nil, &u)
	return u, err
}

// Stream opens the event socket and calls handle for every server event
// until ctx is done or the connection drops. handle runs on the reading goroutine.
func (c *Client) Stream(ctx context.Context, handle func(models.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return &StatusError{Status: resp.StatusCode, Message: err.Error()}
		}
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		handle(ev)
	}
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
