// Package push consumes the server's run-status WebSocket and turns it into a
// typed, ordered event stream. Reconnection is paced by a connection.Backoff.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// DefaultPath is the run-status stream endpoint relative to the server root.
const DefaultPath = "/execution/ws/run_status"

// DeriveURL maps an http(s) server root onto the ws(s) run-status endpoint
// below it.
func DeriveURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", httpURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultPath
	return u.String(), nil
}

// EventType identifies what happened on the channel.
type EventType int

const (
	EventOpen EventType = iota
	EventClose
	EventRetry
	EventStatus
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventRetry:
		return "retry"
	case EventStatus:
		return "status"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a single item of the push stream.
type Event struct {
	Type    EventType
	At      time.Time
	Update  *runstatus.Update
	Attempt int
	Err     error
}

// envelope is the framed form {"type": ..., "data": {...}}. Unframed messages
// are decoded as a bare update.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client dials the push channel and keeps it open until its context ends.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff connection.Backoff
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnection pacing.
func WithBackoff(b connection.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHeader adds headers (for example the session cookie) to the handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// NewClient creates a push client for the ws:// or wss:// url.
func NewClient(wsURL string, opts ...Option) *Client {
	c := &Client{
		url:     wsURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		backoff: connection.DefaultBackoff(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and forwards events to out in delivery order. It reconnects
// after every failure and returns only when ctx is done.
func (c *Client) Run(ctx context.Context, out chan<- Event) error {
	logger := c.logger.With("component", "push", "url", c.url)
	attempt := 0
	down := false

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !down {
				down = true
				if !c.send(ctx, out, Event{Type: EventClose, At: c.now(), Err: err}) {
					return ctx.Err()
				}
			}
			wait := c.backoff.Next(attempt)
			attempt++
			logger.Warn("push_dial_failed", "attempt", attempt, "retry_in", wait.String(), "error", err)
			if !c.send(ctx, out, Event{Type: EventRetry, At: c.now(), Attempt: attempt, Err: err}) {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		down = false
		logger.Info("push_connected")
		if !c.send(ctx, out, Event{Type: EventOpen, At: c.now()}) {
			conn.Close()
			return ctx.Err()
		}

		err = c.read(ctx, conn, out, logger)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		down = true
		logger.Warn("push_disconnected", "error", err)
		if !c.send(ctx, out, Event{Type: EventClose, At: c.now(), Err: err}) {
			return ctx.Err()
		}
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, out chan<- Event, logger *slog.Logger) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		update, err := DecodeUpdate(data)
		if err != nil {
			logger.Warn("push_message_dropped", "error", err)
			continue
		}
		if update == nil {
			continue
		}
		if !c.send(ctx, out, Event{Type: EventStatus, At: c.now(), Update: update}) {
			return ctx.Err()
		}
	}
}

func (c *Client) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// DecodeUpdate parses one push message. Framed messages of a type other than
// run status yield a nil update.
func DecodeUpdate(data []byte) (*runstatus.Update, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode push message: %w", err)
	}
	payload := data
	if len(env.Data) > 0 {
		switch env.Type {
		case "", "run_status", "status":
			payload = env.Data
		default:
			return nil, nil
		}
	}
	var u runstatus.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	if u.Status == "" && u.RunID == "" && u.ActiveNode == "" && u.Error == nil {
		return nil, errors.New("push message carries no run status")
	}
	return &u, nil
}
