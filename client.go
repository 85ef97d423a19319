package mcpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Client talks to an mcpd server over the dual-channel transport: a long-lived
// SSE stream for server-to-client events and HTTP POST for JSON-RPC calls.
//
// The write-back endpoint is taken from the server's "endpoint" event and is
// authoritative; the client never guesses it. Instances should be created
// with NewClient and torn down with Close.
type Client struct {
	connectURL   string
	httpClient   *http.Client
	logger       *slog.Logger
	maxEventSize int

	mu       sync.Mutex
	endpoint string

	notifications chan JSONRPCMessage
	heartbeats    chan int64

	cancel context.CancelFunc
}

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// WithClientMaxEventSize sets the maximum size of a single SSE event the
// client accepts. Oversized events terminate the stream.
func WithClientMaxEventSize(size int) ClientOption {
	return func(c *Client) {
		c.maxEventSize = size
	}
}

// NewClient creates a client that connects to the SSE stream at connectURL.
// A nil httpClient falls back to http.DefaultClient. Call Connect before any
// other method.
func NewClient(connectURL string, httpClient *http.Client, options ...ClientOption) *Client {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &Client{
		connectURL:    connectURL,
		httpClient:    cli,
		logger:        slog.Default(),
		notifications: make(chan JSONRPCMessage, 16),
		heartbeats:    make(chan int64, 4),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect opens the SSE stream and blocks until the server announces the
// write-back endpoint or the context is cancelled. It must be called exactly
// once.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go c.listen(resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err, ok := <-ready:
		if ok && err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// listen consumes the SSE stream, resolving the endpoint announcement and
// fanning events out to the notification and heartbeat channels.
func (c *Client) listen(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.notifications)
		close(c.heartbeats)
	}()

	var config *sse.ReadConfig
	if c.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxEventSize,
		}
	}

	announced := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			endpoint, err := parseEndpoint(ev.Data)
			if err != nil {
				// Only the first announcement may fail the
				// connect; ready is closed after it, so later
				// malformed updates are dropped.
				if announced {
					c.logger.Error("ignoring malformed endpoint update", "err", err)
					continue
				}
				ready <- err
				return
			}
			c.mu.Lock()
			c.endpoint = endpoint
			c.mu.Unlock()
			if !announced {
				announced = true
				close(ready)
			}
		case "heartbeat":
			var payload heartbeatPayload
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				c.logger.Error("failed to parse heartbeat payload", "err", err)
				continue
			}
			select {
			case c.heartbeats <- payload.Timestamp:
			default:
			}
		case "message":
			if !announced {
				c.logger.Error("received message before endpoint announcement")
				continue
			}
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			select {
			case c.notifications <- msg:
			default:
				c.logger.Warn("dropped notification, no consumer",
					slog.String("method", msg.Method))
			}
		default:
			c.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

// parseEndpoint validates one endpoint event payload and returns the
// announced URI, which must be absolute.
func parseEndpoint(data string) (string, error) {
	var payload endpointPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", fmt.Errorf("failed to parse endpoint payload: %w", err)
	}
	u, err := url.Parse(payload.URI)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("endpoint URL is not absolute: %q", payload.URI)
	}
	return u.String(), nil
}

// Endpoint returns the announced write-back URI, empty before Connect
// completes.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Call sends a request and returns the result payload. Application errors
// surface as a *JSONRPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := NewRequest(StringID(uuid.New().String()), method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification; the server never replies to it, success or
// failure.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, msg)
	return err
}

func (c *Client) post(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return JSONRPCMessage{}, errors.New("not connected: endpoint not announced yet")
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JSONRPCMessage{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// Notifications returns an iterator over out-of-band messages pushed by the
// server. The iteration ends when the stream closes.
func (c *Client) Notifications() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range c.notifications {
			if !yield(msg) {
				return
			}
		}
	}
}

// Heartbeats returns an iterator over heartbeat timestamps. The iteration
// ends when the stream closes.
func (c *Client) Heartbeats() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		for ts := range c.heartbeats {
			if !yield(ts) {
				return
			}
		}
	}
}

// Close tears down the SSE stream. It is safe to call after a failed
// Connect.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
