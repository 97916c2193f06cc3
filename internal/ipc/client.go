package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to windowd")
	ErrDaemonNotRunning = errors.New("windowd is not running")
)

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxPayload     int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxPayload:     DefaultMaxPayload,
	}
}

// Client is a blocking client for windowd. Server events that arrive while
// a request is outstanding are queued and returned by NextEvent.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	config   ClientConfig
	greeting Greeting
	nextReq  uint32
	queued   []*Message
}

// Dial connects to windowd and reads its greeting.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &Client{conn: conn, config: cfg}
	if cfg.RequestTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.RequestTimeout))
	}
	msg, err := ReadMessage(conn, cfg.MaxPayload)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if msg.Header.Type != MsgGreeting {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message: %s", msg.Header.Type)
	}
	if err := Decode(msg.Payload, &c.greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode greeting: %w", err)
	}
	return c, nil
}

// Greeting returns the greeting the server sent on connect.
func (c *Client) Greeting() Greeting { return c.greeting }

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Request sends a request and waits for the response carrying the same
// request id. An Error response is returned as a *RemoteError.
func (c *Client) Request(msgType MessageType, payload any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	c.nextReq++
	reqID := c.nextReq

	if c.config.RequestTimeout > 0 {
		deadline := time.Now().Add(c.config.RequestTimeout)
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	}
	if err := NewMessage(msgType, reqID, data).Write(c.conn); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	for {
		msg, err := ReadMessage(c.conn, c.config.MaxPayload)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if msg.Header.RequestID != reqID {
			c.queued = append(c.queued, msg)
			continue
		}
		if msg.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(msg.Payload, &e); err != nil {
				return nil, fmt.Errorf("decode error response: %w", err)
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return msg, nil
	}
}

// NextEvent blocks until a server event arrives or ctx is done.
func (c *Client) NextEvent(ctx context.Context) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queued) > 0 {
		msg := c.queued[0]
		c.queued = c.queued[1:]
		return msg, nil
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	c.conn.SetReadDeadline(time.Time{})

	msg, err := ReadMessage(c.conn, c.config.MaxPayload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read event: %w", err)
	}
	return msg, nil
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("windowd error %d: %s", e.Code, e.Message)
}

// High-level API methods

// Ping checks that the server answers.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	resp, err := c.Request(MsgPing, nil)
	if err != nil {
		return 0, err
	}
	if resp.Header.Type != MsgPong {
		return 0, fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	return time.Since(start), nil
}

// GetClipboard returns the current clipboard contents.
func (c *Client) GetClipboard() (*ClipboardContents, error) {
	resp, err := c.Request(MsgGetClipboard, nil)
	if err != nil {
		return nil, err
	}
	var contents ClipboardContents
	if err := Decode(resp.Payload, &contents); err != nil {
		return nil, err
	}
	return &contents, nil
}

// SetClipboard replaces the clipboard contents.
func (c *Client) SetClipboard(mimeType string, data []byte) error {
	_, err := c.Request(MsgSetClipboard, &ClipboardContents{MimeType: mimeType, Data: data})
	return err
}

// Subscribe selects the input event classes to receive.
func (c *Client) Subscribe(events ...string) ([]string, error) {
	resp, err := c.Request(MsgSubscribe, &SubscribeRequest{Events: events})
	if err != nil {
		return nil, err
	}
	var ack SubscribeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return nil, err
	}
	return ack.Events, nil
}
