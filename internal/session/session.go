//go:build linux

// Package session owns the per-client state of windowd: the accepted
// connection, its protocol buffers and subscriptions, the registry of live
// sessions and the acceptor that creates them.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"windowd/internal/ipc"
)

// Session errors
var (
	// ErrOutboundOverflow is returned when a client stops reading and its
	// pending output exceeds the configured limit.
	ErrOutboundOverflow = errors.New("session: outbound buffer overflow")
	// ErrClosed is returned for operations on a destroyed session.
	ErrClosed = errors.New("session: closed")
)

// Input event classes a client may subscribe to.
const (
	ClassMouse    = "mouse"
	ClassKeyboard = "keyboard"
)

// Handler processes the requests a session does not answer itself.
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(s *Session, msg *ipc.Message) (*ipc.Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(s *Session, msg *ipc.Message) (*ipc.Message, error)

func (f HandlerFunc) HandleMessage(s *Session, msg *ipc.Message) (*ipc.Message, error) {
	return f(s, msg)
}

// WriteInterest toggles write-readiness notifications for a session. The
// event loop implements it.
type WriteInterest interface {
	SetWriteInterest(s *Session, enabled bool) error
}

// Options configures new sessions.
type Options struct {
	MaxPayload  int
	MaxOutbound int
	Handler     Handler
	Interest    WriteInterest
	Logger      *slog.Logger
}

const (
	readChunk          = 4096
	defaultMaxOutbound = 4 << 20
)

// Session is one accepted client connection. All methods are called from
// the event loop goroutine.
type Session struct {
	id      uint64
	conn    *ipc.Conn
	created time.Time
	peer    *ipc.PeerCredentials
	opts    Options
	logger  *slog.Logger

	subscriptions map[string]bool
	rbuf          []byte
	inbuf         []byte
	outbuf        []byte
	writeArmed    bool
	closed        bool
}

// New binds a session to an accepted connection.
func New(id uint64, conn *ipc.Conn, opts Options) *Session {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = ipc.DefaultMaxPayload
	}
	if opts.MaxOutbound <= 0 {
		opts.MaxOutbound = defaultMaxOutbound
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:            id,
		conn:          conn,
		created:       time.Now(),
		opts:          opts,
		subscriptions: make(map[string]bool),
	}
	if cred, err := conn.PeerCredentials(); err == nil {
		s.peer = cred
	}
	attrs := []any{"session", id}
	if s.peer != nil {
		attrs = append(attrs, "pid", s.peer.PID, "uid", s.peer.UID)
	}
	s.logger = logger.With(attrs...)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// Fd returns the connection descriptor.
func (s *Session) Fd() int { return s.conn.Fd() }

// Created returns when the session was accepted.
func (s *Session) Created() time.Time { return s.created }

// Peer returns the peer credentials, or nil if they could not be read.
func (s *Session) Peer() *ipc.PeerCredentials { return s.peer }

// Logger returns the session's logger, tagged with its id and peer.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed }

// Subscriptions returns the subscribed input event classes, sorted.
func (s *Session) Subscriptions() []string {
	out := make([]string, 0, len(s.subscriptions))
	for class := range s.subscriptions {
		out = append(out, class)
	}
	slices.Sort(out)
	return out
}

// Subscribed reports whether the session receives events of class.
func (s *Session) Subscribed(class string) bool { return s.subscriptions[class] }

// HandleReadable reads everything the client has sent, processes each
// complete message and queues the responses. A non-nil error means the
// session must be destroyed; ipc.ErrClosed is returned once the peer hung
// up, after the messages it sent before hanging up were processed.
func (s *Session) HandleReadable() error {
	if s.closed {
		return ErrClosed
	}
	if s.rbuf == nil {
		s.rbuf = make([]byte, readChunk)
	}
	eof := false
	for {
		n, err := s.conn.Read(s.rbuf)
		if errors.Is(err, ipc.ErrWouldBlock) {
			break
		}
		if errors.Is(err, ipc.ErrClosed) {
			eof = true
			break
		}
		if err != nil {
			return err
		}
		s.inbuf = append(s.inbuf, s.rbuf[:n]...)
		if n < readChunk {
			break
		}
	}

	for {
		msg, used, err := ipc.ParseMessage(s.inbuf, s.opts.MaxPayload)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		if msg == nil {
			break
		}
		s.inbuf = s.inbuf[used:]
		if err := s.process(msg); err != nil {
			return err
		}
	}
	if len(s.inbuf) == 0 {
		s.inbuf = nil
	}
	if eof {
		// Requests that arrived before the hangup have been processed.
		return ipc.ErrClosed
	}
	return nil
}

func (s *Session) process(msg *ipc.Message) error {
	s.logger.Debug("request", "type", msg.Header.Type, "request_id", msg.Header.RequestID)

	var resp *ipc.Message
	var err error
	switch msg.Header.Type {
	case ipc.MsgPing:
		resp = ipc.NewMessage(ipc.MsgPong, msg.Header.RequestID, nil)
	case ipc.MsgSubscribe:
		resp, err = s.handleSubscribe(msg)
	default:
		if s.opts.Handler == nil {
			resp = ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrCodeInvalidRequest, "no handler")
			break
		}
		resp, err = s.opts.Handler.HandleMessage(s, msg)
	}
	if err != nil {
		resp = ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrCodeInternal, err.Error())
	}
	if resp == nil {
		return nil
	}
	return s.Send(resp)
}

func (s *Session) handleSubscribe(msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.SubscribeRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrCodeInvalidRequest, "invalid subscribe request"), nil
	}
	subs := make(map[string]bool, len(req.Events))
	for _, class := range req.Events {
		switch class {
		case ClassMouse, ClassKeyboard:
			subs[class] = true
		default:
			return ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrCodeInvalidRequest,
				fmt.Sprintf("unknown event class %q", class)), nil
		}
	}
	s.subscriptions = subs
	return ipc.NewResponse(ipc.MsgSubscribeAck, msg.Header.RequestID, &ipc.SubscribeResponse{Events: s.Subscriptions()})
}

// Send queues msg and writes as much as the socket accepts.
func (s *Session) Send(msg *ipc.Message) error {
	if s.closed {
		return ErrClosed
	}
	raw, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if len(s.outbuf)+len(raw) > s.opts.MaxOutbound {
		return fmt.Errorf("%w: %d bytes pending", ErrOutboundOverflow, len(s.outbuf))
	}
	s.outbuf = append(s.outbuf, raw...)
	return s.Flush()
}

// Flush writes pending output until it is drained or the socket is full,
// and keeps write interest armed exactly while output is pending.
func (s *Session) Flush() error {
	if s.closed {
		return ErrClosed
	}
	for len(s.outbuf) > 0 {
		n, err := s.conn.Write(s.outbuf)
		if errors.Is(err, ipc.ErrWouldBlock) {
			break
		}
		if err != nil {
			return err
		}
		s.outbuf = s.outbuf[n:]
	}
	if len(s.outbuf) == 0 {
		s.outbuf = nil
	}
	return s.setWriteInterest(len(s.outbuf) > 0)
}

func (s *Session) setWriteInterest(enabled bool) error {
	if enabled == s.writeArmed || s.opts.Interest == nil {
		return nil
	}
	if err := s.opts.Interest.SetWriteInterest(s, enabled); err != nil {
		return fmt.Errorf("write interest: %w", err)
	}
	s.writeArmed = enabled
	return nil
}

// Pending returns the number of queued outbound bytes.
func (s *Session) Pending() int { return len(s.outbuf) }

// SendGreeting sends the first message of the connection.
func (s *Session) SendGreeting(g ipc.Greeting) error {
	g.ClientID = s.id
	g.ProtocolVersion = ipc.ProtocolVersion
	msg, err := ipc.NewResponse(ipc.MsgGreeting, 0, &g)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// NotifyClipboardContentsChanged tells the client the clipboard changed.
func (s *Session) NotifyClipboardContentsChanged(mimeType string, serial uint64) error {
	msg, err := ipc.NewResponse(ipc.MsgClipboardContentsChanged, 0, &ipc.ClipboardChanged{
		MimeType: mimeType,
		Serial:   serial,
	})
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// PostInputEvent forwards ev if the session subscribed to class. It
// reports whether the event was queued.
func (s *Session) PostInputEvent(class string, ev *ipc.InputEvent) (bool, error) {
	if !s.subscriptions[class] {
		return false, nil
	}
	msg, err := ipc.NewResponse(ipc.MsgInputEvent, 0, ev)
	if err != nil {
		return false, err
	}
	return true, s.Send(msg)
}

// Close releases the connection. Calling it twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.inbuf, s.outbuf = nil, nil
	s.logger.Debug("session closed", "lifetime", time.Since(s.created).Round(time.Millisecond))
	return s.conn.Close()
}
