//go:build linux

package server

import (
	"errors"
	"fmt"
	"time"

	"windowd/internal/clipboard"
	"windowd/internal/eventloop"
	"windowd/internal/ipc"
	"windowd/internal/screen"
	"windowd/internal/session"
	"windowd/internal/store"
)

// Dispatch routes one ready source. Only device faults are returned; they
// end the loop.
func (e *EventLoop) Dispatch(src eventloop.Source, ev eventloop.Events) error {
	start := time.Now()
	defer func() { e.metrics.DispatchDuration.ObserveDuration(time.Since(start)) }()

	switch src.Kind {
	case eventloop.KindMouse:
		return e.drainMouse()
	case eventloop.KindKeyboard:
		return e.drainKeyboard()
	case eventloop.KindListener:
		e.acceptOne()
	case eventloop.KindNotifier:
		e.fanOutClipboardChange()
	case eventloop.KindSession:
		e.serviceSession(src.Key, ev)
	default:
		e.logger.Warn("dispatch: unknown source", "kind", src.Kind, "fd", src.FD)
	}
	return nil
}

func (e *EventLoop) drainMouse() error {
	before, _ := e.coalescer.Stats()
	n, err := e.coalescer.Drain()
	after, _ := e.coalescer.Stats()
	e.metrics.MousePackets.Add(after - before)
	e.metrics.MouseEvents.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("mouse: %w", err)
	}
	return nil
}

func (e *EventLoop) drainKeyboard() error {
	n, err := e.relay.Drain()
	e.metrics.KeyEvents.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("keyboard: %w", err)
	}
	return nil
}

// acceptOne handles one listener readiness notification: at most one
// connection is accepted.
func (e *EventLoop) acceptOne() {
	s := e.acceptor.AcceptOne()
	if s == nil {
		e.metrics.AcceptFailures.Inc()
		return
	}

	src := eventloop.Source{Kind: eventloop.KindSession, FD: s.Fd(), Key: s.ID()}
	if err := e.loop.Register(src, eventloop.Readable); err != nil {
		e.logger.Error("register session", "session", s.ID(), "error", err)
		e.registry.Remove(s.ID())
		s.Close()
		return
	}
	e.metrics.SessionsAccepted.Inc()
	e.metrics.ActiveSessions.Set(int64(e.registry.Len()))

	if e.journal != nil {
		pid, uid := -1, -1
		if p := s.Peer(); p != nil {
			pid, uid = p.PID, p.UID
		}
		if err := e.journal.SessionOpened(s.ID(), pid, uid, s.Created()); err != nil {
			e.logger.Warn("journal session opened", "session", s.ID(), "error", err)
		}
	}

	w, h := e.screen.Size()
	if err := s.SendGreeting(ipc.Greeting{
		ServerVersion: e.version,
		ScreenWidth:   w,
		ScreenHeight:  h,
	}); err != nil {
		e.destroy(s, fmt.Sprintf("greeting: %v", err))
	}
}

// RegistrationFailed tears down a session whose deferred registration the
// kernel refused. The loop itself keeps serving the other clients.
func (e *EventLoop) RegistrationFailed(src eventloop.Source, err error) {
	if src.Kind != eventloop.KindSession {
		e.logger.Error("register source", "kind", src.Kind, "fd", src.FD, "error", err)
		return
	}
	s, ok := e.registry.Get(src.Key)
	if !ok {
		return
	}
	e.metrics.RegistrationFailures.Inc()
	e.destroy(s, fmt.Sprintf("register: %v", err))
}

func (e *EventLoop) serviceSession(id uint64, ev eventloop.Events) {
	s, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if ev.Writable() {
		if err := s.Flush(); err != nil {
			e.destroy(s, fmt.Sprintf("write: %v", err))
			return
		}
	}
	if ev.Readable() || ev.Hangup() {
		if err := s.HandleReadable(); err != nil {
			reason := fmt.Sprintf("protocol: %v", err)
			if errors.Is(err, ipc.ErrClosed) {
				reason = "client disconnected"
			}
			e.destroy(s, reason)
		}
	}
}

// destroy removes s from the loop and the registry and closes it.
func (e *EventLoop) destroy(s *session.Session, reason string) {
	if s.Closed() {
		return
	}
	if e.loop != nil {
		if err := e.loop.Unregister(s.Fd()); err != nil && !errors.Is(err, eventloop.ErrNotRegistered) {
			e.logger.Warn("unregister session", "session", s.ID(), "error", err)
		}
	}
	e.registry.Remove(s.ID())
	s.Close()

	e.metrics.SessionsDestroyed.Inc()
	e.metrics.ActiveSessions.Set(int64(e.registry.Len()))
	e.logger.Info("session destroyed", "session", s.ID(), "reason", reason, "sessions", e.registry.Len())

	if e.journal != nil {
		if err := e.journal.SessionClosed(s.ID(), reason, time.Now()); err != nil {
			e.logger.Warn("journal session closed", "session", s.ID(), "error", err)
		}
	}
}

// fanOutClipboardChange announces every clipboard change queued since the
// last wakeup, oldest first, to the sessions present right now. Sessions
// whose notification fails are torn down after each pass.
func (e *EventLoop) fanOutClipboardChange() {
	if _, err := e.notifier.Drain(); err != nil {
		e.logger.Warn("drain clipboard notifier", "error", err)
	}
	for _, c := range e.changes.take() {
		e.announceClipboardChange(c)
	}
}

func (e *EventLoop) announceClipboardChange(c clipboard.Change) {
	var failed []*session.Session
	notified := 0
	e.registry.ForEach(func(s *session.Session) {
		if err := s.NotifyClipboardContentsChanged(c.MimeType, c.Serial); err != nil {
			s.Logger().Warn("notify clipboard change", "error", err)
			failed = append(failed, s)
			return
		}
		notified++
	})
	for _, s := range failed {
		e.destroy(s, "clipboard notification failed")
	}

	e.metrics.ClipboardFanouts.Inc()
	e.metrics.Notifications.Add(uint64(notified))
	e.logger.Debug("clipboard change fanned out", "serial", c.Serial, "mime_type", c.MimeType, "notified", notified)

	if e.journal != nil {
		if err := e.journal.ClipboardChanged(store.ClipboardChange{
			Serial:   c.Serial,
			MimeType: c.MimeType,
			Size:     c.Size,
			Changed:  c.Changed,
			Notified: notified,
		}); err != nil {
			e.logger.Warn("journal clipboard change", "error", err)
		}
	}
}

// PostEvent forwards a screen event to every session subscribed to its
// class.
func (e *EventLoop) PostEvent(ev screen.Event) {
	if e.registry == nil || e.registry.Len() == 0 {
		return
	}
	class := session.ClassKeyboard
	if ev.Type.IsMouse() {
		class = session.ClassMouse
	}
	msg := toInputEvent(ev)

	var failed []*session.Session
	e.registry.ForEach(func(s *session.Session) {
		queued, err := s.PostInputEvent(class, msg)
		if err != nil {
			failed = append(failed, s)
			return
		}
		if queued {
			e.metrics.InputForwarded.Inc()
		}
	})
	for _, s := range failed {
		e.destroy(s, "input event delivery failed")
	}
}

func toInputEvent(ev screen.Event) *ipc.InputEvent {
	out := &ipc.InputEvent{
		Type:       ev.Type.String(),
		X:          ev.Position.X,
		Y:          ev.Position.Y,
		Buttons:    uint8(ev.Buttons),
		Button:     uint8(ev.Button),
		WheelDelta: ev.WheelDelta,
		Key:        ev.Key,
		Modifiers:  uint8(ev.Modifiers),
	}
	if ev.Character != 0 {
		out.Character = string(ev.Character)
	}
	return out
}

// SetWriteInterest arms or disarms write readiness for a session.
func (e *EventLoop) SetWriteInterest(s *session.Session, enabled bool) error {
	interest := eventloop.Readable
	if enabled {
		interest |= eventloop.Writable
	}
	return e.loop.Modify(s.Fd(), interest)
}

// HandleMessage answers the clipboard requests of a session.
func (e *EventLoop) HandleMessage(s *session.Session, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	switch msg.Header.Type {
	case ipc.MsgGetClipboard:
		c := e.clipboard.Get()
		return ipc.NewResponse(ipc.MsgClipboardContents, reqID, &ipc.ClipboardContents{
			MimeType: c.MimeType,
			Data:     c.Data,
		})

	case ipc.MsgSetClipboard:
		var req ipc.ClipboardContents
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, "invalid clipboard contents"), nil
		}
		serial, err := e.clipboard.Set(req.MimeType, req.Data)
		if errors.Is(err, clipboard.ErrInvalidMimeType) {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, err.Error()), nil
		}
		if err != nil {
			return nil, err
		}
		mimeType := req.MimeType
		if mimeType == "" {
			mimeType = clipboard.DefaultMimeType
		}
		s.Logger().Debug("clipboard set", "serial", serial, "mime_type", mimeType, "size", len(req.Data))
		return ipc.NewResponse(ipc.MsgSetClipboardAck, reqID, &ipc.ClipboardChanged{
			MimeType: mimeType,
			Serial:   serial,
		})
	}
	return ipc.NewErrorMessage(reqID, ipc.ErrCodeUnknown,
		fmt.Sprintf("unsupported message type %s", msg.Header.Type)), nil
}
