//go:build linux

package server

import (
	"context"
	"errors"
	"image"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"windowd/internal/config"
	"windowd/internal/device"
	"windowd/internal/eventloop"
	"windowd/internal/ipc"
	"windowd/internal/session"
	"windowd/internal/store"
)

type fakeJournal struct {
	mu        sync.Mutex
	opened    []uint64
	closed    map[uint64]string
	clipboard []store.ClipboardChange
}

func (j *fakeJournal) SessionOpened(id uint64, peerPID, peerUID int, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, id)
	return nil
}

func (j *fakeJournal) SessionClosed(id uint64, reason string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed == nil {
		j.closed = make(map[uint64]string)
	}
	j.closed[id] = reason
	return nil
}

func (j *fakeJournal) ClipboardChanged(c store.ClipboardChange) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.clipboard = append(j.clipboard, c)
	return nil
}

func (j *fakeJournal) closeReason(id uint64) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.closed[id]
	return r, ok
}

type harness struct {
	el       *EventLoop
	cfg      *config.Config
	mouseW   int
	keyW     int
	journal  *fakeJournal
	sockPath string
}

func pipe(t *testing.T) (r *device.Device, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	dev, err := device.FromFD(p[0], "pipe")
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(p[1]) })
	return dev, p[1]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mouse, mouseW := pipe(t)
	keyboard, keyW := pipe(t)

	dir, err := os.MkdirTemp("", "windowd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "w.sock")
	ln, err := ipc.Listen(sockPath, 8)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Screen.Width, cfg.Screen.Height = 100, 100
	cfg.IPC.SocketPath = sockPath

	journal := &fakeJournal{}
	el, err := Open(cfg, Options{
		Version:  "test",
		Mouse:    device.NewPacketReader(mouse),
		Keyboard: device.NewKeyReader(keyboard),
		Listener: ln,
		Journal:  journal,
	})
	require.NoError(t, err)
	t.Cleanup(func() { el.Close() })

	return &harness{el: el, cfg: cfg, mouseW: mouseW, keyW: keyW, journal: journal, sockPath: sockPath}
}

// pump runs loop iterations on the test goroutine until cond holds.
func (h *harness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := h.el.RunOnce(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func (h *harness) writeMouse(t *testing.T, packets ...device.MousePacket) {
	t.Helper()
	for _, p := range packets {
		raw, err := p.MarshalBinary()
		require.NoError(t, err)
		_, err = unix.Write(h.mouseW, raw)
		require.NoError(t, err)
	}
}

// connect dials the daemon, waits until the session exists and consumes
// the greeting.
func (h *harness) connect(t *testing.T) (net.Conn, ipc.Greeting) {
	t.Helper()
	want := h.el.Registry().Len() + 1
	conn, err := net.Dial("unix", h.sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	h.pump(t, func() bool { return h.el.Registry().Len() == want })

	msg := readMessage(t, conn)
	require.Equal(t, ipc.MsgGreeting, msg.Header.Type)
	var g ipc.Greeting
	require.NoError(t, ipc.Decode(msg.Payload, &g))
	return conn, g
}

func readMessage(t *testing.T, conn net.Conn) *ipc.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := ipc.ReadMessage(conn, ipc.DefaultMaxPayload)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn net.Conn, typ ipc.MessageType, reqID uint32, payload any) {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		data, err = ipc.Encode(payload)
		require.NoError(t, err)
	}
	require.NoError(t, ipc.NewMessage(typ, reqID, data).Write(conn))
}

func assertNothingPending(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := ipc.ReadMessage(conn, ipc.DefaultMaxPayload)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no message, got %v", err)
}

func TestOpenFailsWithoutMouse(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Input.Mouse = config.DeviceConfig{Path: filepath.Join(t.TempDir(), "missing"), Format: "packet"}

	el, err := Open(cfg, Options{})
	assert.Nil(t, el)
	assert.ErrorIs(t, err, ErrStartup)
}

func TestOpenFailsWithoutSocketAndReleasesDevices(t *testing.T) {
	mouseDev, _ := pipe(t)
	keyDev, _ := pipe(t)
	mouse := device.NewPacketReader(mouseDev)
	keyboard := device.NewKeyReader(keyDev)

	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, nil, 0600))
	cfg := config.DefaultConfig()
	cfg.IPC.SocketPath = filepath.Join(notDir, "w.sock")

	_, err := Open(cfg, Options{Mouse: mouse, Keyboard: keyboard})
	require.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, -1, mouse.Fd())
	assert.Equal(t, -1, keyboard.Fd())
}

func TestOpenRegistersFixedSources(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, eventloop.StateConstructed, h.el.State())
	assert.Equal(t, 4, h.el.loop.Len())
	assert.Equal(t, image.Pt(50, 50), h.el.Screen().CursorLocation())
}

func TestMouseBurstIsCoalesced(t *testing.T) {
	h := newHarness(t)

	h.writeMouse(t,
		device.MousePacket{DX: 3, DY: 1},
		device.MousePacket{DX: 2, DY: -1},
		device.MousePacket{Buttons: device.ButtonLeft},
	)
	h.pump(t, func() bool { return h.el.Metrics().MouseEvents.Value() > 0 })

	assert.Equal(t, image.Pt(55, 50), h.el.Screen().CursorLocation())
	assert.Equal(t, device.ButtonLeft, h.el.Screen().MouseButtonState())
	assert.Equal(t, uint64(1), h.el.Metrics().MouseEvents.Value())
	assert.Equal(t, uint64(3), h.el.Metrics().MousePackets.Value())
}

func TestKeyboardEventsReachScreen(t *testing.T) {
	h := newHarness(t)

	raw, err := device.KeyEvent{Key: 42, Flags: device.ModShift | device.IsPress}.MarshalBinary()
	require.NoError(t, err)
	_, err = unix.Write(h.keyW, raw)
	require.NoError(t, err)

	h.pump(t, func() bool { return h.el.Metrics().KeyEvents.Value() == 1 })
	assert.Equal(t, device.ModShift, h.el.Screen().Modifiers())
}

func TestFramingFaultStopsRun(t *testing.T) {
	h := newHarness(t)

	_, err := unix.Write(h.mouseW, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = h.el.Run(ctx)
	require.ErrorIs(t, err, device.ErrFraming)
	assert.Equal(t, eventloop.StateStopped, h.el.State())
}

func TestAcceptSendsGreetingAndJournals(t *testing.T) {
	h := newHarness(t)

	_, g1 := h.connect(t)
	_, g2 := h.connect(t)

	assert.Equal(t, uint64(1), g1.ClientID)
	assert.Equal(t, uint64(2), g2.ClientID)
	assert.Equal(t, "test", g1.ServerVersion)
	assert.Equal(t, 100, g1.ScreenWidth)
	assert.Equal(t, uint8(ipc.ProtocolVersion), g1.ProtocolVersion)

	h.journal.mu.Lock()
	assert.Equal(t, []uint64{1, 2}, h.journal.opened)
	h.journal.mu.Unlock()
	assert.Equal(t, int64(2), h.el.Metrics().ActiveSessions.Value())
}

func TestSpuriousListenerWakeConsumesNoIdentifier(t *testing.T) {
	h := newHarness(t)

	h.el.acceptOne()
	assert.Equal(t, uint64(1), h.el.Metrics().AcceptFailures.Value())
	assert.Equal(t, 0, h.el.Registry().Len())

	_, g := h.connect(t)
	assert.Equal(t, uint64(1), g.ClientID)
}

func TestClientDisconnectDestroysSession(t *testing.T) {
	h := newHarness(t)
	conn, g := h.connect(t)

	require.NoError(t, conn.Close())
	h.pump(t, func() bool { return h.el.Registry().Len() == 0 })

	reason, ok := h.journal.closeReason(g.ClientID)
	require.True(t, ok)
	assert.Equal(t, "client disconnected", reason)
	assert.Equal(t, 4, h.el.loop.Len(), "session fd is unregistered")
}

func TestProtocolErrorDestroysOnlyThatSession(t *testing.T) {
	h := newHarness(t)
	bad, gBad := h.connect(t)
	good, _ := h.connect(t)

	_, err := bad.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	h.pump(t, func() bool { return h.el.Registry().Len() == 1 })

	reason, _ := h.journal.closeReason(gBad.ClientID)
	assert.Contains(t, reason, "protocol")

	send(t, good, ipc.MsgPing, 1, nil)
	_, err = h.el.RunOnce(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.MsgPong, readMessage(t, good).Header.Type)
}

func TestEveryClipboardChangeReachesEverySession(t *testing.T) {
	h := newHarness(t)
	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i], _ = h.connect(t)
	}

	// Both changes land before the loop wakes up.
	_, err := h.el.Clipboard().Set("text/plain", []byte("first"))
	require.NoError(t, err)
	_, err = h.el.Clipboard().Set("text/html", []byte("<b>second</b>"))
	require.NoError(t, err)

	h.pump(t, func() bool { return h.el.Metrics().ClipboardFanouts.Value() == 2 })

	for _, conn := range conns {
		var got []ipc.ClipboardChanged
		for i := 0; i < 2; i++ {
			msg := readMessage(t, conn)
			require.Equal(t, ipc.MsgClipboardContentsChanged, msg.Header.Type)
			var changed ipc.ClipboardChanged
			require.NoError(t, ipc.Decode(msg.Payload, &changed))
			got = append(got, changed)
		}
		assert.Equal(t, []ipc.ClipboardChanged{
			{MimeType: "text/plain", Serial: 1},
			{MimeType: "text/html", Serial: 2},
		}, got)
		assertNothingPending(t, conn)
	}

	h.journal.mu.Lock()
	require.Len(t, h.journal.clipboard, 2)
	assert.Equal(t, uint64(1), h.journal.clipboard[0].Serial)
	assert.Equal(t, len("first"), h.journal.clipboard[0].Size)
	assert.Equal(t, uint64(2), h.journal.clipboard[1].Serial)
	assert.Equal(t, len("<b>second</b>"), h.journal.clipboard[1].Size)
	for _, c := range h.journal.clipboard {
		assert.Equal(t, 3, c.Notified)
	}
	h.journal.mu.Unlock()
	assert.Equal(t, uint64(6), h.el.Metrics().Notifications.Value())
}

func TestRefusedSessionRegistrationDestroysOnlyThatSession(t *testing.T) {
	h := newHarness(t)
	doomed, gDoomed := h.connect(t)
	other, _ := h.connect(t)

	s, ok := h.el.Registry().Get(gDoomed.ClientID)
	require.True(t, ok)
	h.el.RegistrationFailed(eventloop.Source{Kind: eventloop.KindSession, FD: s.Fd(), Key: s.ID()}, unix.EPERM)

	assert.True(t, s.Closed())
	assert.Equal(t, 1, h.el.Registry().Len())
	assert.Equal(t, uint64(1), h.el.Metrics().RegistrationFailures.Value())
	reason, ok := h.journal.closeReason(gDoomed.ClientID)
	require.True(t, ok)
	assert.Contains(t, reason, "register")

	require.NoError(t, doomed.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := doomed.Read(make([]byte, 1))
	assert.Error(t, err, "refused client sees its connection closed")

	send(t, other, ipc.MsgPing, 1, nil)
	_, err = h.el.RunOnce(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.MsgPong, readMessage(t, other).Header.Type)
}

func TestSetAndGetClipboardOverSession(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	send(t, conn, ipc.MsgSetClipboard, 7, &ipc.ClipboardContents{Data: []byte("hello")})
	h.pump(t, func() bool { return h.el.Metrics().ClipboardFanouts.Value() == 1 })

	ack := readMessage(t, conn)
	require.Equal(t, ipc.MsgSetClipboardAck, ack.Header.Type)
	assert.Equal(t, uint32(7), ack.Header.RequestID)
	var acked ipc.ClipboardChanged
	require.NoError(t, ipc.Decode(ack.Payload, &acked))
	assert.Equal(t, uint64(1), acked.Serial)
	assert.Equal(t, "text/plain;charset=utf-8", acked.MimeType)

	changed := readMessage(t, conn)
	assert.Equal(t, ipc.MsgClipboardContentsChanged, changed.Header.Type)
	assert.Equal(t, uint32(0), changed.Header.RequestID)

	send(t, conn, ipc.MsgGetClipboard, 8, nil)
	_, err := h.el.RunOnce(time.Second)
	require.NoError(t, err)
	got := readMessage(t, conn)
	require.Equal(t, ipc.MsgClipboardContents, got.Header.Type)
	var contents ipc.ClipboardContents
	require.NoError(t, ipc.Decode(got.Payload, &contents))
	assert.Equal(t, []byte("hello"), contents.Data)
}

func TestInvalidMimeTypeIsRejected(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	send(t, conn, ipc.MsgSetClipboard, 3, &ipc.ClipboardContents{MimeType: "not a type", Data: []byte("x")})
	_, err := h.el.RunOnce(time.Second)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	require.Equal(t, ipc.MsgError, msg.Header.Type)
	var e ipc.ErrorResponse
	require.NoError(t, ipc.Decode(msg.Payload, &e))
	assert.Equal(t, ipc.ErrCodeInvalidRequest, e.Code)
	assert.Equal(t, uint64(0), h.el.Clipboard().Get().Serial)
}

func TestUnknownRequestGetsError(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	send(t, conn, ipc.MessageType(0x7777), 9, nil)
	_, err := h.el.RunOnce(time.Second)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	require.Equal(t, ipc.MsgError, msg.Header.Type)
	assert.Equal(t, uint32(9), msg.Header.RequestID)
	var e ipc.ErrorResponse
	require.NoError(t, ipc.Decode(msg.Payload, &e))
	assert.Equal(t, ipc.ErrCodeUnknown, e.Code)
}

func TestSubscribedSessionReceivesInputEvents(t *testing.T) {
	h := newHarness(t)
	watcher, g := h.connect(t)
	idle, _ := h.connect(t)

	send(t, watcher, ipc.MsgSubscribe, 1, &ipc.SubscribeRequest{Events: []string{session.ClassMouse}})
	h.pump(t, func() bool {
		s, ok := h.el.Registry().Get(g.ClientID)
		return ok && s.Subscribed(session.ClassMouse)
	})
	assert.Equal(t, ipc.MsgSubscribeAck, readMessage(t, watcher).Header.Type)

	h.writeMouse(t, device.MousePacket{DX: 5, Buttons: device.ButtonLeft})
	h.pump(t, func() bool { return h.el.Metrics().InputForwarded.Value() == 2 })

	var types []string
	for i := 0; i < 2; i++ {
		msg := readMessage(t, watcher)
		require.Equal(t, ipc.MsgInputEvent, msg.Header.Type)
		var ev ipc.InputEvent
		require.NoError(t, ipc.Decode(msg.Payload, &ev))
		assert.Equal(t, 55, ev.X)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"mouse_down", "mouse_move"}, types)
	assertNothingPending(t, idle)
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.el.Run(ctx) }()

	client, err := ipc.Dial(ctx, ipc.DefaultClientConfig(h.sockPath))
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, uint64(1), client.Greeting().ClientID)

	_, err = client.Ping()
	require.NoError(t, err)
	require.NoError(t, client.SetClipboard("text/plain", []byte("from client")))

	evCtx, evCancel := context.WithTimeout(ctx, 2*time.Second)
	defer evCancel()
	msg, err := client.NextEvent(evCtx)
	require.NoError(t, err)
	assert.Equal(t, ipc.MsgClipboardContentsChanged, msg.Header.Type)

	contents, err := client.GetClipboard()
	require.NoError(t, err)
	assert.Equal(t, "from client", string(contents.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, eventloop.StateStopped, h.el.State())
}

func TestCloseDestroysSessions(t *testing.T) {
	h := newHarness(t)
	_, g := h.connect(t)

	require.NoError(t, h.el.Close())
	reason, ok := h.journal.closeReason(g.ClientID)
	require.True(t, ok)
	assert.Equal(t, "daemon stopped", reason)

	_, err := os.Stat(h.sockPath)
	assert.True(t, os.IsNotExist(err), "socket file removed")
	require.NoError(t, h.el.Close())
}
