//go:build linux

package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"windowd/internal/ipc"
)

// pair returns a server-side conn and the raw client fd.
func pair(t *testing.T) (*ipc.Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	conn, err := ipc.NewConn(fds[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		unix.Close(fds[1])
	})
	return conn, fds[1]
}

type fakeListener struct {
	t     *testing.T
	fails int
	peers []int
}

func (f *fakeListener) Accept() (*ipc.Conn, error) {
	if f.fails > 0 {
		f.fails--
		return nil, ipc.ErrNoPendingConnection
	}
	conn, peer := pair(f.t)
	f.peers = append(f.peers, peer)
	return conn, nil
}

func readMessages(t *testing.T, fd int) []*ipc.Message {
	t.Helper()
	buf := make([]byte, 1<<16)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	r := bytes.NewReader(buf[:n])
	var out []*ipc.Message
	for r.Len() > 0 {
		msg, err := ipc.ReadMessage(r, ipc.DefaultMaxPayload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func writeMessage(t *testing.T, fd int, msg *ipc.Message) {
	t.Helper()
	raw, err := msg.MarshalBinary()
	require.NoError(t, err)
	_, err = unix.Write(fd, raw)
	require.NoError(t, err)
}

func TestIdentifiersIncreaseAndAreNeverReused(t *testing.T) {
	reg := NewRegistry(0)
	acc := NewAcceptor(&fakeListener{t: t}, reg, Options{})

	var seen []uint64
	for i := 0; i < 5; i++ {
		s := acc.AcceptOne()
		require.NotNil(t, s)
		seen = append(seen, s.ID())
		// Destroy every other session straight away.
		if i%2 == 0 {
			_, err := reg.Remove(s.ID())
			require.NoError(t, err)
			s.Close()
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)

	s := acc.AcceptOne()
	require.NotNil(t, s)
	assert.Equal(t, uint64(6), s.ID())
	assert.Equal(t, 3, reg.Len())
}

func TestAcceptFailureConsumesNoIdentifier(t *testing.T) {
	reg := NewRegistry(0)
	acc := NewAcceptor(&fakeListener{t: t, fails: 2}, reg, Options{})

	assert.Nil(t, acc.AcceptOne())
	assert.Nil(t, acc.AcceptOne())
	assert.Zero(t, acc.LastID())
	assert.Zero(t, reg.Len())

	s := acc.AcceptOne()
	require.NotNil(t, s)
	assert.Equal(t, uint64(1), s.ID())
}

func TestAcceptorRejectsWhenFull(t *testing.T) {
	ln := &fakeListener{t: t}
	reg := NewRegistry(1)
	acc := NewAcceptor(ln, reg, Options{})

	require.NotNil(t, acc.AcceptOne())
	assert.Nil(t, acc.AcceptOne())
	assert.Equal(t, uint64(1), acc.LastID())

	// The rejected connection was closed.
	n, err := unix.Read(ln.peers[1], make([]byte, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistryDuplicateAndMissing(t *testing.T) {
	conn, _ := pair(t)
	reg := NewRegistry(0)
	s := New(7, conn, Options{})

	require.NoError(t, reg.Insert(s))
	assert.ErrorIs(t, reg.Insert(s), ErrDuplicateID)

	got, ok := reg.Get(7)
	assert.True(t, ok)
	assert.Same(t, s, got)

	_, err := reg.Remove(8)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFanOutNotifiesEachSessionOnce(t *testing.T) {
	reg := NewRegistry(0)
	peers := map[uint64]int{}
	for id := uint64(1); id <= 3; id++ {
		conn, peer := pair(t)
		require.NoError(t, reg.Insert(New(id, conn, Options{})))
		peers[id] = peer
	}

	calls := map[uint64]int{}
	reg.ForEach(func(s *Session) {
		calls[s.ID()]++
		require.NoError(t, s.NotifyClipboardContentsChanged("text/plain", 4))
	})
	assert.Equal(t, map[uint64]int{1: 1, 2: 1, 3: 1}, calls)

	for id, peer := range peers {
		msgs := readMessages(t, peer)
		require.Len(t, msgs, 1, "session %d", id)
		assert.Equal(t, ipc.MsgClipboardContentsChanged, msgs[0].Header.Type)
	}
}

func TestForEachToleratesRemoval(t *testing.T) {
	reg := NewRegistry(0)
	for id := uint64(1); id <= 3; id++ {
		conn, _ := pair(t)
		require.NoError(t, reg.Insert(New(id, conn, Options{})))
	}

	visited := 0
	reg.ForEach(func(s *Session) {
		visited++
		for _, other := range reg.Snapshot() {
			reg.Remove(other.ID())
		}
	})
	assert.Equal(t, 3, visited)
	assert.Zero(t, reg.Len())
}

func TestSessionAnswersPingAndSubscribe(t *testing.T) {
	conn, peer := pair(t)
	s := New(1, conn, Options{})

	writeMessage(t, peer, ipc.NewMessage(ipc.MsgPing, 10, nil))
	sub, err := ipc.NewResponse(ipc.MsgSubscribe, 11, &ipc.SubscribeRequest{Events: []string{ClassMouse}})
	require.NoError(t, err)
	writeMessage(t, peer, sub)

	require.NoError(t, s.HandleReadable())
	msgs := readMessages(t, peer)
	require.Len(t, msgs, 2)
	assert.Equal(t, ipc.MsgPong, msgs[0].Header.Type)
	assert.Equal(t, uint32(10), msgs[0].Header.RequestID)
	assert.Equal(t, ipc.MsgSubscribeAck, msgs[1].Header.Type)

	assert.True(t, s.Subscribed(ClassMouse))
	assert.False(t, s.Subscribed(ClassKeyboard))

	queued, err := s.PostInputEvent(ClassKeyboard, &ipc.InputEvent{Type: "key_down"})
	require.NoError(t, err)
	assert.False(t, queued)
	queued, err = s.PostInputEvent(ClassMouse, &ipc.InputEvent{Type: "mouse_move", X: 1})
	require.NoError(t, err)
	assert.True(t, queued)
	msgs = readMessages(t, peer)
	require.Len(t, msgs, 1)
	assert.Equal(t, ipc.MsgInputEvent, msgs[0].Header.Type)
}

func TestSessionRejectsUnknownEventClass(t *testing.T) {
	conn, peer := pair(t)
	s := New(1, conn, Options{})

	sub, _ := ipc.NewResponse(ipc.MsgSubscribe, 1, &ipc.SubscribeRequest{Events: []string{"touch"}})
	writeMessage(t, peer, sub)
	require.NoError(t, s.HandleReadable())

	msgs := readMessages(t, peer)
	require.Len(t, msgs, 1)
	assert.Equal(t, ipc.MsgError, msgs[0].Header.Type)
	assert.Empty(t, s.Subscriptions())
}

func TestSessionDelegatesToHandler(t *testing.T) {
	conn, peer := pair(t)
	var got []ipc.MessageType
	s := New(1, conn, Options{Handler: HandlerFunc(func(s *Session, msg *ipc.Message) (*ipc.Message, error) {
		got = append(got, msg.Header.Type)
		if msg.Header.Type == ipc.MsgSetClipboard {
			return nil, errors.New("store unavailable")
		}
		return ipc.NewResponse(ipc.MsgClipboardContents, msg.Header.RequestID, &ipc.ClipboardContents{MimeType: "text/plain"})
	})})

	writeMessage(t, peer, ipc.NewMessage(ipc.MsgGetClipboard, 1, nil))
	writeMessage(t, peer, ipc.NewMessage(ipc.MsgSetClipboard, 2, []byte(`{}`)))
	require.NoError(t, s.HandleReadable())

	assert.Equal(t, []ipc.MessageType{ipc.MsgGetClipboard, ipc.MsgSetClipboard}, got)
	msgs := readMessages(t, peer)
	require.Len(t, msgs, 2)
	assert.Equal(t, ipc.MsgClipboardContents, msgs[0].Header.Type)
	assert.Equal(t, ipc.MsgError, msgs[1].Header.Type)
	assert.Equal(t, uint32(2), msgs[1].Header.RequestID)
}

func TestSessionBuffersPartialMessages(t *testing.T) {
	conn, peer := pair(t)
	s := New(1, conn, Options{})

	raw, _ := ipc.NewMessage(ipc.MsgPing, 5, nil).MarshalBinary()
	_, err := unix.Write(peer, raw[:5])
	require.NoError(t, err)
	require.NoError(t, s.HandleReadable())

	_, err = unix.Write(peer, raw[5:])
	require.NoError(t, err)
	require.NoError(t, s.HandleReadable())

	msgs := readMessages(t, peer)
	require.Len(t, msgs, 1)
	assert.Equal(t, ipc.MsgPong, msgs[0].Header.Type)
}

func TestSessionProtocolErrorIsFatal(t *testing.T) {
	conn, peer := pair(t)
	s := New(1, conn, Options{})

	_, err := unix.Write(peer, bytes.Repeat([]byte{0xff}, ipc.HeaderSize))
	require.NoError(t, err)
	assert.ErrorIs(t, s.HandleReadable(), ipc.ErrBadMagic)
}

func TestSessionHangup(t *testing.T) {
	conn, peer := pair(t)
	s := New(1, conn, Options{})
	require.NoError(t, unix.Close(peer))

	assert.ErrorIs(t, s.HandleReadable(), ipc.ErrClosed)
}

func TestSessionProcessesRequestsSentBeforeHangup(t *testing.T) {
	conn, peer := pair(t)
	var ids []uint32
	s := New(1, conn, Options{Handler: HandlerFunc(func(s *Session, msg *ipc.Message) (*ipc.Message, error) {
		ids = append(ids, msg.Header.RequestID)
		return nil, nil
	})})

	// Exactly one read chunk of requests, then end of stream.
	var raw []byte
	for i := 0; i < readChunk/ipc.HeaderSize; i++ {
		b, err := ipc.NewMessage(ipc.MsgGetClipboard, uint32(i+1), nil).MarshalBinary()
		require.NoError(t, err)
		raw = append(raw, b...)
	}
	require.Len(t, raw, readChunk)
	_, err := unix.Write(peer, raw)
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))

	assert.ErrorIs(t, s.HandleReadable(), ipc.ErrClosed)
	require.Len(t, ids, readChunk/ipc.HeaderSize)
	assert.Equal(t, uint32(1), ids[0])
	assert.Equal(t, uint32(readChunk/ipc.HeaderSize), ids[len(ids)-1])
}

func TestSessionOutboundOverflow(t *testing.T) {
	conn, _ := pair(t)
	s := New(1, conn, Options{MaxOutbound: 8})

	err := s.NotifyClipboardContentsChanged("text/plain", 1)
	assert.ErrorIs(t, err, ErrOutboundOverflow)
}

type recordInterest struct {
	calls []bool
}

func (r *recordInterest) SetWriteInterest(_ *Session, enabled bool) error {
	r.calls = append(r.calls, enabled)
	return nil
}

func TestSessionArmsWriteInterestWhileBacklogged(t *testing.T) {
	conn, peer := pair(t)
	interest := &recordInterest{}
	s := New(1, conn, Options{Interest: interest, MaxOutbound: 64 << 20})

	payload := bytes.Repeat([]byte("x"), 1024)
	for i := 0; i < 100000 && s.Pending() == 0; i++ {
		require.NoError(t, s.Send(ipc.NewMessage(ipc.MsgClipboardContents, 0, payload)))
	}
	require.NotZero(t, s.Pending(), "socket buffer never filled")
	assert.Equal(t, []bool{true}, interest.calls)

	buf := make([]byte, 1<<16)
	for s.Pending() > 0 {
		_, err := unix.Read(peer, buf)
		require.NoError(t, err)
		require.NoError(t, s.Flush())
	}
	assert.Equal(t, []bool{true, false}, interest.calls)
}

func TestSessionClose(t *testing.T) {
	conn, _ := pair(t)
	s := New(1, conn, Options{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Send(ipc.NewMessage(ipc.MsgPong, 0, nil)), ErrClosed)
	assert.ErrorIs(t, s.HandleReadable(), ErrClosed)
}
