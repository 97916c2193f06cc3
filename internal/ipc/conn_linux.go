//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Transport errors
var (
	// ErrWouldBlock is returned when a non-blocking read or write cannot
	// make progress right now.
	ErrWouldBlock = errors.New("ipc: operation would block")
	// ErrNoPendingConnection is returned by Accept when the backlog is empty.
	ErrNoPendingConnection = errors.New("ipc: no pending connection")
	// ErrClosed is returned for operations on a closed connection or listener.
	ErrClosed = errors.New("ipc: use of closed socket")
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// Conn is an accepted, non-blocking stream socket. It is driven by the
// event loop and never parks a goroutine.
type Conn struct {
	fd int
}

// NewConn wraps an already connected socket fd and makes it non-blocking.
func NewConn(fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Conn{fd: fd}, nil
}

// Fd returns the socket descriptor, or -1 after Close.
func (c *Conn) Fd() int { return c.fd }

// Read reads available bytes. It returns ErrWouldBlock when nothing is
// pending and ErrClosed once the peer has hung up.
func (c *Conn) Read(p []byte) (int, error) {
	if c.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("read: %w", err)
		case n == 0 && len(p) > 0:
			return 0, ErrClosed
		}
		return n, nil
	}
}

// Write writes as much of p as the socket accepts without blocking.
func (c *Conn) Write(p []byte) (int, error) {
	if c.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("write: %w", err)
		}
		return n, nil
	}
}

// PeerCredentials retrieves the credentials of the connected process via
// SO_PEERCRED.
func (c *Conn) PeerCredentials() (*PeerCredentials, error) {
	if c.fd < 0 {
		return nil, ErrClosed
	}
	cred, err := unix.GetsockoptUcred(c.fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("getsockopt: %w", err)
	}
	return &PeerCredentials{
		PID: int(cred.Pid),
		UID: int(cred.Uid),
		GID: int(cred.Gid),
	}, nil
}

// IsCurrentUser reports whether the peer runs as the current user.
func (p *PeerCredentials) IsCurrentUser() bool {
	return p != nil && p.UID == os.Getuid()
}

// Close closes the socket. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
