//go:build linux

package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenFdsStart is the first descriptor passed by a socket-activating
// supervisor.
const listenFdsStart = 3

// Listener is a non-blocking listening unix socket.
type Listener struct {
	fd    int
	path  string
	owned bool // socket file was created by Listen and is removed on Close
}

// TakeOver adopts the listening socket passed by the supervising process
// through LISTEN_FDS/LISTEN_PID. Exactly one socket is expected.
func TakeOver() (*Listener, error) {
	pid, err := strconv.Atoi(os.Getenv("LISTEN_PID"))
	if err != nil || pid != os.Getpid() {
		return nil, fmt.Errorf("take over: LISTEN_PID does not name this process")
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || n < 1 {
		return nil, fmt.Errorf("take over: no descriptors in LISTEN_FDS")
	}
	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	os.Unsetenv("LISTEN_FDNAMES")

	return FromFD(listenFdsStart)
}

// FromFD adopts fd as a listening socket. The socket must already be
// listening.
func FromFD(fd int) (*Listener, error) {
	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return nil, fmt.Errorf("inspect fd %d: %w", fd, err)
	}
	if accepting == 0 {
		return nil, fmt.Errorf("fd %d is not a listening socket", fd)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Listener{fd: fd}, nil
}

// Listen binds and listens on a unix socket at path. A stale socket file is
// removed first and the new one is restricted to the owner.
func Listen(path string, backlog int) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(path); err != nil {
		return nil, fmt.Errorf("cleanup socket: %w", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{fd: fd, path: path, owned: true}, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Path returns the socket path, empty for a taken-over socket.
func (l *Listener) Path() string { return l.path }

// Accept accepts one pending connection. It returns ErrNoPendingConnection
// when the backlog is empty.
func (l *Listener) Accept() (*Conn, error) {
	if l.fd < 0 {
		return nil, ErrClosed
	}
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil, ErrNoPendingConnection
		case err != nil:
			return nil, fmt.Errorf("accept: %w", err)
		}
		return &Conn{fd: fd}, nil
	}
}

// Close closes the socket and removes the socket file if Listen created it.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if l.owned {
		os.Remove(l.path)
	}
	return err
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}
