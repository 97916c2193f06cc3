//go:build linux

package eventloop

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier is an eventfd used to wake the loop from other goroutines.
// Notifications coalesce: any number of Notify calls before a Drain are
// observed as one readiness.
type Notifier struct {
	fd int
}

// NewNotifier creates a non-blocking, close-on-exec eventfd.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Notifier{fd: fd}, nil
}

// Fd returns the eventfd descriptor.
func (n *Notifier) Fd() int { return n.fd }

// Notify makes the eventfd readable. Safe for concurrent use.
func (n *Notifier) Notify() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: the counter is saturated, a wakeup is already pending.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("notify: %w", err)
		}
	}
}

// Drain resets the eventfd and returns how many notifications were pending.
func (n *Notifier) Drain() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(buf[:]), nil
		case unix.EAGAIN:
			return 0, nil
		case unix.EINTR:
			continue
		default:
			return 0, fmt.Errorf("drain: %w", err)
		}
	}
}

// Close closes the eventfd.
func (n *Notifier) Close() error {
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	return err
}
