//go:build linux

// Package device reads fixed-size input records from non-blocking kernel devices.
//
// A Device wraps a raw file descriptor rather than an *os.File: the fd is
// polled by the caller's event loop, and a read must return immediately with
// whatever is pending instead of parking on the runtime poller.
package device

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrFraming reports a read whose length differs from the record size.
	// Decoding cannot resynchronise after it, so callers treat it as fatal.
	ErrFraming = errors.New("device: record framing fault")

	// ErrClosed is returned by reads on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is a non-blocking, close-on-exec input stream.
type Device struct {
	path string
	fd   int
}

// Open opens path read-only, non-blocking and close-on-exec.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

// FromFD adopts an already open descriptor. The descriptor is switched to
// non-blocking mode.
func FromFD(fd int, name string) (*Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking on %s: %w", name, err)
	}
	return &Device{path: name, fd: fd}, nil
}

// Path returns the path or name the device was opened with.
func (d *Device) Path() string { return d.path }

// Fd returns the underlying descriptor, or -1 after Close.
func (d *Device) Fd() int { return d.fd }

// Read performs one non-blocking read. An empty burst is reported as (0, nil).
func (d *Device) Read(p []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(d.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", d.path, err)
		}
		return n, nil
	}
}

// Close releases the descriptor. Closing twice is a no-op.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// recordReader reads exactly one record of a fixed size per call.
type recordReader struct {
	dev *Device
	buf []byte
}

func newRecordReader(dev *Device, size int) recordReader {
	return recordReader{dev: dev, buf: make([]byte, size)}
}

// next returns the next record, or ok == false when the burst is exhausted.
// The returned slice is only valid until the following call.
func (r *recordReader) next() ([]byte, bool, error) {
	n, err := r.dev.Read(r.buf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if n != len(r.buf) {
		return nil, false, fmt.Errorf("%w: %s: read %d bytes, record is %d", ErrFraming, r.dev.path, n, len(r.buf))
	}
	return r.buf, true, nil
}
