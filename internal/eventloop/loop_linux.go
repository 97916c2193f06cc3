//go:build linux

package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBatch = 64

// Readable reports input readiness.
func (e Events) Readable() bool { return e&unix.EPOLLIN != 0 }

// Writable reports output readiness.
func (e Events) Writable() bool { return e&unix.EPOLLOUT != 0 }

// Hangup reports that the peer closed or the descriptor failed.
func (e Events) Hangup() bool { return e&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 }

func (i Interest) epoll() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

type entry struct {
	src      Source
	interest Interest
	gen      int32
}

// Loop is a level-triggered epoll loop. Register, Modify, Unregister, Run
// and RunOnce must be called from one goroutine; Stop and State may be
// called from any goroutine.
type Loop struct {
	epfd   int
	wake   *Notifier
	logger *slog.Logger

	sources map[int]*entry
	pending map[int]*entry // registered during dispatch
	order   []int          // pending fds in registration order
	gen     int32
	events  []unix.EpollEvent

	state    atomic.Int32
	stopping atomic.Bool
	closed   bool
}

// New creates a loop. batch bounds the number of events collected per wait.
func New(batch int, logger *slog.Logger) (*Loop, error) {
	if batch <= 0 {
		batch = defaultBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wake, err := NewNotifier()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake.Fd())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake.Fd(), &ev); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wake fd: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		wake:    wake,
		logger:  logger,
		sources: make(map[int]*entry),
		pending: make(map[int]*entry),
		events:  make([]unix.EpollEvent, batch),
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Len returns the number of registered sources, including deferred ones.
func (l *Loop) Len() int { return len(l.sources) + len(l.pending) }

// Register adds src with the given interest. During dispatch the
// registration is deferred until the current batch has been handled.
func (l *Loop) Register(src Source, interest Interest) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.sources[src.FD]; ok {
		return fmt.Errorf("register %s fd %d: already registered", src.Kind, src.FD)
	}
	if _, ok := l.pending[src.FD]; ok {
		return fmt.Errorf("register %s fd %d: already registered", src.Kind, src.FD)
	}
	l.gen++
	e := &entry{src: src, interest: interest, gen: l.gen}
	if l.State() == StateDispatching {
		l.pending[src.FD] = e
		l.order = append(l.order, src.FD)
		return nil
	}
	return l.add(e)
}

func (l *Loop) add(e *entry) error {
	ev := unix.EpollEvent{Events: e.interest.epoll(), Fd: int32(e.src.FD), Pad: e.gen}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, e.src.FD, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %s fd %d: %w", e.src.Kind, e.src.FD, err)
	}
	l.sources[e.src.FD] = e
	return nil
}

// Modify changes the interest of a registered fd.
func (l *Loop) Modify(fd int, interest Interest) error {
	if l.closed {
		return ErrClosed
	}
	if e, ok := l.pending[fd]; ok {
		e.interest = interest
		return nil
	}
	e, ok := l.sources[fd]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}
	if e.interest == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: interest.epoll(), Fd: int32(fd), Pad: e.gen}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	e.interest = interest
	return nil
}

// Unregister removes fd. Events already collected for it are skipped.
func (l *Loop) Unregister(fd int) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.pending[fd]; ok {
		delete(l.pending, fd)
		return nil
	}
	if _, ok := l.sources[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}
	delete(l.sources, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// applyPending adds the sources registered during the last batch. A source
// the kernel refuses is dropped and reported to d; the others are still
// added.
func (l *Loop) applyPending(d Dispatcher) {
	order := l.order
	l.order = nil
	for _, fd := range order {
		e, ok := l.pending[fd]
		if !ok {
			continue
		}
		delete(l.pending, fd)
		if err := l.add(e); err != nil {
			l.logger.Warn("deferred registration failed", "kind", e.src.Kind, "fd", fd, "error", err)
			if h, ok := d.(RegistrationFailureHandler); ok {
				h.RegistrationFailed(e.src, err)
			}
		}
	}
}

// Stop asks Run to return after the current batch. Safe for concurrent use.
func (l *Loop) Stop() {
	if l.stopping.CompareAndSwap(false, true) {
		if err := l.wake.Notify(); err != nil {
			l.logger.Error("wake event loop", "error", err)
		}
	}
}

// Run dispatches ready sources to d until Stop is called, ctx is done or
// d returns an error. The loop is Stopped when Run returns and may be run
// again.
func (l *Loop) Run(ctx context.Context, d Dispatcher) error {
	if l.closed {
		return ErrClosed
	}
	l.setState(StateRunning)
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()
	defer l.setState(StateStopped)
	defer l.stopping.Store(false)

	l.logger.Debug("event loop running", "sources", l.Len())
	for {
		if _, err := l.iterate(-1, d); err != nil {
			return err
		}
		if l.stopping.Load() {
			l.logger.Debug("event loop stopped")
			return ctx.Err()
		}
	}
}

// RunOnce waits up to timeout for readiness and dispatches one batch. It
// returns the number of sources dispatched. A negative timeout blocks.
func (l *Loop) RunOnce(timeout time.Duration, d Dispatcher) (int, error) {
	if l.closed {
		return 0, ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	return l.iterate(ms, d)
}

func (l *Loop) iterate(timeoutMs int, d Dispatcher) (int, error) {
	l.applyPending(d)

	l.setState(StateBlocked)
	n, err := unix.EpollWait(l.epfd, l.events, timeoutMs)
	if err == unix.EINTR {
		l.setState(StateRunning)
		return 0, nil
	}
	if err != nil {
		l.setState(StateRunning)
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	l.setState(StateDispatching)
	defer l.setState(StateRunning)

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := l.events[i]
		fd := int(ev.Fd)
		if fd == l.wake.Fd() {
			if _, err := l.wake.Drain(); err != nil {
				return dispatched, err
			}
			continue
		}
		e, ok := l.sources[fd]
		if !ok || e.gen != ev.Pad {
			continue
		}
		if err := d.Dispatch(e.src, Events(ev.Events)); err != nil {
			return dispatched, fmt.Errorf("dispatch %s fd %d: %w", e.src.Kind, fd, err)
		}
		dispatched++
	}
	return dispatched, nil
}

// Close releases the epoll instance. Registered descriptors are not closed.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.setState(StateStopped)
	l.sources = map[int]*entry{}
	l.pending = map[int]*entry{}
	l.order = nil
	werr := l.wake.Close()
	if err := unix.Close(l.epfd); err != nil {
		return err
	}
	return werr
}
