//go:build linux

// Package server is the event loop core of windowd. It owns the input
// devices, the listening socket, the session registry and the clipboard
// notifier, and routes every ready source to the matching handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"windowd/internal/clipboard"
	"windowd/internal/config"
	"windowd/internal/device"
	"windowd/internal/eventloop"
	"windowd/internal/input"
	"windowd/internal/ipc"
	"windowd/internal/metrics"
	"windowd/internal/screen"
	"windowd/internal/session"
	"windowd/internal/store"
)

// ErrStartup wraps every failure to acquire a required resource.
var ErrStartup = errors.New("server: startup failed")

// Listener is the listening socket as the loop sees it.
type Listener interface {
	session.Accepter
	Fd() int
	Close() error
}

// Journal records session and clipboard history. *store.Store implements it.
type Journal interface {
	SessionOpened(id uint64, peerPID, peerUID int, at time.Time) error
	SessionClosed(id uint64, reason string, at time.Time) error
	ClipboardChanged(c store.ClipboardChange) error
}

// Options supplies collaborators. Nil devices and listener are opened from
// the configuration.
type Options struct {
	Version   string
	Mouse     device.MouseDevice
	Keyboard  device.KeyboardDevice
	Listener  Listener
	Clipboard *clipboard.Clipboard
	Journal   Journal
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// EventLoop multiplexes devices, the listener, client sessions and
// clipboard notifications on one goroutine.
type EventLoop struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	journal Journal
	metrics *metrics.Metrics

	loop     *eventloop.Loop
	mouse    device.MouseDevice
	keyboard device.KeyboardDevice
	listener Listener
	notifier *eventloop.Notifier

	screen    *screen.Screen
	coalescer *input.MouseCoalescer
	relay     *input.KeyboardRelay

	registry *session.Registry
	acceptor *session.Acceptor

	clipboard   *clipboard.Clipboard
	changes     *changeQueue
	unsubscribe func()
	closed      bool
}

// changeQueue hands clipboard changes from the setting goroutine to the
// loop and wakes it.
type changeQueue struct {
	mu      sync.Mutex
	pending []clipboard.Change
	wake    *eventloop.Notifier
	logger  *slog.Logger
}

func (q *changeQueue) ClipboardChanged(c clipboard.Change) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	if err := q.wake.Notify(); err != nil {
		q.logger.Warn("wake loop for clipboard change", "serial", c.Serial, "error", err)
	}
}

// take returns the queued changes in serial order and empties the queue.
func (q *changeQueue) take() []clipboard.Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Open acquires every resource the loop needs. Any failure releases what
// was already acquired and returns an error wrapping ErrStartup.
func Open(cfg *config.Config, opts Options) (el *EventLoop, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	cb := opts.Clipboard
	if cb == nil {
		cb = clipboard.New(logger)
	}

	el = &EventLoop{
		cfg:       cfg,
		version:   opts.Version,
		logger:    logger,
		journal:   opts.Journal,
		metrics:   m,
		mouse:     opts.Mouse,
		keyboard:  opts.Keyboard,
		listener:  opts.Listener,
		clipboard: cb,
	}
	defer func() {
		if err != nil {
			el.Close()
			el = nil
			err = fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}()

	if el.mouse == nil {
		if el.mouse, err = device.OpenMouse(cfg.Input.Mouse.Path, device.Format(cfg.Input.Mouse.Format)); err != nil {
			return el, err
		}
	}
	if el.keyboard == nil {
		if el.keyboard, err = device.OpenKeyboard(cfg.Input.Keyboard.Path, device.Format(cfg.Input.Keyboard.Format)); err != nil {
			return el, err
		}
	}
	if el.listener == nil {
		if el.listener, err = openListener(cfg.IPC); err != nil {
			return el, err
		}
	}

	if el.loop, err = eventloop.New(0, logger.With("component", "eventloop")); err != nil {
		return el, err
	}
	if el.notifier, err = eventloop.NewNotifier(); err != nil {
		return el, err
	}

	el.screen = screen.New(cfg.Screen.Width, cfg.Screen.Height, el, logger)
	el.coalescer = input.NewMouseCoalescer(el.mouse, el.screen, logger)
	el.relay = input.NewKeyboardRelay(el.keyboard, el.screen, logger)

	el.registry = session.NewRegistry(cfg.IPC.MaxSessions)
	el.acceptor = session.NewAcceptor(el.listener, el.registry, session.Options{
		MaxPayload: cfg.IPC.MaxMessageSize,
		Handler:    el,
		Interest:   el,
		Logger:     logger.With("component", "session"),
	})

	sources := []eventloop.Source{
		{Kind: eventloop.KindMouse, FD: el.mouse.Fd()},
		{Kind: eventloop.KindKeyboard, FD: el.keyboard.Fd()},
		{Kind: eventloop.KindListener, FD: el.listener.Fd()},
		{Kind: eventloop.KindNotifier, FD: el.notifier.Fd()},
	}
	for _, src := range sources {
		if err = el.loop.Register(src, eventloop.Readable); err != nil {
			return el, err
		}
	}

	el.changes = &changeQueue{wake: el.notifier, logger: logger}
	el.unsubscribe = cb.Subscribe(el.changes)

	logger.Info("event loop constructed",
		"mouse_fd", el.mouse.Fd(),
		"keyboard_fd", el.keyboard.Fd(),
		"listener_fd", el.listener.Fd(),
		"screen", fmt.Sprintf("%dx%d", cfg.Screen.Width, cfg.Screen.Height))
	return el, nil
}

func openListener(cfg config.IPCConfig) (Listener, error) {
	var ln *ipc.Listener
	var err error
	if cfg.TakeOver {
		ln, err = ipc.TakeOver()
	} else {
		ln, err = ipc.Listen(cfg.SocketPath, cfg.Backlog)
	}
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// Clipboard returns the clipboard the loop fans out.
func (e *EventLoop) Clipboard() *clipboard.Clipboard { return e.clipboard }

// Registry returns the live session registry.
func (e *EventLoop) Registry() *session.Registry { return e.registry }

// Screen returns the cursor model fed by the devices.
func (e *EventLoop) Screen() *screen.Screen { return e.screen }

// Metrics returns the loop counters.
func (e *EventLoop) Metrics() *metrics.Metrics { return e.metrics }

// State returns the lifecycle state of the underlying loop.
func (e *EventLoop) State() eventloop.State { return e.loop.State() }

// Run dispatches until ctx is done, Stop is called or a device fault
// occurs. A device fault is returned and wraps device.ErrFraming when the
// record framing broke.
func (e *EventLoop) Run(ctx context.Context) error {
	err := e.loop.Run(ctx, e)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce waits up to timeout and dispatches one batch.
func (e *EventLoop) RunOnce(timeout time.Duration) (int, error) {
	return e.loop.RunOnce(timeout, e)
}

// Stop asks Run to return. Safe for concurrent use.
func (e *EventLoop) Stop() { e.loop.Stop() }

// Close destroys every session and releases all descriptors. It must not
// be called while Run is executing.
func (e *EventLoop) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.registry != nil {
		for _, s := range e.registry.Snapshot() {
			e.destroy(s, "daemon stopped")
		}
	}

	var errs []error
	if e.loop != nil {
		errs = append(errs, e.loop.Close())
	}
	if e.notifier != nil {
		errs = append(errs, e.notifier.Close())
	}
	if e.listener != nil {
		errs = append(errs, e.listener.Close())
	}
	if e.keyboard != nil {
		errs = append(errs, e.keyboard.Close())
	}
	if e.mouse != nil {
		errs = append(errs, e.mouse.Close())
	}
	return errors.Join(errs...)
}
