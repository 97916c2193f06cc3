//go:build linux

package session

import (
	"errors"
	"log/slog"

	"windowd/internal/ipc"
)

// Accepter yields at most one pending connection per call.
type Accepter interface {
	Accept() (*ipc.Conn, error)
}

// Acceptor turns accepted connections into registered sessions.
type Acceptor struct {
	ln       Accepter
	ids      IDAllocator
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

// NewAcceptor creates an acceptor that inserts new sessions into registry.
func NewAcceptor(ln Accepter, registry *Registry, opts Options) *Acceptor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		ln:       ln,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// LastID returns the most recently allocated session identifier.
func (a *Acceptor) LastID() uint64 { return a.ids.Last() }

// AcceptOne accepts exactly one pending connection. Failures are logged
// and yield nil; no identifier is consumed unless a session is created.
func (a *Acceptor) AcceptOne() *Session {
	conn, err := a.ln.Accept()
	if err != nil {
		if errors.Is(err, ipc.ErrNoPendingConnection) {
			a.logger.Warn("accept: no pending connection")
		} else {
			a.logger.Warn("accept failed", "error", err)
		}
		return nil
	}
	if a.registry.Full() {
		a.logger.Warn("rejecting connection", "error", ErrRegistryFull, "sessions", a.registry.Len())
		conn.Close()
		return nil
	}

	s := New(a.ids.Next(), conn, a.opts)
	if err := a.registry.Insert(s); err != nil {
		a.logger.Error("register session", "session", s.ID(), "error", err)
		s.Close()
		return nil
	}
	a.logger.Info("session accepted", "session", s.ID(), "sessions", a.registry.Len())
	return s
}
