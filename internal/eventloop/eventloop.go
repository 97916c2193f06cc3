// Package eventloop is the readiness-driven main loop of windowd.
//
// Sources are plain file descriptors tagged with a Kind and a Key. One
// Dispatcher receives every ready source; there are no per-source
// callbacks. Registrations made while a batch is being dispatched take
// effect before the next wait. Unregistration takes effect immediately, so
// events already collected for that descriptor are dropped.
//
// Always call Unregister before closing a descriptor to prevent stale event
// delivery due to fd recycling.
package eventloop

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("eventloop: closed")

// ErrNotRegistered is returned when modifying or removing an unknown fd.
var ErrNotRegistered = errors.New("eventloop: fd not registered")

// Kind identifies what a source is, so the dispatcher can route it.
type Kind uint8

const (
	KindMouse Kind = iota + 1
	KindKeyboard
	KindListener
	KindNotifier
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindMouse:
		return "mouse"
	case KindKeyboard:
		return "keyboard"
	case KindListener:
		return "listener"
	case KindNotifier:
		return "notifier"
	case KindSession:
		return "session"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Source is one registered descriptor.
type Source struct {
	Kind Kind
	FD   int
	Key  uint64 // session id for KindSession, otherwise free for the owner
}

// Interest selects the readiness directions a source is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Events is the readiness reported for a source.
type Events uint32

// Dispatcher handles ready sources. A returned error stops the loop and is
// returned from Run.
type Dispatcher interface {
	Dispatch(src Source, ev Events) error
}

// RegistrationFailureHandler is implemented by dispatchers that own
// sources registered during dispatch. RegistrationFailed is called when
// such a source could not be added before the next wait; the source is not
// registered and the loop keeps running.
type RegistrationFailureHandler interface {
	RegistrationFailed(src Source, err error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(src Source, ev Events) error

// Dispatch calls f(src, ev).
func (f DispatcherFunc) Dispatch(src Source, ev Events) error { return f(src, ev) }

// State is the lifecycle state of a Loop.
type State int32

const (
	StateConstructed State = iota
	StateRunning
	StateBlocked
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
