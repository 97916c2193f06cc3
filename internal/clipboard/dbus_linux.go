//go:build linux

package clipboard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// D-Bus constants
const (
	DefaultBusName = "org.windowd.Clipboard"
	ObjectPath     = dbus.ObjectPath("/org/windowd/Clipboard")
	Interface      = "org.windowd.Clipboard"

	errInvalidArgs = "org.windowd.Clipboard.Error.InvalidArgs"

	signalQueueSize = 256
)

// Emitter sends D-Bus signals. *dbus.Conn satisfies it.
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// DBusService exposes the clipboard on the session bus:
//
//	GetContents() -> (mime_type s, data ay, serial t)
//	SetContents(mime_type s, data ay) -> (serial t)
//	signal ContentsChanged(mime_type s, serial t)
type DBusService struct {
	cb      *Clipboard
	conn    *dbus.Conn
	emitter Emitter
	busName string
	cancel  func()
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewDBusService wraps cb. Signals are sent through emitter; Start sets it
// to the bus connection when nil.
func NewDBusService(cb *Clipboard, emitter Emitter, logger *slog.Logger) *DBusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusService{cb: cb, emitter: emitter, busName: DefaultBusName, logger: logger}
}

// Start connects to the session bus, claims busName and exports the
// service. An empty busName selects DefaultBusName.
func (s *DBusService) Start(busName string) error {
	if busName != "" {
		s.busName = busName
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(s.busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return errors.New("bus name already taken")
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		conn.Close()
		return fmt.Errorf("export clipboard: %w", err)
	}
	s.conn = conn
	if s.emitter == nil {
		s.emitter = conn
	}
	s.Subscribe()

	s.logger.Info("clipboard service started", "bus_name", s.busName)
	return nil
}

// Subscribe starts forwarding clipboard changes as ContentsChanged signals.
// Signals are sent from a separate goroutine so a slow bus never stalls
// Set; when the queue is full the change is dropped.
func (s *DBusService) Subscribe() {
	if s.cancel != nil {
		return
	}
	changes := make(chan Change, signalQueueSize)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.emitSignals(changes, s.done)

	s.cancel = s.cb.Subscribe(SubscriberFunc(func(c Change) {
		select {
		case changes <- c:
		default:
			s.logger.Warn("clipboard signal dropped", "serial", c.Serial)
		}
	}))
}

// emitSignals sends queued changes until done is closed, then flushes what
// is left.
func (s *DBusService) emitSignals(changes <-chan Change, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case c := <-changes:
			s.emitChanged(c)
		case <-done:
			for {
				select {
				case c := <-changes:
					s.emitChanged(c)
				default:
					return
				}
			}
		}
	}
}

func (s *DBusService) emitChanged(c Change) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ObjectPath, Interface+".ContentsChanged", c.MimeType, c.Serial); err != nil {
		s.logger.Warn("emit clipboard signal", "serial", c.Serial, "error", err)
	}
}

// GetContents is the D-Bus method returning the clipboard contents.
func (s *DBusService) GetContents() (string, []byte, uint64, *dbus.Error) {
	c := s.cb.Get()
	return c.MimeType, c.Data, c.Serial, nil
}

// SetContents is the D-Bus method replacing the clipboard contents.
func (s *DBusService) SetContents(mimeType string, data []byte) (uint64, *dbus.Error) {
	serial, err := s.cb.Set(mimeType, data)
	if err != nil {
		return 0, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	}
	s.logger.Debug("clipboard set over d-bus", "mime_type", mimeType, "bytes", len(data), "serial", serial)
	return serial, nil
}

// Stop unsubscribes, sends the signals still queued, releases the bus name
// and closes the connection.
func (s *DBusService) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		close(s.done)
		s.wg.Wait()
	}
	if s.conn == nil {
		return nil
	}
	s.conn.ReleaseName(s.busName)
	err := s.conn.Close()
	s.conn = nil
	return err
}
