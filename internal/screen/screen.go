//go:build linux

// Package screen tracks cursor and modifier state and turns coalesced device
// data into pointer and key events.
package screen

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"windowd/internal/device"
)

// EventType identifies a screen event.
type EventType int

const (
	MouseMove EventType = iota + 1
	MouseDown
	MouseUp
	MouseWheel
	KeyDown
	KeyUp
)

func (t EventType) String() string {
	switch t {
	case MouseMove:
		return "mouse_move"
	case MouseDown:
		return "mouse_down"
	case MouseUp:
		return "mouse_up"
	case MouseWheel:
		return "mouse_wheel"
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// IsMouse reports whether t is a pointer event.
func (t EventType) IsMouse() bool { return t >= MouseMove && t <= MouseWheel }

// Event is a pointer or key event in screen coordinates.
type Event struct {
	Type       EventType
	Position   image.Point
	Buttons    device.MouseButtons
	Button     device.MouseButtons // the button that changed, for MouseDown/MouseUp
	WheelDelta int
	Key        uint32
	Character  rune
	Modifiers  device.KeyFlags
}

// EventSink receives screen events in the order they happen.
type EventSink interface {
	PostEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// PostEvent calls f(ev).
func (f EventSinkFunc) PostEvent(ev Event) { f(ev) }

// Screen is the cursor model fed by the input drains.
type Screen struct {
	mu        sync.RWMutex
	bounds    image.Rectangle
	cursor    image.Point
	buttons   device.MouseButtons
	modifiers device.KeyFlags
	sink      EventSink
	logger    *slog.Logger
}

// New returns a width x height screen with the cursor centred.
func New(width, height int, sink EventSink, logger *slog.Logger) *Screen {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = EventSinkFunc(func(Event) {})
	}
	b := image.Rect(0, 0, width, height)
	return &Screen{
		bounds: b,
		cursor: image.Pt(width/2, height/2),
		sink:   sink,
		logger: logger,
	}
}

// Size returns the screen dimensions.
func (s *Screen) Size() (width, height int) {
	return s.bounds.Dx(), s.bounds.Dy()
}

// CursorLocation returns the current cursor position.
func (s *Screen) CursorLocation() image.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// MouseButtonState returns the buttons held after the last mouse event.
func (s *Screen) MouseButtonState() device.MouseButtons {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buttons
}

// Modifiers returns the modifiers held after the last key event.
func (s *Screen) Modifiers() device.KeyFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modifiers
}

var trackedButtons = []device.MouseButtons{
	device.ButtonLeft,
	device.ButtonRight,
	device.ButtonMiddle,
	device.ButtonBack,
	device.ButtonForward,
}

// OnReceiveMouseData moves the cursor by (dx, dy), records the new button
// state and posts the resulting events: one down/up per changed button, a
// move if the cursor moved and a wheel event if dz is non-zero.
func (s *Screen) OnReceiveMouseData(dx, dy, dz int, buttons device.MouseButtons) {
	s.mu.Lock()
	prevLoc := s.cursor
	s.cursor = clamp(s.cursor.Add(image.Pt(dx, dy)), s.bounds)
	loc := s.cursor
	changed := s.buttons ^ buttons
	s.buttons = buttons
	mods := s.modifiers
	s.mu.Unlock()

	for _, b := range trackedButtons {
		if changed&b == 0 {
			continue
		}
		typ := MouseUp
		if buttons&b != 0 {
			typ = MouseDown
		}
		s.sink.PostEvent(Event{Type: typ, Position: loc, Buttons: buttons, Button: b, Modifiers: mods})
	}
	if loc != prevLoc {
		s.sink.PostEvent(Event{Type: MouseMove, Position: loc, Buttons: buttons, Modifiers: mods})
	}
	if dz != 0 {
		s.sink.PostEvent(Event{Type: MouseWheel, Position: loc, Buttons: buttons, WheelDelta: dz, Modifiers: mods})
	}
}

// OnReceiveKeyboardData records the modifiers carried by ev and posts a key
// event.
func (s *Screen) OnReceiveKeyboardData(ev device.KeyEvent) {
	s.mu.Lock()
	s.modifiers = ev.Modifiers()
	s.mu.Unlock()

	typ := KeyUp
	if ev.Pressed() {
		typ = KeyDown
	}
	s.sink.PostEvent(Event{
		Type:      typ,
		Key:       ev.Key,
		Character: ev.Character,
		Modifiers: ev.Modifiers(),
	})
}

func clamp(p image.Point, r image.Rectangle) image.Point {
	if r.Empty() {
		return r.Min
	}
	if p.X < r.Min.X {
		p.X = r.Min.X
	}
	if p.X >= r.Max.X {
		p.X = r.Max.X - 1
	}
	if p.Y < r.Min.Y {
		p.Y = r.Min.Y
	}
	if p.Y >= r.Max.Y {
		p.Y = r.Max.Y - 1
	}
	return p
}
