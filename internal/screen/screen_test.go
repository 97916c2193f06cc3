//go:build linux

package screen

import (
	"image"
	"testing"

	"windowd/internal/device"
)

type recorder struct {
	events []Event
}

func (r *recorder) PostEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestNewCentresCursor(t *testing.T) {
	s := New(800, 600, nil, nil)
	if got := s.CursorLocation(); got != image.Pt(400, 300) {
		t.Errorf("expected cursor at (400,300), got %v", got)
	}
	w, h := s.Size()
	if w != 800 || h != 600 {
		t.Errorf("expected 800x600, got %dx%d", w, h)
	}
}

func TestMouseMoveClampsToScreen(t *testing.T) {
	rec := &recorder{}
	s := New(100, 50, rec, nil)

	s.OnReceiveMouseData(1000, -1000, 0, 0)

	if got := s.CursorLocation(); got != image.Pt(99, 0) {
		t.Errorf("expected clamped cursor (99,0), got %v", got)
	}
	if len(rec.events) != 1 || rec.events[0].Type != MouseMove {
		t.Fatalf("expected one move event, got %v", rec.types())
	}

	// Pushing against the edge again does not move the cursor.
	s.OnReceiveMouseData(5, 0, 0, 0)
	if len(rec.events) != 1 {
		t.Errorf("expected no event at the edge, got %v", rec.types())
	}
}

func TestButtonTransitionsPostDownAndUp(t *testing.T) {
	rec := &recorder{}
	s := New(100, 100, rec, nil)

	s.OnReceiveMouseData(0, 0, 0, device.ButtonLeft|device.ButtonRight)
	s.OnReceiveMouseData(0, 0, 0, device.ButtonRight)

	want := []EventType{MouseDown, MouseDown, MouseUp}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if rec.events[2].Button != device.ButtonLeft {
		t.Errorf("expected left button release, got %v", rec.events[2].Button)
	}
	if s.MouseButtonState() != device.ButtonRight {
		t.Errorf("expected right held, got %v", s.MouseButtonState())
	}
}

func TestMotionPrecedesWheel(t *testing.T) {
	rec := &recorder{}
	s := New(100, 100, rec, nil)

	s.OnReceiveMouseData(3, 4, -2, device.ButtonMiddle)

	want := []EventType{MouseDown, MouseMove, MouseWheel}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if rec.events[0].Position != image.Pt(53, 54) {
		t.Errorf("button event should carry the new position, got %v", rec.events[0].Position)
	}
	if rec.events[2].WheelDelta != -2 {
		t.Errorf("expected wheel delta -2, got %d", rec.events[2].WheelDelta)
	}
}

func TestKeyboardUpdatesModifiers(t *testing.T) {
	rec := &recorder{}
	s := New(10, 10, rec, nil)

	s.OnReceiveKeyboardData(device.KeyEvent{Key: 42, Flags: device.ModShift | device.IsPress})
	s.OnReceiveKeyboardData(device.KeyEvent{Key: 30, Character: 'A', Flags: device.ModShift})

	if s.Modifiers() != device.ModShift {
		t.Errorf("expected shift modifier, got %v", s.Modifiers())
	}
	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[0].Type != KeyDown || rec.events[1].Type != KeyUp {
		t.Errorf("expected key_down then key_up, got %v", rec.types())
	}
	if rec.events[1].Character != 'A' {
		t.Errorf("expected character A, got %q", rec.events[1].Character)
	}

	// Mouse events carry the current modifiers.
	s.OnReceiveMouseData(1, 0, 0, 0)
	if rec.events[2].Modifiers != device.ModShift {
		t.Errorf("expected shift on mouse event, got %v", rec.events[2].Modifiers)
	}
}

func TestEventTypeString(t *testing.T) {
	if MouseWheel.String() != "mouse_wheel" {
		t.Errorf("unexpected name %q", MouseWheel.String())
	}
	if !MouseDown.IsMouse() || KeyDown.IsMouse() {
		t.Error("IsMouse misclassifies event types")
	}
}
