//go:build linux

// Package input drains device bursts into the screen model.
//
// Mouse data is coalesced: one readiness notification may carry many raw
// packets, and the screen only needs to see the motion between button
// transitions. Keyboard data is relayed one event per record.
package input

import (
	"log/slog"

	"windowd/internal/device"
)

// PacketSource yields raw mouse packets until the current burst is exhausted.
type PacketSource interface {
	NextPacket() (device.MousePacket, bool, error)
}

// KeySource yields raw key events until the current burst is exhausted.
type KeySource interface {
	NextKey() (device.KeyEvent, bool, error)
}

// MouseSink receives coalesced motion.
type MouseSink interface {
	MouseButtonState() device.MouseButtons
	OnReceiveMouseData(dx, dy, dz int, buttons device.MouseButtons)
}

// KeyboardSink receives key events.
type KeyboardSink interface {
	OnReceiveKeyboardData(ev device.KeyEvent)
}

// MouseCoalescer merges a burst of mouse packets into motion events.
type MouseCoalescer struct {
	src    PacketSource
	sink   MouseSink
	logger *slog.Logger

	packets uint64
	events  uint64
}

// NewMouseCoalescer coalesces packets from src into sink.
func NewMouseCoalescer(src PacketSource, sink MouseSink, logger *slog.Logger) *MouseCoalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MouseCoalescer{src: src, sink: sink, logger: logger}
}

// Drain consumes every pending packet and returns the number of events sent
// to the sink. An event is emitted at each button transition, carrying only
// the motion accumulated before it, and once more at the end of the burst if
// any motion remains.
func (c *MouseCoalescer) Drain() (int, error) {
	prev := c.sink.MouseButtonState()
	buttons := prev
	var dx, dy, dz int
	emitted := 0
	read := 0

	for {
		p, ok, err := c.src.NextPacket()
		if err != nil {
			return emitted, err
		}
		if !ok {
			break
		}
		read++
		buttons = p.Buttons
		dx += int(p.DX)
		dy += -int(p.DY)
		dz += int(p.DZ)

		if buttons != prev {
			c.sink.OnReceiveMouseData(dx, dy, dz, buttons)
			emitted++
			dx, dy, dz = 0, 0, 0
			prev = buttons
		}
	}
	if dx != 0 || dy != 0 || dz != 0 {
		c.sink.OnReceiveMouseData(dx, dy, dz, buttons)
		emitted++
	}

	c.packets += uint64(read)
	c.events += uint64(emitted)
	if read > 0 {
		c.logger.Debug("mouse burst drained", "packets", read, "events", emitted)
	}
	return emitted, nil
}

// Stats returns the total packets read and events emitted.
func (c *MouseCoalescer) Stats() (packets, events uint64) {
	return c.packets, c.events
}

// KeyboardRelay forwards key events one by one.
type KeyboardRelay struct {
	src    KeySource
	sink   KeyboardSink
	logger *slog.Logger

	events uint64
}

// NewKeyboardRelay relays events from src to sink.
func NewKeyboardRelay(src KeySource, sink KeyboardSink, logger *slog.Logger) *KeyboardRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyboardRelay{src: src, sink: sink, logger: logger}
}

// Drain forwards every pending key event in order and returns how many were
// forwarded.
func (r *KeyboardRelay) Drain() (int, error) {
	n := 0
	for {
		ev, ok, err := r.src.NextKey()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		r.sink.OnReceiveKeyboardData(ev)
		n++
	}
	r.events += uint64(n)
	if n > 0 {
		r.logger.Debug("keyboard burst drained", "events", n)
	}
	return n, nil
}

// Events returns the total number of key events forwarded.
func (r *KeyboardRelay) Events() uint64 { return r.events }
