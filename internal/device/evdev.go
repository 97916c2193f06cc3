//go:build linux

package device

import (
	"encoding/binary"
	"unsafe"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// Linux struct input_event: a timeval followed by type, code and value.
var (
	timevalSize   = int(unsafe.Sizeof(unix.Timeval{}))
	evdevRecordSz = timevalSize + 8
)

type inputEvent struct {
	typ   evdev.EvType
	code  evdev.EvCode
	value int32
}

func decodeInputEvent(b []byte) inputEvent {
	off := timevalSize
	return inputEvent{
		typ:   evdev.EvType(binary.LittleEndian.Uint16(b[off : off+2])),
		code:  evdev.EvCode(binary.LittleEndian.Uint16(b[off+2 : off+4])),
		value: int32(binary.LittleEndian.Uint32(b[off+4 : off+8])),
	}
}

// EncodeInputEvent builds a raw input_event record with a zero timestamp.
func EncodeInputEvent(typ, code uint16, value int32) []byte {
	buf := make([]byte, evdevRecordSz)
	off := timevalSize
	binary.LittleEndian.PutUint16(buf[off:off+2], typ)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], code)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(value))
	return buf
}

// EvdevMouse folds relative evdev events into one MousePacket per SYN_REPORT.
// A frame left open at the end of a burst is continued on the next call.
type EvdevMouse struct {
	dev     *Device
	rr      recordReader
	frame   MousePacket
	buttons MouseButtons
	dirty   bool
}

// NewEvdevMouse reads evdev records from dev.
func NewEvdevMouse(dev *Device) *EvdevMouse {
	return &EvdevMouse{dev: dev, rr: newRecordReader(dev, evdevRecordSz)}
}

func mouseButtonForCode(code evdev.EvCode) MouseButtons {
	switch code {
	case evdev.BTN_LEFT:
		return ButtonLeft
	case evdev.BTN_RIGHT:
		return ButtonRight
	case evdev.BTN_MIDDLE:
		return ButtonMiddle
	case evdev.BTN_SIDE:
		return ButtonBack
	case evdev.BTN_EXTRA:
		return ButtonForward
	}
	return 0
}

// NextPacket returns the next completed frame.
func (m *EvdevMouse) NextPacket() (MousePacket, bool, error) {
	for {
		b, ok, err := m.rr.next()
		if !ok || err != nil {
			return MousePacket{}, false, err
		}
		ev := decodeInputEvent(b)
		switch ev.typ {
		case evdev.EV_REL:
			switch ev.code {
			case evdev.REL_X:
				m.frame.DX += ev.value
			case evdev.REL_Y:
				// evdev grows downwards; packets grow upwards.
				m.frame.DY -= ev.value
			case evdev.REL_WHEEL:
				m.frame.DZ -= ev.value
			default:
				continue
			}
			m.dirty = true
		case evdev.EV_KEY:
			bit := mouseButtonForCode(ev.code)
			if bit == 0 {
				continue
			}
			if ev.value != 0 {
				m.buttons |= bit
			} else {
				m.buttons &^= bit
			}
			m.dirty = true
		case evdev.EV_SYN:
			switch ev.code {
			case evdev.SYN_REPORT:
				if !m.dirty {
					continue
				}
				p := m.frame
				p.Buttons = m.buttons
				m.frame = MousePacket{}
				m.dirty = false
				return p, true, nil
			case evdev.SYN_DROPPED:
				m.frame = MousePacket{}
				m.dirty = false
			}
		}
	}
}

// Fd returns the device descriptor.
func (m *EvdevMouse) Fd() int { return m.dev.Fd() }

// Close closes the device.
func (m *EvdevMouse) Close() error { return m.dev.Close() }

// EvdevKeyboard turns each EV_KEY event of a keyboard into a KeyEvent.
type EvdevKeyboard struct {
	dev  *Device
	rr   recordReader
	mods KeyFlags
}

// NewEvdevKeyboard reads evdev records from dev.
func NewEvdevKeyboard(dev *Device) *EvdevKeyboard {
	return &EvdevKeyboard{dev: dev, rr: newRecordReader(dev, evdevRecordSz)}
}

func modifierForCode(code evdev.EvCode) KeyFlags {
	switch code {
	case evdev.KEY_LEFTSHIFT, evdev.KEY_RIGHTSHIFT:
		return ModShift
	case evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL:
		return ModCtrl
	case evdev.KEY_LEFTALT, evdev.KEY_RIGHTALT:
		return ModAlt
	case evdev.KEY_LEFTMETA, evdev.KEY_RIGHTMETA:
		return ModLogo
	}
	return 0
}

// NextKey returns the next key transition. Autorepeat is reported as a press.
func (k *EvdevKeyboard) NextKey() (KeyEvent, bool, error) {
	for {
		b, ok, err := k.rr.next()
		if !ok || err != nil {
			return KeyEvent{}, false, err
		}
		ev := decodeInputEvent(b)
		if ev.typ != evdev.EV_KEY || ev.code >= evdev.BTN_MISC {
			continue
		}
		pressed := ev.value != 0
		if mod := modifierForCode(ev.code); mod != 0 {
			if pressed {
				k.mods |= mod
			} else {
				k.mods &^= mod
			}
		}
		flags := k.mods
		if pressed {
			flags |= IsPress
		}
		return KeyEvent{
			Key:       uint32(ev.code),
			Character: characterFor(ev.code, k.mods),
			Flags:     flags,
		}, true, nil
	}
}

// Fd returns the device descriptor.
func (k *EvdevKeyboard) Fd() int { return k.dev.Fd() }

// Close closes the device.
func (k *EvdevKeyboard) Close() error { return k.dev.Close() }
