//go:build linux

package device

import (
	"encoding/binary"
	"strings"
)

// MouseButtons is a bitmask of pressed mouse buttons.
type MouseButtons uint8

const (
	ButtonLeft    MouseButtons = 0x01
	ButtonRight   MouseButtons = 0x02
	ButtonMiddle  MouseButtons = 0x04
	ButtonBack    MouseButtons = 0x08
	ButtonForward MouseButtons = 0x10
)

func (b MouseButtons) String() string {
	if b == 0 {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		bit  MouseButtons
		name string
	}{
		{ButtonLeft, "left"},
		{ButtonRight, "right"},
		{ButtonMiddle, "middle"},
		{ButtonBack, "back"},
		{ButtonForward, "forward"},
	} {
		if b&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// MousePacketSize is the wire size of a MousePacket.
const MousePacketSize = 16

// MousePacket is one raw relative mouse sample. DY follows the device
// convention: positive means the pointer moved up.
type MousePacket struct {
	DX      int32
	DY      int32
	DZ      int32
	Buttons MouseButtons
}

// MarshalBinary encodes the packet in its 16-byte little-endian layout.
func (p MousePacket) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MousePacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.DX))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.DY))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.DZ))
	buf[12] = byte(p.Buttons)
	return buf, nil
}

func decodeMousePacket(b []byte) MousePacket {
	return MousePacket{
		DX:      int32(binary.LittleEndian.Uint32(b[0:4])),
		DY:      int32(binary.LittleEndian.Uint32(b[4:8])),
		DZ:      int32(binary.LittleEndian.Uint32(b[8:12])),
		Buttons: MouseButtons(b[12]),
	}
}

// KeyFlags carries modifier and press state of a KeyEvent.
type KeyFlags uint8

const (
	ModAlt   KeyFlags = 0x01
	ModCtrl  KeyFlags = 0x02
	ModShift KeyFlags = 0x04
	ModLogo  KeyFlags = 0x08
	IsPress  KeyFlags = 0x80

	modMask = ModAlt | ModCtrl | ModShift | ModLogo
)

// KeyEventSize is the wire size of a KeyEvent.
const KeyEventSize = 12

// KeyEvent is one key transition.
type KeyEvent struct {
	Key       uint32
	Character rune
	Flags     KeyFlags
}

// Pressed reports whether the event is a press (or autorepeat).
func (e KeyEvent) Pressed() bool { return e.Flags&IsPress != 0 }

// Modifiers returns the modifier bits without the press flag.
func (e KeyEvent) Modifiers() KeyFlags { return e.Flags & modMask }

// MarshalBinary encodes the event in its 12-byte little-endian layout.
func (e KeyEvent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, KeyEventSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Key)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Character))
	buf[8] = byte(e.Flags)
	return buf, nil
}

func decodeKeyEvent(b []byte) KeyEvent {
	return KeyEvent{
		Key:       binary.LittleEndian.Uint32(b[0:4]),
		Character: rune(binary.LittleEndian.Uint32(b[4:8])),
		Flags:     KeyFlags(b[8]),
	}
}

// PacketReader reads MousePacket records.
type PacketReader struct {
	dev *Device
	rr  recordReader
}

// NewPacketReader reads mouse packets from dev.
func NewPacketReader(dev *Device) *PacketReader {
	return &PacketReader{dev: dev, rr: newRecordReader(dev, MousePacketSize)}
}

// NextPacket returns the next pending packet.
func (r *PacketReader) NextPacket() (MousePacket, bool, error) {
	b, ok, err := r.rr.next()
	if !ok || err != nil {
		return MousePacket{}, false, err
	}
	return decodeMousePacket(b), true, nil
}

// Fd returns the device descriptor.
func (r *PacketReader) Fd() int { return r.dev.Fd() }

// Close closes the device.
func (r *PacketReader) Close() error { return r.dev.Close() }

// KeyReader reads KeyEvent records.
type KeyReader struct {
	dev *Device
	rr  recordReader
}

// NewKeyReader reads key events from dev.
func NewKeyReader(dev *Device) *KeyReader {
	return &KeyReader{dev: dev, rr: newRecordReader(dev, KeyEventSize)}
}

// NextKey returns the next pending key event.
func (r *KeyReader) NextKey() (KeyEvent, bool, error) {
	b, ok, err := r.rr.next()
	if !ok || err != nil {
		return KeyEvent{}, false, err
	}
	return decodeKeyEvent(b), true, nil
}

// Fd returns the device descriptor.
func (r *KeyReader) Fd() int { return r.dev.Fd() }

// Close closes the device.
func (r *KeyReader) Close() error { return r.dev.Close() }
