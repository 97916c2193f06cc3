//go:build linux

package device

import (
	"errors"
	"fmt"

	evdev "github.com/holoplot/go-evdev"
)

// Format selects the record framing of a device.
type Format string

const (
	// FormatPacket is the fixed MousePacket / KeyEvent record layout.
	FormatPacket Format = "packet"
	// FormatEvdev is the Linux input_event layout.
	FormatEvdev Format = "evdev"
)

// AutoPath asks Open* to discover the device by capability.
const AutoPath = "auto"

// ErrNotFound is returned when discovery finds no suitable device.
var ErrNotFound = errors.New("device: no matching input device")

// MouseDevice is a source of mouse packets backed by a pollable descriptor.
type MouseDevice interface {
	NextPacket() (MousePacket, bool, error)
	Fd() int
	Close() error
}

// KeyboardDevice is a source of key events backed by a pollable descriptor.
type KeyboardDevice interface {
	NextKey() (KeyEvent, bool, error)
	Fd() int
	Close() error
}

// OpenMouse opens a mouse device in the given format.
func OpenMouse(path string, format Format) (MouseDevice, error) {
	path, err := resolvePath(path, format, FindMouse)
	if err != nil {
		return nil, fmt.Errorf("mouse: %w", err)
	}
	dev, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("mouse: %w", err)
	}
	if format == FormatEvdev {
		return NewEvdevMouse(dev), nil
	}
	return NewPacketReader(dev), nil
}

// OpenKeyboard opens a keyboard device in the given format.
func OpenKeyboard(path string, format Format) (KeyboardDevice, error) {
	path, err := resolvePath(path, format, FindKeyboard)
	if err != nil {
		return nil, fmt.Errorf("keyboard: %w", err)
	}
	dev, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("keyboard: %w", err)
	}
	if format == FormatEvdev {
		return NewEvdevKeyboard(dev), nil
	}
	return NewKeyReader(dev), nil
}

func resolvePath(path string, format Format, find func() (string, error)) (string, error) {
	switch format {
	case FormatPacket, FormatEvdev:
	default:
		return "", fmt.Errorf("unknown device format %q", format)
	}
	if path != AutoPath {
		return path, nil
	}
	if format != FormatEvdev {
		return "", fmt.Errorf("path %q requires format %q", AutoPath, FormatEvdev)
	}
	return find()
}

// FindMouse returns the first evdev device that reports relative X/Y motion
// and a left button.
func FindMouse() (string, error) {
	return findDevice(func(dev *evdev.InputDevice) bool {
		return hasCodes(dev.CapableEvents(evdev.EV_REL), evdev.REL_X, evdev.REL_Y) &&
			hasCodes(dev.CapableEvents(evdev.EV_KEY), evdev.BTN_LEFT)
	})
}

// FindKeyboard returns the first evdev device with both KEY_A and KEY_ENTER.
func FindKeyboard() (string, error) {
	return findDevice(func(dev *evdev.InputDevice) bool {
		return hasCodes(dev.CapableEvents(evdev.EV_KEY), evdev.KEY_A, evdev.KEY_ENTER)
	})
}

func findDevice(match func(*evdev.InputDevice) bool) (string, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return "", fmt.Errorf("list input devices: %w", err)
	}
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		ok := match(dev)
		dev.Close()
		if ok {
			return p.Path, nil
		}
	}
	return "", ErrNotFound
}

func hasCodes(have []evdev.EvCode, want ...evdev.EvCode) bool {
	for _, w := range want {
		found := false
		for _, c := range have {
			if c == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
