// Package ipc implements the local-socket transport between windowd and its
// clients.
//
// Every message is a fixed 16-byte header followed by a JSON payload:
//
//	magic    uint32  "WSRV"
//	version  uint8
//	flags    uint8
//	type     uint16
//	request  uint32  correlates responses with requests; 0 for server events
//	length   uint32  payload length
//
// All header fields are big-endian.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x57535256 // "WSRV"
)

// DefaultMaxPayload bounds a single payload unless configured otherwise.
const DefaultMaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgGreeting MessageType = 0x0001
	MsgPing     MessageType = 0x0002
	MsgPong     MessageType = 0x0003
	MsgError    MessageType = 0x0004

	// Clipboard (0x01xx)
	MsgGetClipboard             MessageType = 0x0100
	MsgClipboardContents        MessageType = 0x0101
	MsgSetClipboard             MessageType = 0x0102
	MsgSetClipboardAck          MessageType = 0x0103
	MsgClipboardContentsChanged MessageType = 0x0104

	// Input events (0x02xx)
	MsgSubscribe    MessageType = 0x0200
	MsgSubscribeAck MessageType = 0x0201
	MsgInputEvent   MessageType = 0x0202
)

func (t MessageType) String() string {
	switch t {
	case MsgGreeting:
		return "greeting"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgError:
		return "error"
	case MsgGetClipboard:
		return "get_clipboard"
	case MsgClipboardContents:
		return "clipboard_contents"
	case MsgSetClipboard:
		return "set_clipboard"
	case MsgSetClipboardAck:
		return "set_clipboard_ack"
	case MsgClipboardContentsChanged:
		return "clipboard_contents_changed"
	case MsgSubscribe:
		return "subscribe"
	case MsgSubscribeAck:
		return "subscribe_ack"
	case MsgInputEvent:
		return "input_event"
	}
	return fmt.Sprintf("msg(0x%04x)", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding in use.
const FlagJSON uint8 = 0x04

var (
	// ErrBadMagic is returned for a header that does not start with ProtocolMagic.
	ErrBadMagic = errors.New("ipc: invalid magic number")
	// ErrVersion is returned for a header from a newer protocol version.
	ErrVersion = errors.New("ipc: unsupported protocol version")
	// ErrPayloadTooLarge is returned when a header announces more than the limit.
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

func parseHeader(buf []byte, maxPayload int) (Header, error) {
	h := Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return h, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if int64(h.Length) > int64(maxPayload) {
		return h, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// MarshalBinary returns the header and payload as one buffer.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(m.Payload))
	h := m.Header
	h.Length = uint32(len(m.Payload))
	h.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a blocking reader.
func ReadMessage(r io.Reader, maxPayload int) (*Message, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h, err := parseHeader(buf, maxPayload)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ParseMessage decodes one message from the front of buf. It returns the
// number of bytes consumed, or 0 when buf does not yet hold a full message.
func ParseMessage(buf []byte, maxPayload int) (*Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}
	h, err := parseHeader(buf[:HeaderSize], maxPayload)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return nil, 0, nil
	}
	m := &Message{Header: h}
	if h.Length > 0 {
		m.Payload = append([]byte(nil), buf[HeaderSize:total]...)
	}
	return m, total, nil
}

// Request/Response payloads

// Greeting is sent by the server as the first message on every connection.
type Greeting struct {
	ClientID        uint64 `json:"client_id"`
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ScreenWidth     int    `json:"screen_width"`
	ScreenHeight    int    `json:"screen_height"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeInternal       = 3
)

// ClipboardContents carries the clipboard data and its type.
type ClipboardContents struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// ClipboardChanged announces new clipboard contents without the data.
type ClipboardChanged struct {
	MimeType string `json:"mime_type"`
	Serial   uint64 `json:"serial"`
}

// SubscribeRequest selects the input event classes a client wants to
// receive: "mouse", "keyboard". An empty list unsubscribes.
type SubscribeRequest struct {
	Events []string `json:"events"`
}

// SubscribeResponse acknowledges a subscription change.
type SubscribeResponse struct {
	Events []string `json:"events"`
}

// InputEvent is a screen event forwarded to subscribed clients.
type InputEvent struct {
	Type       string `json:"type"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Buttons    uint8  `json:"buttons,omitempty"`
	Button     uint8  `json:"button,omitempty"`
	WheelDelta int    `json:"wheel_delta,omitempty"`
	Key        uint32 `json:"key,omitempty"`
	Character  string `json:"character,omitempty"`
	Modifiers  uint8  `json:"modifiers,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
