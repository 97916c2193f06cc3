// Package clipboard holds the shared clipboard contents and tells
// subscribers when they change.
package clipboard

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMimeType is used when a writer does not name one.
const DefaultMimeType = "text/plain;charset=utf-8"

// ErrInvalidMimeType is returned for a malformed MIME type.
var ErrInvalidMimeType = errors.New("clipboard: invalid mime type")

// Change describes one successful Set.
type Change struct {
	MimeType string
	Serial   uint64
	Size     int
	Changed  time.Time
}

// Subscriber receives every change, in serial order. ClipboardChanged runs
// on the goroutine that called Set; it must not block or call Set.
type Subscriber interface {
	ClipboardChanged(Change)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Change)

// ClipboardChanged calls f(c).
func (f SubscriberFunc) ClipboardChanged(c Change) { f(c) }

// Contents is a snapshot of the clipboard.
type Contents struct {
	MimeType string
	Data     []byte
	Serial   uint64 // increases with every Set; 0 means never set
	Changed  time.Time
}

// Clipboard is safe for concurrent use.
type Clipboard struct {
	notifyMu sync.Mutex // held across a Set so subscribers see serials in order
	mu       sync.RWMutex
	contents Contents
	subs     map[uint64]Subscriber
	nextSub  uint64
	logger   *slog.Logger
}

// New returns an empty clipboard.
func New(logger *slog.Logger) *Clipboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clipboard{
		contents: Contents{MimeType: DefaultMimeType},
		subs:     make(map[uint64]Subscriber),
		logger:   logger,
	}
}

// Get returns a copy of the current contents.
func (c *Clipboard) Get() Contents {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.contents
	out.Data = append([]byte(nil), c.contents.Data...)
	return out
}

// Set replaces the contents and hands the change to every subscriber. It
// returns the new serial.
func (c *Clipboard) Set(mimeType string, data []byte) (uint64, error) {
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	if !validMimeType(mimeType) {
		return 0, ErrInvalidMimeType
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.contents = Contents{
		MimeType: mimeType,
		Data:     append([]byte(nil), data...),
		Serial:   c.contents.Serial + 1,
		Changed:  time.Now(),
	}
	change := Change{
		MimeType: mimeType,
		Serial:   c.contents.Serial,
		Size:     len(data),
		Changed:  c.contents.Changed,
	}
	subs := make([]Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.logger.Debug("clipboard changed", "serial", change.Serial, "mime_type", mimeType, "subscribers", len(subs))
	for _, s := range subs {
		s.ClipboardChanged(change)
	}
	return change.Serial, nil
}

// Subscribe registers s and returns a function that removes it.
func (c *Clipboard) Subscribe(s Subscriber) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = s
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func validMimeType(t string) bool {
	base, _, _ := strings.Cut(t, ";")
	major, minor, ok := strings.Cut(strings.TrimSpace(base), "/")
	if !ok || major == "" || minor == "" {
		return false
	}
	return !strings.ContainsAny(major+minor, " \t/")
}
