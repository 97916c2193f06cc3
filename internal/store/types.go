// Package store provides the SQLite journal of windowd: daemon runs, client
// sessions and clipboard changes.
package store

import "time"

// Run is one daemon process lifetime.
type Run struct {
	ID      int64
	Started time.Time
	Stopped *time.Time
	PID     int
	Version string
}

// SessionRecord is the journal entry of one client session.
type SessionRecord struct {
	RunID       int64
	SessionID   uint64
	Opened      time.Time
	Closed      *time.Time
	PeerPID     int
	PeerUID     int
	CloseReason string
}

// ClipboardChange is the journal entry of one clipboard update.
type ClipboardChange struct {
	RunID    int64
	Serial   uint64
	MimeType string
	Size     int
	Changed  time.Time
	Notified int // sessions notified by the fan-out
}
