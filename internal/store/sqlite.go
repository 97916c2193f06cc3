package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoRun is returned when journaling before BeginRun.
var ErrNoRun = errors.New("store: no active run")

// Store represents the SQLite journal.
type Store struct {
	db    *sql.DB
	runID int64
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The journal is written from the event loop only.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for maintenance tasks.
func (s *Store) DB() *sql.DB { return s.db }

// RunID returns the active run, 0 before BeginRun.
func (s *Store) RunID() int64 { return s.runID }

// BeginRun records a daemon start. Sessions that a previous run left open
// are closed with reason "daemon exited".
func (s *Store) BeginRun(pid int, version string, at time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE sessions SET closed_ns = ?, close_reason = 'daemon exited'
		WHERE closed_ns IS NULL`, at.UnixNano()); err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	result, err := tx.Exec(`INSERT INTO runs (started_ns, pid, version) VALUES (?, ?, ?)`,
		at.UnixNano(), pid, version)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	s.runID = id
	return id, nil
}

// EndRun marks the active run as stopped.
func (s *Store) EndRun(at time.Time) error {
	if s.runID == 0 {
		return ErrNoRun
	}
	if _, err := s.db.Exec(`UPDATE sessions SET closed_ns = ?, close_reason = 'daemon stopped'
		WHERE run_id = ? AND closed_ns IS NULL`, at.UnixNano(), s.runID); err != nil {
		return fmt.Errorf("close sessions: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET stopped_ns = ? WHERE id = ?`, at.UnixNano(), s.runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// SessionOpened journals a newly accepted session.
func (s *Store) SessionOpened(id uint64, peerPID, peerUID int, at time.Time) error {
	if s.runID == 0 {
		return ErrNoRun
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (run_id, session_id, opened_ns, peer_pid, peer_uid)
		VALUES (?, ?, ?, ?, ?)`,
		s.runID, int64(id), at.UnixNano(), peerPID, peerUID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionClosed journals the end of a session.
func (s *Store) SessionClosed(id uint64, reason string, at time.Time) error {
	if s.runID == 0 {
		return ErrNoRun
	}
	_, err := s.db.Exec(`
		UPDATE sessions SET closed_ns = ?, close_reason = ?
		WHERE run_id = ? AND session_id = ?`,
		at.UnixNano(), reason, s.runID, int64(id))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ClipboardChanged journals a clipboard update and how many sessions were
// told about it.
func (s *Store) ClipboardChanged(c ClipboardChange) error {
	if s.runID == 0 {
		return ErrNoRun
	}
	_, err := s.db.Exec(`
		INSERT INTO clipboard_changes (run_id, serial, mime_type, size, changed_ns, notified)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, int64(c.Serial), c.MimeType, c.Size, c.Changed.UnixNano(), c.Notified)
	if err != nil {
		return fmt.Errorf("insert clipboard change: %w", err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, session_id, opened_ns, closed_ns, peer_pid, peer_uid, close_reason
		FROM sessions ORDER BY opened_ns DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r        SessionRecord
			sid      int64
			openedNs int64
			closedNs sql.NullInt64
			pid, uid sql.NullInt64
			reason   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &sid, &openedNs, &closedNs, &pid, &uid, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.SessionID = uint64(sid)
		r.Opened = time.Unix(0, openedNs)
		if closedNs.Valid {
			t := time.Unix(0, closedNs.Int64)
			r.Closed = &t
		}
		r.PeerPID = int(pid.Int64)
		r.PeerUID = int(uid.Int64)
		r.CloseReason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClipboardChanges returns the most recent clipboard changes, newest first.
func (s *Store) ClipboardChanges(limit int) ([]ClipboardChange, error) {
	rows, err := s.db.Query(`
		SELECT run_id, serial, mime_type, size, changed_ns, notified
		FROM clipboard_changes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query clipboard changes: %w", err)
	}
	defer rows.Close()

	var out []ClipboardChange
	for rows.Next() {
		var (
			c         ClipboardChange
			serial    int64
			changedNs int64
		)
		if err := rows.Scan(&c.RunID, &serial, &c.MimeType, &c.Size, &changedNs, &c.Notified); err != nil {
			return nil, fmt.Errorf("scan clipboard change: %w", err)
		}
		c.Serial = uint64(serial)
		c.Changed = time.Unix(0, changedNs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetRun returns a run by id.
func (s *Store) GetRun(id int64) (*Run, error) {
	var (
		r         Run
		startedNs int64
		stoppedNs sql.NullInt64
		version   sql.NullString
	)
	err := s.db.QueryRow(`SELECT id, started_ns, stopped_ns, pid, version FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &startedNs, &stoppedNs, &r.PID, &version)
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	r.Started = time.Unix(0, startedNs)
	if stoppedNs.Valid {
		t := time.Unix(0, stoppedNs.Int64)
		r.Stopped = &t
	}
	r.Version = version.String
	return &r, nil
}
