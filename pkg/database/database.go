// Package database stores an audit trail of directory sessions in SQLite.
// The directory itself lives in memory; this store only records who is
// connected and the login/logout history of nicknames.
package database

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// EnableDebugLogging sends database debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Presence event kinds
const (
	EventLogin  = "login"
	EventLogout = "logout"
)

// Session is one row of the Session table
type Session struct {
	ID             int64   `json:"id"`
	ConnectionType string  `json:"connection_type"`
	RemoteAddr     string  `json:"remote_addr"`
	Nickname       *string `json:"nickname,omitempty"`
	ListenAddr     *string `json:"listen_addr,omitempty"`
	ConnectedAt    int64   `json:"connected_at"`
	LastActivity   int64   `json:"last_activity"`
}

// PresenceEvent is one login or logout of a nickname
type PresenceEvent struct {
	ID         int64  `json:"id"`
	SessionID  int64  `json:"session_id"`
	Nickname   string `json:"nickname"`
	ListenAddr string `json:"listen_addr"`
	Event      string `json:"event"`
	CreatedAt  int64  `json:"created_at"`
}

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at path and brings its schema up to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writes and keeps ":memory:" databases
	// on one handle
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	applied, err := runMigrations(conn, path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) > 0 {
		log.Printf("Session store schema migrated to v%d", applied[len(applied)-1])
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ClearSessions deletes every session row. The in-memory directory starts
// empty, so rows left by a previous process are stale.
func (db *DB) ClearSessions() (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM Session`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sessions: %w", err)
	}
	return result.RowsAffected()
}

// CreateSession creates a new session record
func (db *DB) CreateSession(connType, remoteAddr string) (int64, error) {
	now := nowMillis()
	result, err := db.conn.Exec(`
		INSERT INTO Session (connection_type, remote_addr, connected_at, last_activity)
		VALUES (?, ?, ?, ?)
	`, connType, remoteAddr, now, now)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// SetSessionIdentity records the nickname a session logged in with, or
// clears it when nickname is empty
func (db *DB) SetSessionIdentity(sessionID int64, nickname, listenAddr string) error {
	var nick, addr sql.NullString
	if nickname != "" {
		nick = sql.NullString{String: nickname, Valid: true}
		addr = sql.NullString{String: listenAddr, Valid: true}
	}

	_, err := db.conn.Exec(`
		UPDATE Session SET nickname = ?, listen_addr = ?, last_activity = ? WHERE id = ?
	`, nick, addr, nowMillis(), sessionID)
	return err
}

// UpdateSessionActivity updates the last_activity timestamp for a session
func (db *DB) UpdateSessionActivity(sessionID int64) error {
	_, err := db.conn.Exec(`
		UPDATE Session SET last_activity = ? WHERE id = ?
	`, nowMillis(), sessionID)
	return err
}

// getSession returns a session by ID
func (db *DB) getSession(sessionID int64) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, connection_type, remote_addr, nickname, listen_addr, connected_at, last_activity
		FROM Session
		WHERE id = ?
	`, sessionID)

	return scanSession(row)
}

// ListSessions returns every live session, oldest first
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT id, connection_type, remote_addr, nickname, listen_addr, connected_at, last_activity
		FROM Session
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession deletes a session record
func (db *DB) DeleteSession(sessionID int64) error {
	_, err := db.conn.Exec(`DELETE FROM Session WHERE id = ?`, sessionID)
	return err
}

// RecordPresence appends a login or logout event
func (db *DB) RecordPresence(sessionID int64, nickname, listenAddr, event string) error {
	_, err := db.conn.Exec(`
		INSERT INTO PresenceEvent (session_id, nickname, listen_addr, event, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, nickname, listenAddr, event, nowMillis())
	return err
}

// ListPresence returns the most recent events for nickname (all nicknames
// when empty), newest first
func (db *DB) ListPresence(nickname string, limit int) ([]*PresenceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, nickname, listen_addr, event, created_at
		FROM PresenceEvent
	`
	args := []any{}
	if nickname != "" {
		query += ` WHERE nickname = ?`
		args = append(args, nickname)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence events: %w", err)
	}
	defer rows.Close()

	var events []*PresenceEvent
	for rows.Next() {
		ev := &PresenceEvent{}
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Nickname, &ev.ListenAddr, &ev.Event, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var nickname, listenAddr sql.NullString

	err := row.Scan(
		&sess.ID,
		&sess.ConnectionType,
		&sess.RemoteAddr,
		&nickname,
		&listenAddr,
		&sess.ConnectedAt,
		&sess.LastActivity,
	)
	if err != nil {
		return nil, err
	}

	if nickname.Valid {
		sess.Nickname = &nickname.String
	}
	if listenAddr.Valid {
		sess.ListenAddr = &listenAddr.String
	}
	return sess, nil
}
