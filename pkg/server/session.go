package server

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/directory"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// ErrServerClosed is returned when a connection arrives during shutdown
var ErrServerClosed = errors.New("server is shutting down")

// activityUpdateInterval limits how often last_activity is written
const activityUpdateInterval = 30 * time.Second

// SafeConn serializes writes so a response message is never interleaved
// with another write on the same connection
type SafeConn struct {
	net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{Conn: conn}
}

// WriteResponse writes one response message, or the bare terminator for nil
func (c *SafeConn) WriteResponse(resp protocol.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteResponse(c.Conn, resp)
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Session represents an active directory connection
type Session struct {
	ID          uint64
	DBSessionID int64 // 0 without a database
	ConnType    string
	Conn        *SafeConn
	Directory   *directory.Session
	ConnectedAt time.Time

	lastActivityUpdateTime int64 // milliseconds, atomic
}

// SessionManager tracks live connections and mirrors directory changes into
// metrics and the audit store
type SessionManager struct {
	db       *database.DB
	registry *directory.Registry
	metrics  *Metrics
	sessions map[uint64]*Session
	nextID   uint64
	closed   bool
	release  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewSessionManager creates a new session manager. db may be nil.
func NewSessionManager(db *database.DB, registry *directory.Registry) *SessionManager {
	return &SessionManager{
		db:       db,
		registry: registry,
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// SetReleaseOnDisconnect controls whether RemoveSession frees the
// session's nickname. Must be called before the first connection.
func (sm *SessionManager) SetReleaseOnDisconnect(release bool) {
	sm.release = release
}

// CreateSession registers a new connection
func (sm *SessionManager) CreateSession(connType string, conn net.Conn) (*Session, error) {
	var dbSessionID int64
	if sm.db != nil {
		// Outside the lock; the insert is the slow part
		id, err := sm.db.CreateSession(connType, conn.RemoteAddr().String())
		if err != nil {
			errorLog.Printf("Failed to record session from %s: %v", conn.RemoteAddr(), err)
		} else {
			dbSessionID = id
		}
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		if dbSessionID != 0 {
			sm.db.DeleteSession(dbSessionID)
		}
		return nil, ErrServerClosed
	}

	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1
	sess := &Session{
		ID:          sessionID,
		DBSessionID: dbSessionID,
		ConnType:    connType,
		Conn:        NewSafeConn(conn),
		Directory:   directory.NewSession(sessionID),
		ConnectedAt: time.Now(),
	}
	sm.sessions[sessionID] = sess
	sm.wg.Add(1)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated(connType)
	}

	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// CountSessions returns the number of open connections
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// RemoveSession closes the connection and forgets the session. With
// release on disconnect set it also frees the session's nickname.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sess, ok := sm.GetSession(sessionID)
	if !ok {
		return
	}

	if entry, bound := sess.Directory.Identity(); bound {
		if sm.release {
			// Released while the session is still listed so the audit row
			// can be found
			sm.registry.Release(sess.Directory)
		} else {
			debugLog.Printf("Session %d closed; %q stays registered at %s", sess.ID, entry.Nickname, entry.Addr)
		}
	}

	sm.mu.Lock()
	if _, ok := sm.sessions[sessionID]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()
	defer sm.wg.Done()

	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}

	if sm.db != nil && sess.DBSessionID != 0 {
		if err := sm.db.DeleteSession(sess.DBSessionID); err != nil {
			errorLog.Printf("Session %d: failed to delete session record: %v", sess.ID, err)
		}
	}
}

// Touch records activity on a session, writing to the database at most once
// per activityUpdateInterval
func (sm *SessionManager) Touch(sess *Session) {
	if sm.db == nil || sess.DBSessionID == 0 {
		return
	}

	now := time.Now().UnixMilli()
	last := atomic.LoadInt64(&sess.lastActivityUpdateTime)
	if now-last < activityUpdateInterval.Milliseconds() {
		return
	}
	if atomic.CompareAndSwapInt64(&sess.lastActivityUpdateTime, last, now) {
		if err := sm.db.UpdateSessionActivity(sess.DBSessionID); err != nil {
			debugLog.Printf("Session %d: activity update failed: %v", sess.ID, err)
		}
	}
}

// CloseAll closes every connection and refuses new ones. Handlers notice the
// closed connection and remove their sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
}

// Wait blocks until every session has been removed
func (sm *SessionManager) Wait() {
	sm.wg.Wait()
}

// OnLogin implements directory.Observer
func (sm *SessionManager) OnLogin(dirSess *directory.Session, entry protocol.Entry) {
	log.Printf("Session %d logged in as %q at %s", dirSess.ID, entry.Nickname, entry.Addr)

	if sm.metrics != nil {
		sm.metrics.RecordLogin(sm.registry.Len())
	}
	sm.audit(dirSess.ID, entry, database.EventLogin)
}

// OnLogout implements directory.Observer
func (sm *SessionManager) OnLogout(dirSess *directory.Session, entry protocol.Entry) {
	log.Printf("Session %d released %q", dirSess.ID, entry.Nickname)

	if sm.metrics != nil {
		sm.metrics.RecordLogout(sm.registry.Len())
	}
	sm.audit(dirSess.ID, entry, database.EventLogout)
}

func (sm *SessionManager) audit(sessionID uint64, entry protocol.Entry, event string) {
	if sm.db == nil {
		return
	}

	var dbSessionID int64
	if sess, ok := sm.GetSession(sessionID); ok {
		dbSessionID = sess.DBSessionID
	}

	if dbSessionID != 0 {
		nickname, listenAddr := "", ""
		if event == database.EventLogin {
			nickname, listenAddr = entry.Nickname, entry.Addr.String()
		}
		if err := sm.db.SetSessionIdentity(dbSessionID, nickname, listenAddr); err != nil {
			errorLog.Printf("Session %d: failed to record identity: %v", sessionID, err)
		}
	}

	if err := sm.db.RecordPresence(dbSessionID, entry.Nickname, entry.Addr.String(), event); err != nil {
		errorLog.Printf("Session %d: failed to record %s: %v", sessionID, event, err)
	}
}
