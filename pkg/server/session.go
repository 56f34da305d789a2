package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session represents one live client connection. A session starts
// unauthenticated; a successful login on that exact connection binds a
// username to it. The zero username means unauthenticated.
type Session struct {
	ID          uint64
	Conn        *SafeConn
	ConnectedAt time.Time

	mu           sync.RWMutex // protects username
	username     string
	lastActivity int64 // Unix milliseconds, atomic
}

// Username returns the authenticated username, or "" before login.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Authenticated reports whether a login has succeeded on this connection.
func (s *Session) Authenticated() bool {
	return s.Username() != ""
}

// Touch records activity for idle-timeout accounting.
func (s *Session) Touch(now int64) {
	atomic.StoreInt64(&s.lastActivity, now)
}

// LastActivity returns the last activity timestamp in Unix milliseconds.
func (s *Session) LastActivity() int64 {
	return atomic.LoadInt64(&s.lastActivity)
}

// SessionManager owns the table of live sessions. It is the single
// coordination point between the per-connection goroutines: mutated on
// connect/login/disconnect, read on every broadcast and presence query.
// The lock is held only to snapshot or mutate the table, never across a
// socket write.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates an empty session table.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn.
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	now := time.Now()

	sm.mu.Lock()
	sessionID := sm.nextID
	sm.nextID++

	sess := &Session{
		ID:           sessionID,
		Conn:         NewSafeConn(conn),
		ConnectedAt:  now,
		lastActivity: now.UnixMilli(),
	}
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}
	return sess
}

// GetSession returns a session by ID.
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns a snapshot of all live sessions.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Authenticate binds username to the session. Re-login on an authenticated
// session simply rebinds the identity.
func (sm *SessionManager) Authenticate(sessionID uint64, username string) error {
	sess, ok := sm.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("session %d not found", sessionID)
	}

	sess.mu.Lock()
	sess.username = username
	sess.mu.Unlock()
	return nil
}

// RemoveSession removes a session from the table and closes its connection.
// Safe to call more than once for the same ID.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
}

// IsOnline reports whether any live session is authenticated as username.
func (sm *SessionManager) IsOnline(username string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, sess := range sm.sessions {
		if sess.Username() == username {
			return true
		}
	}
	return false
}

// OnlineUsernames returns the set of usernames with at least one
// authenticated session.
func (sm *SessionManager) OnlineUsernames() map[string]bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	online := make(map[string]bool)
	for _, sess := range sm.sessions {
		if name := sess.Username(); name != "" {
			online[name] = true
		}
	}
	return online
}

// Broadcast delivers one encoded line to every authenticated session,
// including the sender's. The table lock is released before any socket
// write; a failed write marks that session dead and tears it down after the
// fan-out, without aborting delivery to the others. Returns the number of
// sessions written successfully.
func (sm *SessionManager) Broadcast(data []byte) int {
	sm.mu.RLock()
	targets := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		if sess.Authenticated() {
			targets = append(targets, sess)
		}
	}
	sm.mu.RUnlock()

	delivered := 0
	var dead []uint64
	for _, sess := range targets {
		if err := sess.Conn.WriteLine(data); err != nil {
			debugLog.Printf("Session %d: broadcast write failed: %v", sess.ID, err)
			dead = append(dead, sess.ID)
			continue
		}
		delivered++
	}

	for _, sessID := range dead {
		if sm.metrics != nil {
			sm.metrics.RecordBroadcastFailure()
		}
		sm.RemoveSession(sessID)
	}
	return delivered
}

// CountSessions returns the number of live sessions (any state).
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountAuthenticated returns the number of authenticated sessions.
func (sm *SessionManager) CountAuthenticated() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	count := 0
	for _, sess := range sm.sessions {
		if sess.Authenticated() {
			count++
		}
	}
	return count
}

// CloseAll closes every session and empties the table.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
}
