package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"authrelay/pkg/logging"
)

// Session tracks one in-flight device or authorization-code flow. Created by
// Initiate, mutated only by Complete, deleted on terminal outcome (success,
// denial, or expiry). Its lifetime is bounded by the provider-supplied
// expires_in.
type Session struct {
	// ID identifies the session towards API callers.
	ID string

	// UserID is the user the flow was initiated for.
	UserID string

	// Provider is the configured provider name.
	Provider string

	// Flow is the flow type this session belongs to.
	Flow Type

	// DeviceCode is the provider's device code (device flow only).
	DeviceCode string

	// State is the CSRF state parameter (authorization-code flow only).
	State string

	// CodeVerifier is the PKCE verifier (authorization-code flow only).
	// Kept server-side, never transmitted before the token exchange.
	CodeVerifier string

	// Interval is the minimum seconds between device-flow polls. Bumped
	// when the provider answers slow_down.
	Interval int

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// ExpiresAt is when the session becomes unusable.
	ExpiresAt time.Time
}

// Expired reports whether the session is past its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

type sessionUserKey struct {
	userID   string
	provider string
}

// SessionStore holds in-flight flow sessions in memory. At most one live
// session exists per (user, provider): initiating again replaces the
// previous one. A background loop garbage-collects expired sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[sessionUserKey]string // (user, provider) -> session ID

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewSessionStore creates a session store and starts its cleanup goroutine.
func NewSessionStore() *SessionStore {
	ss := &SessionStore{
		sessions:        make(map[string]*Session),
		byUser:          make(map[sessionUserKey]string),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go ss.cleanupLoop()
	return ss
}

// Create registers a new session, replacing any previous session for the
// same (user, provider). The session ID is generated here.
func (ss *SessionStore) Create(session *Session) *Session {
	session.ID = uuid.NewString()
	session.CreatedAt = time.Now()

	key := sessionUserKey{session.UserID, session.Provider}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if previous, ok := ss.byUser[key]; ok {
		delete(ss.sessions, previous)
		logging.Debug("Flow", "Replaced pending session for user=%s provider=%s",
			logging.TruncateID(session.UserID), session.Provider)
	}
	ss.sessions[session.ID] = session
	ss.byUser[key] = session.ID

	return session
}

// Get returns the session with the given ID, or nil.
func (ss *SessionStore) Get(sessionID string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[sessionID]
}

// GetByState returns the session carrying the given CSRF state, or nil.
func (ss *SessionStore) GetByState(state string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, session := range ss.sessions {
		if session.State != "" && session.State == state {
			return session
		}
	}
	return nil
}

// Delete removes a session.
func (ss *SessionStore) Delete(sessionID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.deleteLocked(sessionID)
}

func (ss *SessionStore) deleteLocked(sessionID string) {
	session, ok := ss.sessions[sessionID]
	if !ok {
		return
	}
	delete(ss.sessions, sessionID)
	key := sessionUserKey{session.UserID, session.Provider}
	if ss.byUser[key] == sessionID {
		delete(ss.byUser, key)
	}
}

// BumpInterval raises the poll interval after a slow_down response
// (RFC 8628 mandates increasing the interval by 5 seconds) and returns the
// new interval. Returns 0 when the session no longer exists.
func (ss *SessionStore) BumpInterval(sessionID string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	session, ok := ss.sessions[sessionID]
	if !ok {
		return 0
	}
	session.Interval += 5
	return session.Interval
}

// DeleteByUser removes the pending session for (userID, provider), if any.
func (ss *SessionStore) DeleteByUser(userID, provider string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if sessionID, ok := ss.byUser[sessionUserKey{userID, provider}]; ok {
		ss.deleteLocked(sessionID)
	}
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Stop stops the cleanup goroutine.
func (ss *SessionStore) Stop() {
	close(ss.stopCleanup)
}

func (ss *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(ss.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.cleanup()
		case <-ss.stopCleanup:
			return
		}
	}
}

func (ss *SessionStore) cleanup() {
	now := time.Now()

	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for id, session := range ss.sessions {
		if session.Expired(now) {
			ss.deleteLocked(id)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Flow", "Garbage-collected %d expired flow sessions", count)
	}
}
