package echo

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// SessionManager is the process-wide Echo cache (§9), with explicit
// lifecycle hooks (Put, Evict). It has no size bound: an entry stays until
// Evict removes it. Backed by xsync.MapOf for lock-free concurrent
// lookup, since candidate fan-out and sub-cascades read/write sessions from
// many goroutines at once.
type SessionManager struct {
	sessions *xsync.MapOf[string, *Echo]
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: xsync.NewMapOf[string, *Echo]()}
}

// GetOrCreate returns the Echo for sessionID, creating it (and generating a
// session_id) if absent (§4.1 operation 1). If sessionID is empty a new one
// is generated.
func (m *SessionManager) GetOrCreate(sessionID, callerID, parentSessionID string) *Echo {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if e, ok := m.sessions.Load(sessionID); ok {
		return e
	}
	e := New(sessionID, callerID, parentSessionID)
	actual, _ := m.sessions.LoadOrStore(sessionID, e)
	return actual
}

// Get returns the Echo for sessionID without creating one.
func (m *SessionManager) Get(sessionID string) (*Echo, bool) {
	return m.sessions.Load(sessionID)
}

// Put installs an Echo under its own SessionID, overwriting any existing
// entry — used by BranchManager when materializing a reconstructed session.
func (m *SessionManager) Put(e *Echo) {
	m.sessions.Store(e.SessionID, e)
}

// Evict removes a session from the cache (explicit lifecycle hook, §9).
func (m *SessionManager) Evict(sessionID string) {
	m.sessions.Delete(sessionID)
}

// Len reports the number of cached sessions.
func (m *SessionManager) Len() int {
	return m.sessions.Size()
}
