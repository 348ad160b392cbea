package backend

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// Session is one realtime socket. The registries push envelopes into its
// outbound buffer without blocking; the socket writer drains it.
type Session struct {
	ID       string
	UserID   string
	Username string

	out    chan *rtapi.Envelope
	mu     sync.Mutex
	closed bool
}

// NewSession creates a Session with an open outbound buffer.
//
// Precondition: id and userID must be non-empty.
// Postcondition: Returns a Session; bufferSize <= 0 uses 256.
func NewSession(id, userID, username string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Session{
		ID:       id,
		UserID:   userID,
		Username: username,
		out:      make(chan *rtapi.Envelope, bufferSize),
	}
}

// Presence returns the session's presence.
func (s *Session) Presence() rtapi.Presence {
	return rtapi.Presence{UserID: s.UserID, SessionID: s.ID, Username: s.Username}
}

// Push enqueues env for the socket writer.
//
// Precondition: env must be non-nil.
// Postcondition: env is enqueued, or an error is returned if the session is closed or its buffer is full.
func (s *Session) Push(env *rtapi.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	select {
	case s.out <- env:
		return nil
	default:
		return fmt.Errorf("session %s outbound buffer full", s.ID)
	}
}

// Outbound returns the read-only outbound channel. It is closed by Close.
func (s *Session) Outbound() <-chan *rtapi.Envelope {
	return s.out
}

// Close marks the session closed and closes the outbound channel.
//
// Postcondition: Further Push calls return an error.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sessions tracks live realtime sessions.
// All methods are safe for concurrent use.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Add registers s.
//
// Postcondition: Returns an error if a session with the same id is registered.
func (r *Sessions) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already connected", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove unregisters and closes the session with id.
//
// Postcondition: Returns an error if not found.
func (r *Sessions) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	_ = s.Close()
	delete(r.sessions, id)
	return nil
}

// Get returns the session with id.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Sessions) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live session without unregistering it. Each socket
// handler then unwinds and removes its own session.
//
// Postcondition: Returns the number of sessions closed.
func (r *Sessions) CloseAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		_ = s.Close()
	}
	return len(r.sessions)
}
