// Package dispatch owns the per-connection send path. Handlers read frames
// themselves; everything that writes back to a client goes through a Session
// so concurrent writers never interleave on one WebSocket.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezariago/anemon-backend/internal/models"
)

var ErrNoSession = errors.New("no session for user")

// Session is one authenticated client connection.
type Session interface {
	SendText(frame string) error
	Ping() error
	Close(reason string) error
}

const writeWait = 10 * time.Second

// WSSession wraps a gorilla connection with a write mutex. gorilla permits at
// most one concurrent writer, and trip broadcasts fan in from many
// goroutines.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn}
}

func (s *WSSession) SendText(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a normal closure frame with the given reason, then tears the
// connection down.
func (s *WSSession) Close(reason string) error {
	s.mu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	s.mu.Unlock()
	return s.conn.Close()
}

// Registry tracks which session belongs to which user on one channel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]Session
	profiles map[int]models.UserProfile
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int]Session),
		profiles: make(map[int]models.UserProfile),
	}
}

// Add registers a session, replacing any previous one for the same uid.
// The replaced session, if any, is returned so the caller can close it.
func (r *Registry) Add(profile models.UserProfile, s Session) (replaced Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.sessions[profile.UID]
	r.sessions[profile.UID] = s
	r.profiles[profile.UID] = profile
	return replaced
}

// Remove drops the uid's session only if it is still the given one. A
// reconnect may have already replaced it.
func (r *Registry) Remove(uid int, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[uid] == s {
		delete(r.sessions, uid)
		delete(r.profiles, uid)
	}
}

func (r *Registry) Get(uid int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uid]
	return s, ok
}

func (r *Registry) Profile(uid int) (models.UserProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[uid]
	return p, ok
}

// Send delivers one frame to the uid's session.
func (r *Registry) Send(uid int, frame string) error {
	s, ok := r.Get(uid)
	if !ok {
		return ErrNoSession
	}
	return s.SendText(frame)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
