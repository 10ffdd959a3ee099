package ws

import (
	"sync"
	"sync/atomic"
)

// Peer is the outbound half of a live connection.
type Peer interface {
	ID() string
	// Send queues a frame without blocking. It reports false when the frame
	// was not queued because the peer is closed or its queue overflowed.
	Send(frame []byte) bool
	Open() bool
	Close()
}

// Session is the engine's view of one connection: unbound until a join
// succeeds, then bound to exactly one room and username for its lifetime.
type Session struct {
	peer Peer

	// Written once by the join task, read afterwards.
	room     *roomWorker
	roomID   string
	username string
	bound    atomic.Bool
	closed   atomic.Bool

	// Owned by the room worker.
	lastKnownCode string
	hasCode       bool

	// Owned by the connection's read loop.
	rateLimited bool
}

func NewSession(peer Peer) *Session {
	return &Session{peer: peer}
}

func (s *Session) ID() string {
	return s.peer.ID()
}

func (s *Session) RoomID() string {
	if !s.bound.Load() {
		return ""
	}
	return s.roomID
}

func (s *Session) Username() string {
	if !s.bound.Load() {
		return ""
	}
	return s.username
}

func (s *Session) Bound() bool {
	return s.bound.Load()
}

func (s *Session) boundTo(roomID string) bool {
	return s.bound.Load() && s.roomID == roomID
}

// Registry maps live connections to the room they are bound to. It is local
// to one server instance and never consulted for cross-instance decisions.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
	count int
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Session),
	}
}

func (r *Registry) Bind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[s.roomID]
	if !ok {
		sessions = make(map[string]*Session)
		r.rooms[s.roomID] = sessions
	}
	if _, ok := sessions[s.ID()]; !ok {
		sessions[s.ID()] = s
		r.count++
	}
}

func (r *Registry) Unbind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[s.roomID]
	if !ok {
		return
	}
	if _, ok := sessions[s.ID()]; ok {
		delete(sessions, s.ID())
		r.count--
	}
	if len(sessions) == 0 {
		delete(r.rooms, s.roomID)
	}
}

// InRoom returns the sessions bound to roomID at call time.
func (r *Registry) InRoom(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.rooms[roomID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// HasUser reports whether any local session in roomID is bound as username.
func (r *Registry) HasUser(roomID, username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.rooms[roomID] {
		if s.username == username {
			return true
		}
	}
	return false
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, r.count)
	for _, sessions := range r.rooms {
		for _, s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Rooms returns the number of local connections per active room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for id, sessions := range r.rooms {
		out[id] = len(sessions)
	}
	return out
}
