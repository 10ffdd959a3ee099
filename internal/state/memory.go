package state

import (
	"context"
	"sort"
	"sync"
)

type memoryRoom struct {
	language string
	code     string
	members  map[string]struct{}
}

// MemoryStore keeps room state in process. It backs single-instance
// deployments and tests; it is not shared between instances.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*memoryRoom),
	}
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return ErrRoomExists
	}

	r := &memoryRoom{
		language: room.Language,
		code:     room.Code,
		members:  make(map[string]struct{}, len(room.Members)),
	}
	for _, m := range room.Members {
		r.members[m] = struct{}{}
	}
	s.rooms[room.ID] = r
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok, nil
}

func (s *MemoryStore) GetCode(ctx context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return r.code, nil
}

func (s *MemoryStore) SetCode(ctx context.Context, roomID, code string) error {
	return s.update(roomID, func(r *memoryRoom) error {
		r.code = code
		return nil
	})
}

func (s *MemoryStore) GetLanguage(ctx context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return r.language, nil
}

func (s *MemoryStore) SetLanguage(ctx context.Context, roomID, language string) error {
	return s.update(roomID, func(r *memoryRoom) error {
		r.language = language
		return nil
	})
}

func (s *MemoryStore) AddMember(ctx context.Context, roomID, username string) error {
	return s.update(roomID, func(r *memoryRoom) error {
		r.members[username] = struct{}{}
		return nil
	})
}

func (s *MemoryStore) RemoveMember(ctx context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		delete(r.members, username)
	}
	return nil
}

func (s *MemoryStore) MemberCount(ctx context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0, nil
	}
	return len(r.members), nil
}

func (s *MemoryStore) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	_, member := r.members[username]
	return member, nil
}

func (s *MemoryStore) Members(ctx context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]string, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) TryJoin(ctx context.Context, roomID, username string, capacity int) (bool, error) {
	added := false
	err := s.update(roomID, func(r *memoryRoom) error {
		if _, ok := r.members[username]; ok {
			return nil
		}
		if len(r.members) >= capacity {
			return ErrRoomFull
		}
		r.members[username] = struct{}{}
		added = true
		return nil
	})
	return added, err
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) update(roomID string, fn func(*memoryRoom) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	return fn(r)
}
