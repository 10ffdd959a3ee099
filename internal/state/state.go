// Package state holds the shared per-room state every sync server instance
// reads and writes: membership, language and the last-known code buffer.
//
// Each Store operation is atomic on its own. There are no transactions
// spanning operations; TryJoin is the one compound check-and-add that callers
// rely on for capacity.
package state

import (
	"context"
	"errors"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrRoomFull         = errors.New("room is full")
	ErrStoreUnavailable = errors.New("room state store unavailable")
)

type Room struct {
	ID       string
	Language string
	Code     string
	Members  []string
}

type Store interface {
	CreateRoom(ctx context.Context, room Room) error
	DeleteRoom(ctx context.Context, roomID string) error
	RoomExists(ctx context.Context, roomID string) (bool, error)

	// GetCode returns "" for a room whose buffer was never set.
	GetCode(ctx context.Context, roomID string) (string, error)
	SetCode(ctx context.Context, roomID, code string) error

	GetLanguage(ctx context.Context, roomID string) (string, error)
	SetLanguage(ctx context.Context, roomID, language string) error

	AddMember(ctx context.Context, roomID, username string) error
	RemoveMember(ctx context.Context, roomID, username string) error
	MemberCount(ctx context.Context, roomID string) (int, error)
	IsMember(ctx context.Context, roomID, username string) (bool, error)
	Members(ctx context.Context, roomID string) ([]string, error)

	// TryJoin adds username to the room unless that would exceed capacity.
	// It is idempotent for existing members and reports whether the call
	// added the username.
	TryJoin(ctx context.Context, roomID, username string, capacity int) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// IsDomainError reports errors that describe room state rather than a
// failing backend. They are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrRoomExists) ||
		errors.Is(err, ErrRoomFull)
}
