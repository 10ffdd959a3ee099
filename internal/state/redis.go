package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys, per room:
//
//	<prefix>room:<id>          hash  {id, language, code}
//	<prefix>room:<id>:members  set   usernames
//
// Both keys share the room TTL, refreshed on every write.

var createRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'language', ARGV[2], 'code', ARGV[3])
for i = 5, #ARGV do
	redis.call('SADD', KEYS[2], ARGV[i])
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

var setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

var addMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// Returns -1 when the room is missing, -2 when full, 0 when already a
// member and 1 when added.
var tryJoinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 0
end
if redis.call('SCARD', KEYS[2]) >= tonumber(ARGV[2]) then
	return -2
end
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

type RedisOptions struct {
	Prefix string
	// TTL expires idle rooms. Zero keeps rooms until deleted.
	TTL time.Duration
}

type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "codepair:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) roomKey(roomID string) string {
	return s.prefix + "room:" + roomID
}

func (s *RedisStore) membersKey(roomID string) string {
	return s.prefix + "room:" + roomID + ":members"
}

func (s *RedisStore) keys(roomID string) []string {
	return []string{s.roomKey(roomID), s.membersKey(roomID)}
}

func (s *RedisStore) CreateRoom(ctx context.Context, room Room) error {
	args := []interface{}{room.ID, room.Language, room.Code, s.ttl.Milliseconds()}
	for _, m := range room.Members {
		args = append(args, m)
	}

	created, err := createRoomScript.Run(ctx, s.client, s.keys(room.ID), args...).Int()
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.ID, err)
	}
	if created == 0 {
		return ErrRoomExists
	}
	return nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.keys(roomID)...).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("room exists %s: %w", roomID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) GetCode(ctx context.Context, roomID string) (string, error) {
	return s.getField(ctx, roomID, "code")
}

func (s *RedisStore) SetCode(ctx context.Context, roomID, code string) error {
	return s.setField(ctx, roomID, "code", code)
}

func (s *RedisStore) GetLanguage(ctx context.Context, roomID string) (string, error) {
	return s.getField(ctx, roomID, "language")
}

func (s *RedisStore) SetLanguage(ctx context.Context, roomID, language string) error {
	return s.setField(ctx, roomID, "language", language)
}

func (s *RedisStore) getField(ctx context.Context, roomID, field string) (string, error) {
	vals, err := s.client.HMGet(ctx, s.roomKey(roomID), "id", field).Result()
	if err != nil {
		return "", fmt.Errorf("get %s %s: %w", field, roomID, err)
	}
	if vals[0] == nil {
		return "", ErrRoomNotFound
	}
	v, _ := vals[1].(string)
	return v, nil
}

func (s *RedisStore) setField(ctx context.Context, roomID, field, value string) error {
	ok, err := setFieldScript.Run(ctx, s.client, s.keys(roomID), field, value, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("set %s %s: %w", field, roomID, err)
	}
	if ok == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) AddMember(ctx context.Context, roomID, username string) error {
	ok, err := addMemberScript.Run(ctx, s.client, s.keys(roomID), username, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("add member %s: %w", roomID, err)
	}
	if ok == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, username string) error {
	if err := s.client.SRem(ctx, s.membersKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("remove member %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) MemberCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, s.membersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("member count %s: %w", roomID, err)
	}
	return int(n), nil
}

func (s *RedisStore) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.membersKey(roomID), username).Result()
	if err != nil {
		return false, fmt.Errorf("is member %s: %w", roomID, err)
	}
	return ok, nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]string, error) {
	var (
		exists  *redis.IntCmd
		members *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.roomKey(roomID))
		members = pipe.SMembers(ctx, s.membersKey(roomID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", roomID, err)
	}
	if exists.Val() == 0 {
		return nil, ErrRoomNotFound
	}
	out := members.Val()
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) TryJoin(ctx context.Context, roomID, username string, capacity int) (bool, error) {
	res, err := tryJoinScript.Run(ctx, s.client, s.keys(roomID), username, capacity, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("try join %s: %w", roomID, err)
	}
	switch res {
	case -1:
		return false, ErrRoomNotFound
	case -2:
		return false, ErrRoomFull
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
