package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps the event log in a sorted set per identity so every
// instance sees the same count. Scores are microseconds since the epoch.
type RedisWindow struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	// Distinguishes this process's members from other instances'.
	origin string
	now    func() time.Time
	seq    atomic.Uint64
}

func NewRedisWindow(client redis.UniversalClient, prefix string, cfg Config) *RedisWindow {
	if prefix == "" {
		prefix = "codepair:ratelimit:"
	}
	return &RedisWindow{
		client: client,
		cfg:    cfg,
		prefix: prefix,
		origin: uuid.NewString(),
		now:    time.Now,
	}
}

func (w *RedisWindow) ShouldLimit(ctx context.Context, identity string) (bool, error) {
	key := w.prefix + identity
	now := w.now()
	cutoff := now.Add(-w.cfg.Window).UnixMicro()

	// Members must be unique even when two checks share a timestamp, on
	// this instance or another.
	member := w.origin + "-" + strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(w.seq.Add(1), 10)

	var count *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		count = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, w.cfg.Window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", identity, err)
	}

	return count.Val() > int64(w.cfg.Threshold), nil
}
