package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type ResilientOptions struct {
	Retries    int
	RetryDelay time.Duration
	// Breaker trips after this many consecutive backend failures.
	TripAfter   uint32
	OpenTimeout time.Duration
}

// Resilient wraps a Store with bounded retries and a circuit breaker. Backend
// failures that survive the retries surface as ErrStoreUnavailable; room
// domain errors pass through untouched.
type Resilient struct {
	next    Store
	opts    ResilientOptions
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

func NewResilient(next Store, opts ResilientOptions, log *logrus.Entry) *Resilient {
	if opts.TripAfter == 0 {
		opts.TripAfter = 5
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = 5 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "room-state",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsDomainError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Store circuit breaker changed state")
		},
	}

	return &Resilient{
		next:    next,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

func call[T any](r *Resilient, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, ctx.Err())
			case <-timer.C:
			}
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err == nil {
			return out.(T), nil
		}
		if IsDomainError(err) {
			return zero, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
		}

		lastErr = err
		r.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
		}).WithError(err).Debug("Store call failed")
	}

	return zero, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, lastErr)
}

func exec(r *Resilient, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := call(r, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *Resilient) CreateRoom(ctx context.Context, room Room) error {
	return exec(r, ctx, "create_room", func(ctx context.Context) error {
		return r.next.CreateRoom(ctx, room)
	})
}

func (r *Resilient) DeleteRoom(ctx context.Context, roomID string) error {
	return exec(r, ctx, "delete_room", func(ctx context.Context) error {
		return r.next.DeleteRoom(ctx, roomID)
	})
}

func (r *Resilient) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return call(r, ctx, "room_exists", func(ctx context.Context) (bool, error) {
		return r.next.RoomExists(ctx, roomID)
	})
}

func (r *Resilient) GetCode(ctx context.Context, roomID string) (string, error) {
	return call(r, ctx, "get_code", func(ctx context.Context) (string, error) {
		return r.next.GetCode(ctx, roomID)
	})
}

func (r *Resilient) SetCode(ctx context.Context, roomID, code string) error {
	return exec(r, ctx, "set_code", func(ctx context.Context) error {
		return r.next.SetCode(ctx, roomID, code)
	})
}

func (r *Resilient) GetLanguage(ctx context.Context, roomID string) (string, error) {
	return call(r, ctx, "get_language", func(ctx context.Context) (string, error) {
		return r.next.GetLanguage(ctx, roomID)
	})
}

func (r *Resilient) SetLanguage(ctx context.Context, roomID, language string) error {
	return exec(r, ctx, "set_language", func(ctx context.Context) error {
		return r.next.SetLanguage(ctx, roomID, language)
	})
}

func (r *Resilient) AddMember(ctx context.Context, roomID, username string) error {
	return exec(r, ctx, "add_member", func(ctx context.Context) error {
		return r.next.AddMember(ctx, roomID, username)
	})
}

func (r *Resilient) RemoveMember(ctx context.Context, roomID, username string) error {
	return exec(r, ctx, "remove_member", func(ctx context.Context) error {
		return r.next.RemoveMember(ctx, roomID, username)
	})
}

func (r *Resilient) MemberCount(ctx context.Context, roomID string) (int, error) {
	return call(r, ctx, "member_count", func(ctx context.Context) (int, error) {
		return r.next.MemberCount(ctx, roomID)
	})
}

func (r *Resilient) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	return call(r, ctx, "is_member", func(ctx context.Context) (bool, error) {
		return r.next.IsMember(ctx, roomID, username)
	})
}

func (r *Resilient) Members(ctx context.Context, roomID string) ([]string, error) {
	return call(r, ctx, "members", func(ctx context.Context) ([]string, error) {
		return r.next.Members(ctx, roomID)
	})
}

func (r *Resilient) TryJoin(ctx context.Context, roomID, username string, capacity int) (bool, error) {
	return call(r, ctx, "try_join", func(ctx context.Context) (bool, error) {
		return r.next.TryJoin(ctx, roomID, username, capacity)
	})
}

func (r *Resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *Resilient) Close() error {
	return r.next.Close()
}
