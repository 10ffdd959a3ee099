// Package relay carries room broadcasts between sync server instances so
// peers connected to different instances still see each other's events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Envelope struct {
	Instance string          `json:"instance"`
	RoomID   string          `json:"roomId"`
	Payload  json.RawMessage `json:"payload"`
}

type Handler func(Envelope)

type Relay interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
	// Start subscribes and delivers envelopes from other instances to handle
	// until Close. It returns once the subscription is live.
	Start(ctx context.Context, handle Handler) error
	Close() error
}

// Nop is used by single-instance deployments.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Start(context.Context, Handler) error          { return nil }
func (Nop) Close() error                                  { return nil }

type Redis struct {
	client   redis.UniversalClient
	channel  string
	instance string
	log      *logrus.Entry

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedis(client redis.UniversalClient, channel, instance string, log *logrus.Entry) *Redis {
	if channel == "" {
		channel = "codepair:broadcast"
	}
	return &Redis{
		client:   client,
		channel:  channel,
		instance: instance,
		log:      log,
	}
}

func (r *Redis) Publish(ctx context.Context, roomID string, payload []byte) error {
	data, err := json.Marshal(Envelope{
		Instance: r.instance,
		RoomID:   roomID,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", roomID, err)
	}
	return nil
}

func (r *Redis) Start(ctx context.Context, handle Handler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.WithError(err).Warn("Dropping undecodable relay envelope")
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			handle(env)
		}
	}()

	r.log.WithField("channel", r.channel).Info("Relay subscribed")
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	r.wg.Wait()
	return err
}
