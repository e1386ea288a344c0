package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"roomsync/internal/models"
)

/*
REDIS BACKPLANE

With more than one server instance behind a load balancer, two peers of the
same room can land on different instances. Every instance publishes the
frames it relays to one Redis channel and delivers the frames published by
the others to its own local peers.

  peer A → instance 1 → local peers of the room
                      → PUBLISH roomsync:frames
                             → instance 2 → its local peers of the room
*/

const backplaneChannel = "roomsync:frames"

// Envelope is a frame travelling between server instances
type Envelope struct {
	Instance string       `json:"instance"`
	Room     string       `json:"room"`
	Except   string       `json:"except,omitempty"`
	Frame    models.Frame `json:"frame"`
}

// Backplane connects the session managers of several server instances
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls fn for every envelope published by another instance
	// until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

// RedisBackplane implements Backplane with Redis pub/sub
type RedisBackplane struct {
	client   *redis.Client
	instance string
	channel  string
}

// NewRedisBackplane connects to Redis at addr
func NewRedisBackplane(ctx context.Context, addr string) (*RedisBackplane, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}
	b := &RedisBackplane{
		client:   client,
		instance: uuid.NewString(),
		channel:  backplaneChannel,
	}
	log.Printf("✓ Redis backplane connected: %s (instance %s)", addr, b.instance)
	return b, nil
}

// Instance identifies this server among the ones sharing the backplane
func (b *RedisBackplane) Instance() string {
	return b.instance
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	env.Instance = b.instance
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relying on it
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			env, ok := b.decode(msg.Payload)
			if ok {
				fn(env)
			}
		}
	}
}

// decode parses a published envelope, skipping our own
func (b *RedisBackplane) decode(payload string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("⚠️  Dropping malformed backplane message: %v", err)
		return env, false
	}
	if env.Instance == b.instance || env.Room == "" {
		return env, false
	}
	return env, true
}

func (b *RedisBackplane) Close() error {
	return b.client.Close()
}
