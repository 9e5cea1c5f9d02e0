package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
LEARNING: REDIS PUB/SUB BETWEEN HUB INSTANCES

Several hub instances can serve the same document behind a load balancer.
Each one publishes the op frames its peers send on a per-document channel
and subscribes to all of them with a pattern:

  hub A: PUBLISH otp2p:doc:notes {origin: A, payload: {...op...}}
  hub B: PSUBSCRIBE otp2p:doc:*  -> applies to its replica, fans out locally

Every envelope carries the publishing instance id so an instance skips its
own messages, which Redis delivers back to it as well.
*/

const channelPrefix = "otp2p:doc:"

// Envelope is what travels over Redis
type Envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives frames published by other instances
type Handler func(documentID string, payload []byte)

// RedisRelay publishes and receives op frames through Redis
type RedisRelay struct {
	client     *redis.Client
	instanceID string
}

// NewRedisRelay connects to Redis at addr
func NewRedisRelay(ctx context.Context, addr string) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	r := &RedisRelay{
		client:     client,
		instanceID: uuid.New().String(),
	}
	log.Printf("✓ Redis relay connected: %s (instance %s)", addr, r.instanceID)
	return r, nil
}

// Publish sends payload to every other instance serving documentID
func (r *RedisRelay) Publish(ctx context.Context, documentID string, payload []byte) error {
	data, err := Encode(r.instanceID, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, ChannelFor(documentID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to relay: %w", err)
	}
	return nil
}

// Subscribe delivers frames from other instances to handler until ctx is
// cancelled or the relay is closed
func (r *RedisRelay) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				documentID, ok := DocumentFor(msg.Channel)
				if !ok {
					continue
				}
				env, err := Decode([]byte(msg.Payload))
				if err != nil {
					log.Printf("⚠️  Dropping malformed relay message on %s: %v", msg.Channel, err)
					continue
				}
				if env.Origin == r.instanceID {
					continue
				}
				handler(documentID, env.Payload)
			}
		}
	}()

	log.Println("✓ Subscribed to relay")
	return nil
}

// Close disconnects from Redis
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// ChannelFor returns the Redis channel of a document
func ChannelFor(documentID string) string {
	return channelPrefix + documentID
}

// DocumentFor extracts the document id from a channel name
func DocumentFor(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, channelPrefix)
	return id, id != ""
}

// Encode wraps payload in an envelope from origin
func Encode(origin string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("relay payload is not valid JSON")
	}
	data, err := json.Marshal(Envelope{Origin: origin, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode relay envelope: %w", err)
	}
	if env.Origin == "" {
		return nil, fmt.Errorf("relay envelope has no origin")
	}
	return &env, nil
}
