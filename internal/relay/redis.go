package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "partycast:"
	publishTimeout = 5 * time.Second
)

// envelope is what goes over the wire.
type envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Redis implements Channel on Redis pub/sub, so participants on different server instances see each other.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis creates a Redis-backed relay.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger.With(zap.String("component", "relay"))}
}

// Publish sends payload to every current subscriber of topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(envelope{Topic: topic, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, channelPrefix+topic, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so a publish issued
// after Subscribe returns is guaranteed to be delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	subCtx, cancelCtx := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := r.client.Subscribe(subCtx, channelPrefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("dropping malformed relay payload", zap.String("topic", topic), zap.Error(err))
					continue
				}
				handler(env.Data)
			}
		}
	}()
	return cancelCtx, nil
}
