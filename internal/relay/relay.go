// Package relay carries realtime notifications between participants of a broadcast.
// Delivery is best-effort and push-only: a subscriber only sees messages published after it subscribed.
package relay

import (
	"context"

	"github.com/google/uuid"
)

// Handler receives one published payload. Handlers of a single subscription are called
// sequentially in publish order.
type Handler func(payload []byte)

// Channel is a topic-keyed publish/subscribe broker.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler on topic. The subscription lives until cancel is called.
	Subscribe(ctx context.Context, topic string, handler Handler) (cancel func(), err error)
}

// SignalTopic carries signaling messages of one stream.
func SignalTopic(streamID uuid.UUID) string { return "signal:" + streamID.String() }

// SessionTopic carries session lifecycle changes of one event.
func SessionTopic(eventID uuid.UUID) string { return "session:" + eventID.String() }

// PresenceTopic carries viewer join/leave notifications of one stream.
func PresenceTopic(streamID uuid.UUID) string { return "presence:" + streamID.String() }
