package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Outbound event names.
const (
	EventSignal      = "signal"
	EventSession     = "session"
	EventViewerCount = "viewer_count"
	EventError       = "error"
)

// SessionFeed is the session change feed of an event.
type SessionFeed interface {
	Subscribe(ctx context.Context, eventID uuid.UUID, onChange func(models.SessionChange)) (func(), error)
}

// CountFeed reports a stream's active viewer count.
type CountFeed interface {
	SubscribeCount(ctx context.Context, streamID uuid.UUID, onChange func(int)) (func(), error)
}

// room is the set of sockets attached to one stream, plus the feeds they share.
type room struct {
	eventID uuid.UUID
	clients map[string]*Client
	unsubs  []func()
}

// Hub maintains stream_id -> set of connections. Session changes and viewer counts are
// subscribed once per stream and fanned out to every local socket.
type Hub struct {
	rooms    map[uuid.UUID]*room
	mu       sync.RWMutex
	logger   *zap.Logger
	sessions SessionFeed
	counts   CountFeed
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, sessions SessionFeed, counts CountFeed) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[uuid.UUID]*room),
		logger:   logger.With(zap.String("component", "realtime")),
		sessions: sessions,
		counts:   counts,
	}
}

// Register adds a client to its stream room. The first client of a stream starts the shared feeds.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	r := h.rooms[c.StreamID]
	first := r == nil
	if first {
		r = &room{eventID: c.EventID, clients: make(map[string]*Client)}
		h.rooms[c.StreamID] = r
	}
	r.clients[c.ID] = c
	h.mu.Unlock()

	if first {
		h.startFeeds(c.StreamID, c.EventID)
	}
	h.logger.Debug("client joined stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

func (h *Hub) startFeeds(streamID, eventID uuid.UUID) {
	ctx := context.Background()
	var unsubs []func()
	if h.sessions != nil {
		cancel, err := h.sessions.Subscribe(ctx, eventID, func(change models.SessionChange) {
			h.BroadcastToStream(streamID, EventSession, change)
		})
		if err != nil {
			h.logger.Warn("session feed unavailable", zap.String("event_id", eventID.String()), zap.Error(err))
		} else {
			unsubs = append(unsubs, cancel)
		}
	}
	if h.counts != nil {
		cancel, err := h.counts.SubscribeCount(ctx, streamID, func(n int) {
			h.BroadcastToStream(streamID, EventViewerCount, map[string]int{"count": n})
		})
		if err != nil {
			h.logger.Warn("viewer count feed unavailable", zap.String("stream_id", streamID.String()), zap.Error(err))
		} else {
			unsubs = append(unsubs, cancel)
		}
	}

	h.mu.Lock()
	r := h.rooms[streamID]
	if r == nil {
		// everyone left while subscribing
		h.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return
	}
	r.unsubs = append(r.unsubs, unsubs...)
	h.mu.Unlock()
}

// Unregister removes a client. The last client of a stream stops the shared feeds.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var unsubs []func()
	if r, ok := h.rooms[c.StreamID]; ok {
		delete(r.clients, c.ID)
		if len(r.clients) == 0 {
			unsubs = r.unsubs
			delete(h.rooms, c.StreamID)
		}
	}
	h.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	h.logger.Debug("client left stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

// BroadcastToStream sends a message to all local clients of a stream.
func (h *Hub) BroadcastToStream(streamID uuid.UUID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[streamID]
	if r == nil {
		return
	}
	for _, c := range r.clients {
		c.enqueue(msg)
	}
}

// ClientCount returns the number of sockets attached to a stream.
func (h *Hub) ClientCount(streamID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[streamID]; r != nil {
		return len(r.clients)
	}
	return 0
}

func encode(event string, payload interface{}) (WSMessage, bool) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return WSMessage{}, false
		}
	}
	return WSMessage{Event: event, Data: data}, true
}
