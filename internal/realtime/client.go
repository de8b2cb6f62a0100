package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/signaling"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SignalPayload is the data of an inbound "signal" event.
type SignalPayload struct {
	MessageType models.MessageType `json:"message_type"`
	MessageData json.RawMessage    `json:"message_data"`
	TargetID    string             `json:"target_id,omitempty"`
}

// Signaling is what the gateway needs from the signaling service.
type Signaling interface {
	Send(ctx context.Context, env signaling.Envelope, messageType models.MessageType, payload any) error
	Subscribe(ctx context.Context, streamID uuid.UUID, senderID string, senderType models.SenderType, onMessage func(models.SignalingMessage)) (func(), error)
}

// Presence is what the gateway needs from the presence service.
type Presence interface {
	CountFeed
	Register(ctx context.Context, streamID, eventID uuid.UUID, viewerID string) error
	Heartbeat(ctx context.Context, streamID uuid.UUID, viewerID string) error
	Unregister(ctx context.Context, streamID uuid.UUID, viewerID string) error
}

// Gateway lets browser participants use signaling and presence over one socket.
type Gateway struct {
	upgrader websocket.Upgrader
	hub      *Hub
	signals  Signaling
	presence Presence
	logger   *zap.Logger
}

// NewGateway creates a gateway and its hub.
func NewGateway(signals Signaling, presence Presence, sessions SessionFeed, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hub:      NewHub(logger, sessions, presence),
		signals:  signals,
		presence: presence,
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// SetCheckOrigin restricts which browser origins may open a socket. All are allowed by default.
func (g *Gateway) SetCheckOrigin(fn func(r *http.Request) bool) {
	g.upgrader.CheckOrigin = fn
}

// Hub returns the gateway's hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// Client represents a single WebSocket connection attached to a stream.
type Client struct {
	ID         string
	StreamID   uuid.UUID
	EventID    uuid.UUID
	SenderID   string
	SenderType models.SenderType
	JoinedAt   time.Time
	gw         *Gateway
	conn       *websocket.Conn
	send       chan WSMessage
	done       chan struct{}
	logger     *zap.Logger
	registered bool
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
// Query: stream_id, event_id, sender_type (broadcaster|viewer) and optionally sender_id.
func (g *Gateway) ServeWs() gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID, err := uuid.Parse(c.Query("stream_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream_id"})
			return
		}
		eventID, err := uuid.Parse(c.Query("event_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_id"})
			return
		}
		senderType := models.SenderType(c.Query("sender_type"))
		if !senderType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sender_type must be broadcaster or viewer"})
			return
		}
		senderID := c.Query("sender_id")
		if senderID == "" {
			senderID = uuid.NewString()
		}

		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:         uuid.New().String(),
			StreamID:   streamID,
			EventID:    eventID,
			SenderID:   senderID,
			SenderType: senderType,
			JoinedAt:   time.Now(),
			gw:         g,
			conn:       conn,
			send:       make(chan WSMessage, 256),
			done:       make(chan struct{}),
			logger: g.logger.With(
				zap.String("stream_id", streamID.String()),
				zap.String("sender_id", senderID),
				zap.String("sender_type", string(senderType))),
		}

		unsub, err := g.signals.Subscribe(c.Request.Context(), streamID, senderID, senderType, func(msg models.SignalingMessage) {
			if m, ok := encode(EventSignal, msg); ok {
				client.enqueue(m)
			}
		})
		if err != nil {
			client.logger.Error("signaling subscribe failed", zap.Error(err))
			_ = conn.WriteJSON(errorMessage(err))
			_ = conn.Close()
			return
		}
		g.hub.Register(client)
		client.enqueue(WSMessage{Event: "ready", Data: mustJSON(map[string]string{"sender_id": senderID})})
		go client.writePump()
		client.readPump(unsub)
	}
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		// buffer full, skip
	}
}

func (c *Client) readPump(unsubscribe func()) {
	defer func() {
		unsubscribe()
		c.gw.hub.Unregister(c)
		if c.registered {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.gw.presence.Unregister(ctx, c.StreamID, c.SenderID); err != nil {
				c.logger.Warn("unregister on disconnect failed", zap.Error(err))
			}
			cancel()
		}
		close(c.done)
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if err := c.handle(msg); err != nil {
			c.logger.Debug("event rejected", zap.String("event", msg.Event), zap.Error(err))
			c.enqueue(errorMessage(err))
		}
	}
}

func (c *Client) handle(msg WSMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	presence := c.gw.presence

	switch msg.Event {
	case "signal":
		var p SignalPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return apperr.ErrInvalidArgument
		}
		env := signaling.Envelope{
			StreamID:   c.StreamID,
			EventID:    c.EventID,
			SenderType: c.SenderType,
			SenderID:   c.SenderID,
			TargetID:   p.TargetID,
		}
		return c.gw.signals.Send(ctx, env, p.MessageType, p.MessageData)
	case "register":
		if c.SenderType != models.SenderViewer {
			return apperr.ErrInvalidState
		}
		if err := presence.Register(ctx, c.StreamID, c.EventID, c.SenderID); err != nil {
			return err
		}
		c.registered = true
		return nil
	case "heartbeat":
		if c.SenderType != models.SenderViewer {
			return apperr.ErrInvalidState
		}
		return presence.Heartbeat(ctx, c.StreamID, c.SenderID)
	case "unregister":
		if c.SenderType != models.SenderViewer {
			return apperr.ErrInvalidState
		}
		c.registered = false
		return presence.Unregister(ctx, c.StreamID, c.SenderID)
	default:
		return errors.New("unknown event " + msg.Event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorMessage(err error) WSMessage {
	return WSMessage{Event: EventError, Data: mustJSON(map[string]string{"code": apperr.Code(err), "error": err.Error()})}
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
