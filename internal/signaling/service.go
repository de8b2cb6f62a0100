// Package signaling relays the transport handshake (offers, answers and ICE candidates)
// between a broadcaster and its viewers.
package signaling

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/relay"
)

// DefaultRetention is how long signaling rows are kept before SweepExpired removes them.
const DefaultRetention = 60 * time.Second

// Store is the durable log of signaling messages.
type Store interface {
	InsertSignal(ctx context.Context, msg *models.SignalingMessage) error
	DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Envelope identifies who sends a message, on which stream, and optionally to whom.
type Envelope struct {
	StreamID   uuid.UUID
	EventID    uuid.UUID
	SenderType models.SenderType
	SenderID   string
	TargetID   string
}

// Service sends and receives signaling messages.
type Service struct {
	store  Store
	relay  relay.Channel
	logger *zap.Logger
	now    func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewService creates a signaling service.
func NewService(store Store, ch relay.Channel, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		relay:   ch,
		logger:  logger.With(zap.String("component", "signaling")),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Send persists a message and notifies the stream's subscribers. There is no acknowledgement:
// a message published while the peer is not subscribed is lost to it.
func (s *Service) Send(ctx context.Context, env Envelope, messageType models.MessageType, payload any) error {
	if !env.SenderType.Valid() || !messageType.Valid() || env.SenderID == "" {
		return fmt.Errorf("send %s: %w", messageType, apperr.ErrInvalidArgument)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", messageType, apperr.ErrInvalidArgument)
	}
	now := s.now().UTC()
	msg := &models.SignalingMessage{
		ID:          s.newID(now),
		StreamID:    env.StreamID,
		EventID:     env.EventID,
		SenderType:  env.SenderType,
		SenderID:    env.SenderID,
		TargetID:    env.TargetID,
		MessageType: messageType,
		MessageData: data,
		CreatedAt:   now,
	}
	if err := s.store.InsertSignal(ctx, msg); err != nil {
		s.logger.Warn("signal insert failed", zap.String("stream_id", env.StreamID.String()), zap.String("type", string(messageType)), zap.Error(err))
		return fmt.Errorf("insert %s: %v: %w", messageType, err, apperr.ErrRelayUnavailable)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.relay.Publish(ctx, relay.SignalTopic(env.StreamID), body); err != nil {
		s.logger.Warn("signal publish failed", zap.String("stream_id", env.StreamID.String()), zap.String("type", string(messageType)), zap.Error(err))
		return fmt.Errorf("publish %s: %v: %w", messageType, err, apperr.ErrRelayUnavailable)
	}
	return nil
}

// Subscribe delivers every message on the stream that Accepts lets through for this participant.
// History is not replayed.
func (s *Service) Subscribe(ctx context.Context, streamID uuid.UUID, senderID string, senderType models.SenderType, onMessage func(models.SignalingMessage)) (func(), error) {
	cancel, err := s.relay.Subscribe(ctx, relay.SignalTopic(streamID), func(payload []byte) {
		var msg models.SignalingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("malformed signaling message", zap.String("stream_id", streamID.String()), zap.Error(err))
			return
		}
		if Accepts(msg, senderID, senderType) {
			onMessage(msg)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %v: %w", streamID, err, apperr.ErrRelayUnavailable)
	}
	return cancel, nil
}

// Accepts reports whether msg is meant for the participant (senderID, senderType):
// it must come from someone else of the complementary role, and be either broadcast or addressed to it.
func Accepts(msg models.SignalingMessage, senderID string, senderType models.SenderType) bool {
	if msg.SenderID == senderID {
		return false
	}
	if msg.SenderType != senderType.Complement() {
		return false
	}
	return msg.TargetID == "" || msg.TargetID == senderID
}

// SweepExpired deletes messages older than retention.
func (s *Service) SweepExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := s.store.DeleteSignalsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep signals: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept signaling messages", zap.Int64("deleted", n))
	}
	return n, nil
}

func (s *Service) newID(at time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid json")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid json")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
