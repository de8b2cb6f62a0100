// Package presence tracks which viewers are currently watching a stream.
// A viewer is active while its heartbeats are younger than the active window; the
// durable rows are swept once they are older than the expiry window.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/relay"
)

// Store is the durable presence table keyed by (stream_id, viewer_id).
type Store interface {
	UpsertPresence(ctx context.Context, p models.ViewerPresence) error
	// TouchPresence refreshes last_seen_at and reports whether the row existed.
	TouchPresence(ctx context.Context, streamID uuid.UUID, viewerID string, at time.Time) (bool, error)
	DeletePresence(ctx context.Context, streamID uuid.UUID, viewerID string) (bool, error)
	CountPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) (int, error)
	ListPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) ([]models.ViewerPresence, error)
	DeletePresenceBefore(ctx context.Context, streamID uuid.UUID, cutoff time.Time) ([]string, error)
	DeleteAllPresenceBefore(ctx context.Context, cutoff time.Time) ([]models.ViewerPresence, error)
	DeleteStreamPresence(ctx context.Context, streamID uuid.UUID) ([]string, error)
}

// Config holds the presence windows.
type Config struct {
	ActiveWindow      time.Duration
	ExpiryWindow      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns 30s active, 60s expiry and a 10s heartbeat.
func DefaultConfig() Config {
	return Config{
		ActiveWindow:      30 * time.Second,
		ExpiryWindow:      60 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = d.ExpiryWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Service implements registration, heartbeats and counting.
type Service struct {
	store  Store
	relay  relay.Channel
	cfg    Config
	logger *zap.Logger

	clockMu sync.RWMutex
	now     func() time.Time
}

// NewService creates a presence service.
func NewService(store Store, ch relay.Channel, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		relay:  ch,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "presence")),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	s.now = now
	s.clockMu.Unlock()
}

// Config returns the effective windows.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// Register upserts the viewer's row with a fresh last_seen_at and announces the join.
// Calling it again for a registered viewer only refreshes the row.
func (s *Service) Register(ctx context.Context, streamID, eventID uuid.UUID, viewerID string) error {
	if viewerID == "" {
		return fmt.Errorf("register: %w", apperr.ErrInvalidArgument)
	}
	now := s.clock()
	p := models.ViewerPresence{StreamID: streamID, ViewerID: viewerID, EventID: eventID, LastSeenAt: now}
	if err := s.store.UpsertPresence(ctx, p); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	s.publish(ctx, models.PresenceEvent{Kind: models.PresenceJoined, StreamID: streamID, ViewerID: viewerID, At: now})
	return nil
}

// Heartbeat refreshes last_seen_at. It returns apperr.ErrNotRegistered when the row is gone,
// which happens once a sweep removed it; the viewer should Register again.
func (s *Service) Heartbeat(ctx context.Context, streamID uuid.UUID, viewerID string) error {
	ok, err := s.store.TouchPresence(ctx, streamID, viewerID, s.clock())
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	if !ok {
		return apperr.ErrNotRegistered
	}
	return nil
}

// Unregister removes the viewer and announces the departure.
func (s *Service) Unregister(ctx context.Context, streamID uuid.UUID, viewerID string) error {
	ok, err := s.store.DeletePresence(ctx, streamID, viewerID)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	if ok {
		s.publish(ctx, models.PresenceEvent{Kind: models.PresenceLeft, StreamID: streamID, ViewerID: viewerID, At: s.clock()})
	}
	return nil
}

// ActiveCount returns the number of viewers seen within the active window.
func (s *Service) ActiveCount(ctx context.Context, streamID uuid.UUID) (int, error) {
	n, err := s.store.CountPresenceSince(ctx, streamID, s.clock().Add(-s.cfg.ActiveWindow))
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return n, nil
}

// ActiveViewers lists the viewers seen within the active window.
func (s *Service) ActiveViewers(ctx context.Context, streamID uuid.UUID) ([]models.ViewerPresence, error) {
	list, err := s.store.ListPresenceSince(ctx, streamID, s.clock().Add(-s.cfg.ActiveWindow))
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return list, nil
}

// SweepExpired deletes the stream's rows older than the expiry window and announces each as left.
// Running it twice, or from several participants at once, is harmless.
func (s *Service) SweepExpired(ctx context.Context, streamID uuid.UUID) (int, error) {
	now := s.clock()
	ids, err := s.store.DeletePresenceBefore(ctx, streamID, now.Add(-s.cfg.ExpiryWindow))
	if err != nil {
		return 0, fmt.Errorf("sweep presence: %w", err)
	}
	for _, id := range ids {
		s.publish(ctx, models.PresenceEvent{Kind: models.PresenceLeft, StreamID: streamID, ViewerID: id, At: now})
	}
	return len(ids), nil
}

// SweepAll is SweepExpired across every stream.
func (s *Service) SweepAll(ctx context.Context) (int, error) {
	now := s.clock()
	rows, err := s.store.DeleteAllPresenceBefore(ctx, now.Add(-s.cfg.ExpiryWindow))
	if err != nil {
		return 0, fmt.Errorf("sweep all presence: %w", err)
	}
	for _, p := range rows {
		s.publish(ctx, models.PresenceEvent{Kind: models.PresenceLeft, StreamID: p.StreamID, ViewerID: p.ViewerID, At: now})
	}
	return len(rows), nil
}

// Clear drops every presence row of a finished stream.
func (s *Service) Clear(ctx context.Context, streamID uuid.UUID) error {
	ids, err := s.store.DeleteStreamPresence(ctx, streamID)
	if err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	now := s.clock()
	for _, id := range ids {
		s.publish(ctx, models.PresenceEvent{Kind: models.PresenceLeft, StreamID: streamID, ViewerID: id, At: now})
	}
	return nil
}

// SubscribeViewers delivers join/leave events of the stream.
func (s *Service) SubscribeViewers(ctx context.Context, streamID uuid.UUID, onEvent func(models.PresenceEvent)) (func(), error) {
	cancel, err := s.relay.Subscribe(ctx, relay.PresenceTopic(streamID), func(payload []byte) {
		var ev models.PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.Warn("malformed presence event", zap.String("stream_id", streamID.String()), zap.Error(err))
			return
		}
		onEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe presence %s: %v: %w", streamID, err, apperr.ErrRelayUnavailable)
	}
	return cancel, nil
}

// SubscribeCount reports the active count whenever it changes, starting with the current value.
// The count is recomputed on every presence event and on each heartbeat interval, since a viewer
// that silently stops heartbeating produces no event. onChange is never called once the
// returned function has returned, so that function must not be called while holding a lock
// onChange takes.
func (s *Service) SubscribeCount(ctx context.Context, streamID uuid.UUID, onChange func(int)) (func(), error) {
	subCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	kick := make(chan struct{}, 1)
	unsubscribe, err := s.SubscribeViewers(ctx, streamID, func(models.PresenceEvent) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		stop()
		return nil, err
	}

	// deliver is held while onChange runs so unsubscribing can wait out a delivery in flight.
	var deliver sync.Mutex
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		last := -1
		recompute := func() {
			n, err := s.ActiveCount(subCtx, streamID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("active count failed", zap.String("stream_id", streamID.String()), zap.Error(err))
				}
				return
			}
			if n == last {
				return
			}
			deliver.Lock()
			defer deliver.Unlock()
			if subCtx.Err() != nil {
				return
			}
			last = n
			onChange(n)
		}
		recompute()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-kick:
				recompute()
			case <-ticker.C:
				recompute()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			stop()
			deliver.Lock()
			deliver.Unlock()
		})
	}, nil
}

func (s *Service) publish(ctx context.Context, ev models.PresenceEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.relay.Publish(ctx, relay.PresenceTopic(ev.StreamID), body); err != nil {
		s.logger.Warn("presence publish failed",
			zap.String("stream_id", ev.StreamID.String()),
			zap.String("viewer_id", ev.ViewerID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
