// Package sessions owns the broadcast session lifecycle: at most one live session per event.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/relay"
)

// Store persists broadcast sessions. CreateSession must return apperr.ErrSessionConflict when
// the event already has an active session; the store's uniqueness constraint is the only arbiter.
type Store interface {
	CreateSession(ctx context.Context, s *models.BroadcastSession) error
	// EndSession marks the session ended at the given time. ended reports whether this call
	// performed the transition; an already ended session is returned unchanged.
	EndSession(ctx context.Context, id uuid.UUID, at time.Time) (s *models.BroadcastSession, ended bool, err error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error)
	// GetActiveSession returns nil, nil when the event has no active session.
	GetActiveSession(ctx context.Context, eventID uuid.UUID) (*models.BroadcastSession, error)
	UpdateSessionViewerCount(ctx context.Context, id uuid.UUID, count int) error
}

// Manager starts and stops sessions and publishes their changes on the session feed.
type Manager struct {
	store  Store
	relay  relay.Channel
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a session lifecycle manager.
func NewManager(store Store, ch relay.Channel, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		relay:  ch,
		logger: logger.With(zap.String("component", "sessions")),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start creates the event's active session. Concurrent starts for one event yield exactly one
// success; the others get apperr.ErrSessionConflict.
func (m *Manager) Start(ctx context.Context, eventID uuid.UUID, title, createdBy string) (*models.BroadcastSession, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("start session: %w", apperr.ErrInvalidArgument)
	}
	s := &models.BroadcastSession{
		ID:        uuid.New(),
		EventID:   eventID,
		Title:     title,
		IsActive:  true,
		StartedAt: m.now().UTC(),
		CreatedBy: createdBy,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		if errors.Is(err, apperr.ErrSessionConflict) {
			m.logger.Info("session start rejected, event already live", zap.String("event_id", eventID.String()))
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session started",
		zap.String("event_id", eventID.String()),
		zap.String("stream_id", s.ID.String()),
		zap.String("created_by", createdBy))
	m.publish(ctx, s)
	return s, nil
}

// Stop ends the session. Stopping an ended session returns it unchanged without error.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	s, ended, err := m.store.EndSession(ctx, id, m.now().UTC())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("end session: %w", err)
	}
	if ended {
		m.logger.Info("session stopped", zap.String("event_id", s.EventID.String()), zap.String("stream_id", s.ID.String()))
		m.publish(ctx, s)
	}
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	return m.store.GetSession(ctx, id)
}

// GetActive returns the event's active session or nil.
func (m *Manager) GetActive(ctx context.Context, eventID uuid.UUID) (*models.BroadcastSession, error) {
	s, err := m.store.GetActiveSession(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// UpdateViewerCount stores the broadcaster's current viewer count on the session row.
func (m *Manager) UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	if err := m.store.UpdateSessionViewerCount(ctx, id, count); err != nil {
		return fmt.Errorf("update viewer count: %w", err)
	}
	return nil
}

// Subscribe delivers every start and stop of the event's sessions.
func (m *Manager) Subscribe(ctx context.Context, eventID uuid.UUID, onChange func(models.SessionChange)) (func(), error) {
	cancel, err := m.relay.Subscribe(ctx, relay.SessionTopic(eventID), func(payload []byte) {
		var ch models.SessionChange
		if err := json.Unmarshal(payload, &ch); err != nil {
			m.logger.Warn("malformed session change", zap.String("event_id", eventID.String()), zap.Error(err))
			return
		}
		onChange(ch)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe sessions %s: %v: %w", eventID, err, apperr.ErrRelayUnavailable)
	}
	return cancel, nil
}

func (m *Manager) publish(ctx context.Context, s *models.BroadcastSession) {
	body, err := json.Marshal(models.SessionChange{EventID: s.EventID, Session: s})
	if err != nil {
		return
	}
	if err := m.relay.Publish(context.WithoutCancel(ctx), relay.SessionTopic(s.EventID), body); err != nil {
		m.logger.Warn("session change publish failed", zap.String("stream_id", s.ID.String()), zap.Error(err))
	}
}
