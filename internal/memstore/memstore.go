// Package memstore is an in-process implementation of every durable table the coordination
// components use. It enforces the same uniqueness rules as the postgres schema.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
)

type presenceKey struct {
	stream uuid.UUID
	viewer string
}

// Store holds all rows behind one mutex.
type Store struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*models.BroadcastSession
	active     map[uuid.UUID]uuid.UUID // event_id -> active session id
	signals    []models.SignalingMessage
	presence   map[presenceKey]models.ViewerPresence
	recordings map[uuid.UUID]*models.StreamRecording
	byStream   map[uuid.UUID]uuid.UUID // stream_id -> recording id
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[uuid.UUID]*models.BroadcastSession),
		active:     make(map[uuid.UUID]uuid.UUID),
		presence:   make(map[presenceKey]models.ViewerPresence),
		recordings: make(map[uuid.UUID]*models.StreamRecording),
		byStream:   make(map[uuid.UUID]uuid.UUID),
	}
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, sess *models.BroadcastSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[sess.EventID]; ok && sess.IsActive {
		return apperr.ErrSessionConflict
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	if sess.IsActive {
		s.active[sess.EventID] = sess.ID
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id uuid.UUID, at time.Time) (*models.BroadcastSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, apperr.ErrNotFound
	}
	if !sess.IsActive {
		cp := *sess
		return &cp, false, nil
	}
	sess.IsActive = false
	ended := at
	sess.EndedAt = &ended
	delete(s.active, sess.EventID)
	cp := *sess
	return &cp, true, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) GetActiveSession(ctx context.Context, eventID uuid.UUID) (*models.BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[eventID]
	if !ok {
		return nil, nil
	}
	cp := *s.sessions[id]
	return &cp, nil
}

func (s *Store) UpdateSessionViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apperr.ErrNotFound
	}
	sess.ViewerCount = count
	return nil
}

// Signaling

func (s *Store) InsertSignal(ctx context.Context, msg *models.SignalingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, *msg)
	return nil
}

func (s *Store) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.signals[:0]
	var n int64
	for _, m := range s.signals {
		if m.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.signals = kept
	return n, nil
}

// Signals returns the retained signaling messages in insertion order.
func (s *Store) Signals() []models.SignalingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SignalingMessage(nil), s.signals...)
}

// Presence

func (s *Store) UpsertPresence(ctx context.Context, p models.ViewerPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[presenceKey{p.StreamID, p.ViewerID}] = p
	return nil
}

func (s *Store) TouchPresence(ctx context.Context, streamID uuid.UUID, viewerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := presenceKey{streamID, viewerID}
	p, ok := s.presence[k]
	if !ok {
		return false, nil
	}
	p.LastSeenAt = at
	s.presence[k] = p
	return true, nil
}

func (s *Store) DeletePresence(ctx context.Context, streamID uuid.UUID, viewerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := presenceKey{streamID, viewerID}
	_, ok := s.presence[k]
	delete(s.presence, k)
	return ok, nil
}

func (s *Store) CountPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) (int, error) {
	list, _ := s.ListPresenceSince(ctx, streamID, since)
	return len(list), nil
}

func (s *Store) ListPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) ([]models.ViewerPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.ViewerPresence
	for k, p := range s.presence {
		if k.stream == streamID && !p.LastSeenAt.Before(since) {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastSeenAt.Before(list[j].LastSeenAt) })
	return list, nil
}

func (s *Store) DeletePresenceBefore(ctx context.Context, streamID uuid.UUID, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for k, p := range s.presence {
		if k.stream == streamID && p.LastSeenAt.Before(cutoff) {
			ids = append(ids, k.viewer)
			delete(s.presence, k)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteAllPresenceBefore(ctx context.Context, cutoff time.Time) ([]models.ViewerPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.ViewerPresence
	for k, p := range s.presence {
		if p.LastSeenAt.Before(cutoff) {
			rows = append(rows, p)
			delete(s.presence, k)
		}
	}
	return rows, nil
}

func (s *Store) DeleteStreamPresence(ctx context.Context, streamID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for k := range s.presence {
		if k.stream == streamID {
			ids = append(ids, k.viewer)
			delete(s.presence, k)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Recordings

func (s *Store) CreateRecording(ctx context.Context, rec *models.StreamRecording) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byStream[rec.StreamID]; ok {
		return false, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.recordings[rec.ID] = &cp
	s.byStream[rec.StreamID] = rec.ID
	return true, nil
}

func (s *Store) GetRecording(ctx context.Context, id uuid.UUID) (*models.StreamRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListRecordingsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.StreamRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []models.StreamRecording{}
	for _, rec := range s.recordings {
		if rec.EventID == eventID {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Store) IncrementRecordingViews(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return 0, apperr.ErrNotFound
	}
	rec.ViewCount++
	return rec.ViewCount, nil
}
