package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/pkg/database"
)

const sessionColumns = `id, event_id, title, is_active, started_at, ended_at, created_by, viewer_count`

// Repository handles broadcast_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a broadcast sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts s. The partial unique index on (event_id) WHERE is_active turns a
// second live session into apperr.ErrSessionConflict.
func (r *Repository) CreateSession(ctx context.Context, s *models.BroadcastSession) error {
	const q = `INSERT INTO broadcast_sessions (id, event_id, title, is_active, started_at, created_by, viewer_count)
		VALUES ($1, $2, $3, TRUE, $4, $5, 0)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.EventID, s.Title, s.StartedAt, s.CreatedBy)
	if database.IsUniqueViolation(err) {
		return apperr.ErrSessionConflict
	}
	return err
}

func (r *Repository) EndSession(ctx context.Context, id uuid.UUID, at time.Time) (*models.BroadcastSession, bool, error) {
	const q = `UPDATE broadcast_sessions SET is_active = FALSE, ended_at = $2
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, at))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	s, err = r.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM broadcast_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return s, err
}

func (r *Repository) GetActiveSession(ctx context.Context, eventID uuid.UUID) (*models.BroadcastSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM broadcast_sessions WHERE event_id = $1 AND is_active`
	s, err := scanSession(r.pool.QueryRow(ctx, q, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *Repository) UpdateSessionViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	const q = `UPDATE broadcast_sessions SET viewer_count = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*models.BroadcastSession, error) {
	var s models.BroadcastSession
	if err := row.Scan(&s.ID, &s.EventID, &s.Title, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CreatedBy, &s.ViewerCount); err != nil {
		return nil, err
	}
	return &s, nil
}
