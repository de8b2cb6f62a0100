package recordings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
)

// Store persists stream recordings. CreateRecording reports false when the stream already has one.
type Store interface {
	CreateRecording(ctx context.Context, rec *models.StreamRecording) (bool, error)
	GetRecording(ctx context.Context, id uuid.UUID) (*models.StreamRecording, error)
	ListRecordingsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.StreamRecording, error)
	IncrementRecordingViews(ctx context.Context, id uuid.UUID) (int, error)
}

const recordingColumns = `id, stream_id, event_id, url, storage_path, title, filename, file_size, duration_seconds, started_at, ended_at, view_count, created_at`

// Repository handles stream_recordings persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRecording inserts rec once per stream; a second insert for the same stream is a no-op.
func (r *Repository) CreateRecording(ctx context.Context, rec *models.StreamRecording) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	const q = `INSERT INTO stream_recordings (id, stream_id, event_id, url, storage_path, title, filename, file_size, duration_seconds, started_at, ended_at, view_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
		ON CONFLICT (stream_id) DO NOTHING
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, q, rec.ID, rec.StreamID, rec.EventID, rec.URL, rec.StoragePath, rec.Title, rec.Filename, rec.FileSize, rec.DurationSeconds, rec.StartedAt, rec.EndedAt).
		Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRecording returns a recording by id.
func (r *Repository) GetRecording(ctx context.Context, id uuid.UUID) (*models.StreamRecording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM stream_recordings WHERE id = $1`
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return rec, err
}

// ListRecordingsByEvent returns an event's recordings, newest first.
func (r *Repository) ListRecordingsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.StreamRecording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM stream_recordings WHERE event_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.StreamRecording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// IncrementRecordingViews bumps view_count by one and returns the new value.
func (r *Repository) IncrementRecordingViews(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `UPDATE stream_recordings SET view_count = view_count + 1 WHERE id = $1 RETURNING view_count`
	var n int
	err := r.pool.QueryRow(ctx, q, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.ErrNotFound
	}
	return n, err
}

func scanRecording(row pgx.Row) (*models.StreamRecording, error) {
	var rec models.StreamRecording
	err := row.Scan(&rec.ID, &rec.StreamID, &rec.EventID, &rec.URL, &rec.StoragePath, &rec.Title, &rec.Filename,
		&rec.FileSize, &rec.DurationSeconds, &rec.StartedAt, &rec.EndedAt, &rec.ViewCount, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
