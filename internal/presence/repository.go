package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partycast/backend/internal/models"
)

// Repository handles viewer_presence persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a presence repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) UpsertPresence(ctx context.Context, p models.ViewerPresence) error {
	const q = `INSERT INTO viewer_presence (stream_id, viewer_id, event_id, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, viewer_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, event_id = EXCLUDED.event_id`
	_, err := r.pool.Exec(ctx, q, p.StreamID, p.ViewerID, p.EventID, p.LastSeenAt)
	return err
}

func (r *Repository) TouchPresence(ctx context.Context, streamID uuid.UUID, viewerID string, at time.Time) (bool, error) {
	const q = `UPDATE viewer_presence SET last_seen_at = $3 WHERE stream_id = $1 AND viewer_id = $2`
	tag, err := r.pool.Exec(ctx, q, streamID, viewerID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeletePresence(ctx context.Context, streamID uuid.UUID, viewerID string) (bool, error) {
	const q = `DELETE FROM viewer_presence WHERE stream_id = $1 AND viewer_id = $2`
	tag, err := r.pool.Exec(ctx, q, streamID, viewerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CountPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM viewer_presence WHERE stream_id = $1 AND last_seen_at >= $2`
	var n int
	err := r.pool.QueryRow(ctx, q, streamID, since).Scan(&n)
	return n, err
}

func (r *Repository) ListPresenceSince(ctx context.Context, streamID uuid.UUID, since time.Time) ([]models.ViewerPresence, error) {
	const q = `SELECT stream_id, viewer_id, event_id, last_seen_at FROM viewer_presence
		WHERE stream_id = $1 AND last_seen_at >= $2 ORDER BY last_seen_at`
	rows, err := r.pool.Query(ctx, q, streamID, since)
	if err != nil {
		return nil, err
	}
	return scanPresence(rows)
}

// DeletePresenceBefore returns the ids of the deleted viewers.
func (r *Repository) DeletePresenceBefore(ctx context.Context, streamID uuid.UUID, cutoff time.Time) ([]string, error) {
	const q = `DELETE FROM viewer_presence WHERE stream_id = $1 AND last_seen_at < $2 RETURNING viewer_id`
	rows, err := r.pool.Query(ctx, q, streamID, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Repository) DeleteAllPresenceBefore(ctx context.Context, cutoff time.Time) ([]models.ViewerPresence, error) {
	const q = `DELETE FROM viewer_presence WHERE last_seen_at < $1 RETURNING stream_id, viewer_id, event_id, last_seen_at`
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	return scanPresence(rows)
}

func (r *Repository) DeleteStreamPresence(ctx context.Context, streamID uuid.UUID) ([]string, error) {
	const q = `DELETE FROM viewer_presence WHERE stream_id = $1 RETURNING viewer_id`
	rows, err := r.pool.Query(ctx, q, streamID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanPresence(rows pgx.Rows) ([]models.ViewerPresence, error) {
	defer rows.Close()
	var list []models.ViewerPresence
	for rows.Next() {
		var p models.ViewerPresence
		if err := rows.Scan(&p.StreamID, &p.ViewerID, &p.EventID, &p.LastSeenAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
