package signaling

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partycast/backend/internal/models"
)

// Repository handles signaling_messages persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a signaling repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertSignal appends one message.
func (r *Repository) InsertSignal(ctx context.Context, msg *models.SignalingMessage) error {
	const q = `INSERT INTO signaling_messages (id, stream_id, event_id, sender_type, sender_id, target_id, message_type, message_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, q, msg.ID, msg.StreamID, msg.EventID, string(msg.SenderType), msg.SenderID, msg.TargetID, string(msg.MessageType), []byte(msg.MessageData), msg.CreatedAt)
	return err
}

// DeleteSignalsBefore removes messages created before cutoff.
func (r *Repository) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM signaling_messages WHERE created_at < $1`
	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
