package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/recorder"
	"github.com/partycast/backend/pkg/queue"
)

// dequeueWait bounds one blocking dequeue so the loop notices cancellation.
const dequeueWait = 5 * time.Second

// Persister uploads and registers a recording artifact.
type Persister interface {
	Persist(ctx context.Context, info recorder.CaptureInfo, startedAt, endedAt time.Time, body io.Reader, size int64) (*models.StreamRecording, error)
}

// JobQueue is the retry queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
}

// RecordingProcessor uploads recordings whose upload failed when the broadcast stopped.
// The artifact was spooled to disk; on success the spool file is removed.
type RecordingProcessor struct {
	persister Persister
	queue     JobQueue
	logger    *zap.Logger
	backoff   time.Duration
}

// NewRecordingProcessor creates a recording upload processor.
func NewRecordingProcessor(persister Persister, q JobQueue, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingProcessor{
		persister: persister,
		queue:     q,
		logger:    logger.With(zap.String("component", "recording_worker")),
		backoff:   queue.RetryBackoff,
	}
}

// Process executes one recording upload job.
func (p *RecordingProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("stream_id", payload.StreamID.String()))

	f, err := os.Open(payload.SpoolPath)
	if errors.Is(err, os.ErrNotExist) {
		// already uploaded by an earlier attempt, or cleaned up by hand
		logger.Warn("spool file missing, skipping", zap.String("path", payload.SpoolPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	size := payload.Size
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	info := recorder.CaptureInfo{StreamID: payload.StreamID, EventID: payload.EventID, Title: payload.Title}
	rec, err := p.persister.Persist(ctx, info, payload.StartedAt, payload.EndedAt, f, size)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	if err := os.Remove(payload.SpoolPath); err != nil {
		logger.Warn("remove spool file failed", zap.Error(err))
	}
	logger.Info("recording upload completed", zap.String("url", rec.URL), zap.Int64("size", size))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RecordingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recording worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RecordingProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
