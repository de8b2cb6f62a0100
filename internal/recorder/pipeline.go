// Package recorder captures a live broadcast into a single IVF artifact, uploads it when the
// broadcast stops and registers it as a replay.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/media"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/pkg/queue"
	"github.com/partycast/backend/pkg/storage"
)

// RecordingStore registers finished recordings. A second registration for a stream is a no-op.
type RecordingStore interface {
	CreateRecording(ctx context.Context, rec *models.StreamRecording) (bool, error)
}

// RetryQueue takes spooled artifacts whose upload failed.
type RetryQueue interface {
	EnqueueRecordingUpload(ctx context.Context, payload queue.RecordingUploadPayload) error
}

// Config controls buffering and spooling. MaxBytes <= 0 buffers without limit.
type Config struct {
	SpoolDir string
	MaxBytes int64
}

// CaptureInfo identifies the broadcast being recorded.
type CaptureInfo struct {
	StreamID uuid.UUID
	EventID  uuid.UUID
	Title    string
}

// Pipeline records broadcasts.
type Pipeline struct {
	objects storage.ObjectStore
	store   RecordingStore
	retry   RetryQueue
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewPipeline creates a recording pipeline. retry may be nil, in which case failed uploads are
// spooled but not retried automatically.
func NewPipeline(objects storage.ObjectStore, store RecordingStore, retry RetryQueue, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		objects: objects,
		store:   store,
		retry:   retry,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "recorder")),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// StartCapture taps stream's video and muxes it into IVF. Every write of the muxer becomes one chunk.
func (p *Pipeline) StartCapture(stream media.Stream, info CaptureInfo) (*Handle, error) {
	h := &Handle{
		info:      info,
		startedAt: p.now().UTC(),
		maxBytes:  p.cfg.MaxBytes,
		logger:    p.logger.With(zap.String("stream_id", info.StreamID.String()), zap.String("event_id", info.EventID.String())),
	}
	h.inHeader = true
	w, err := ivfwriter.NewWith(chunkWriter{h})
	h.inHeader = false
	if err != nil {
		return nil, fmt.Errorf("ivf writer: %w", err)
	}
	h.ivf = w
	if stream != nil {
		h.removeSink = stream.AddSink(h)
	}
	h.logger.Info("recording started")
	return h, nil
}

// Finish stops the capture and persists what was recorded. It returns nil, nil when nothing
// was captured. A failed upload or registration is logged, the artifact is spooled for the
// retry worker and apperr.ErrUploadFailed is returned; the caller is never expected to retry.
// Finish is idempotent.
func (p *Pipeline) Finish(ctx context.Context, h *Handle) (*models.StreamRecording, error) {
	if h == nil {
		return nil, nil
	}
	h.finishMu.Lock()
	defer h.finishMu.Unlock()
	if h.finished {
		return h.result, h.err
	}
	h.finished = true
	if h.removeSink != nil {
		h.removeSink()
	}
	h.ivfMu.Lock()
	_ = h.ivf.Close()
	h.ivfMu.Unlock()

	header, chunks, size, dropped := h.snapshot()
	if dropped > 0 {
		h.logger.Warn("recording exceeded buffer limit", zap.Int("dropped_chunks", dropped), zap.Int64("max_bytes", h.maxBytes))
	}
	if len(chunks) == 0 {
		h.logger.Info("recording discarded, no media captured")
		return nil, nil
	}

	endedAt := p.now().UTC()
	total := int64(len(header)) + size
	readers := make([]io.Reader, 0, len(chunks)+1)
	readers = append(readers, bytes.NewReader(header))
	for _, c := range chunks {
		readers = append(readers, bytes.NewReader(c))
	}

	rec, err := p.Persist(ctx, h.info, h.startedAt, endedAt, io.MultiReader(readers...), total)
	if err != nil {
		h.logger.Error("recording upload failed", zap.Error(err), zap.Int64("size", total))
		p.spool(ctx, h.info, h.startedAt, endedAt, header, chunks, total)
		h.err = fmt.Errorf("%v: %w", err, apperr.ErrUploadFailed)
		return nil, h.err
	}
	h.result = rec
	return rec, nil
}

// Persist uploads an artifact and registers it. The retry worker uses it for spooled artifacts.
func (p *Pipeline) Persist(ctx context.Context, info CaptureInfo, startedAt, endedAt time.Time, body io.Reader, size int64) (*models.StreamRecording, error) {
	streamID := info.StreamID.String()
	key := storage.RecordingKey(info.EventID.String(), streamID)
	url, err := p.objects.Upload(ctx, key, storage.ContentTypeIVF, body, size)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	rec := &models.StreamRecording{
		ID:          uuid.New(),
		StreamID:    info.StreamID,
		EventID:     info.EventID,
		URL:         url,
		StoragePath: key,
		Title:       info.Title,
		Filename:    storage.RecordingFilename(streamID),
		StartedAt:   startedAt,
		EndedAt:     endedAt,
	}
	if size > 0 {
		rec.FileSize = &size
	}
	if d := endedAt.Sub(startedAt); d > 0 {
		secs := int(math.Round(d.Seconds()))
		rec.DurationSeconds = &secs
	}
	created, err := p.store.CreateRecording(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if !created {
		p.logger.Info("recording already registered", zap.String("stream_id", streamID))
	} else {
		p.logger.Info("recording saved", zap.String("stream_id", streamID), zap.String("key", key), zap.Int64("size", size))
	}
	return rec, nil
}

func (p *Pipeline) spool(ctx context.Context, info CaptureInfo, startedAt, endedAt time.Time, header []byte, chunks [][]byte, size int64) {
	if p.cfg.SpoolDir == "" {
		p.logger.Warn("no spool directory, recording lost", zap.String("stream_id", info.StreamID.String()))
		return
	}
	if err := os.MkdirAll(p.cfg.SpoolDir, 0o755); err != nil {
		p.logger.Error("create spool dir failed", zap.Error(err))
		return
	}
	path := filepath.Join(p.cfg.SpoolDir, storage.RecordingFilename(info.StreamID.String()))
	f, err := os.Create(path)
	if err != nil {
		p.logger.Error("spool recording failed", zap.Error(err))
		return
	}
	_, err = f.Write(header)
	for _, c := range chunks {
		if err != nil {
			break
		}
		_, err = f.Write(c)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		p.logger.Error("spool recording failed", zap.Error(err), zap.String("path", path))
		_ = os.Remove(path)
		return
	}
	p.logger.Info("recording spooled", zap.String("path", path), zap.Int64("size", size))
	if p.retry == nil {
		return
	}
	payload := queue.RecordingUploadPayload{
		StreamID:  info.StreamID,
		EventID:   info.EventID,
		Title:     info.Title,
		SpoolPath: path,
		Size:      size,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
	if err := p.retry.EnqueueRecordingUpload(context.WithoutCancel(ctx), payload); err != nil {
		p.logger.Error("enqueue recording retry failed", zap.Error(err), zap.String("path", path))
	}
}

// Handle is one in-progress capture.
type Handle struct {
	info      CaptureInfo
	startedAt time.Time
	maxBytes  int64
	logger    *zap.Logger

	ivfMu      sync.Mutex
	ivf        *ivfwriter.IVFWriter
	removeSink func()

	mu       sync.Mutex
	inHeader bool
	header   []byte
	// frameHead holds a muxer frame header until its payload arrives, so frames are
	// buffered whole.
	frameHead []byte
	capped    bool
	chunks    [][]byte
	size      int64
	dropped   int

	finishMu sync.Mutex
	finished bool
	result   *models.StreamRecording
	err      error
}

// Info returns what the handle records.
func (h *Handle) Info() CaptureInfo { return h.info }

// OnChunk buffers one chunk of the artifact. Once a chunk would exceed MaxBytes, it and
// every later chunk are dropped so the artifact ends on a whole chunk.
func (h *Handle) OnChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(chunk)
}

func (h *Handle) appendLocked(chunk []byte) {
	if !h.capped && h.maxBytes > 0 && h.size+int64(len(chunk)) > h.maxBytes {
		h.logger.Warn("recording buffer full, dropping further media", zap.Int64("max_bytes", h.maxBytes))
		h.capped = true
	}
	if h.capped {
		h.dropped++
		return
	}
	h.chunks = append(h.chunks, append([]byte(nil), chunk...))
	h.size += int64(len(chunk))
}

// WriteRTP feeds the muxer. Audio is not part of the artifact.
func (h *Handle) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	if kind != webrtc.RTPCodecTypeVideo {
		return
	}
	h.ivfMu.Lock()
	defer h.ivfMu.Unlock()
	if err := h.ivf.WriteRTP(pkt); err != nil {
		h.logger.Debug("ivf write failed", zap.Error(err))
	}
}

// Chunks returns the number of buffered chunks and their total size.
func (h *Handle) Chunks() (int, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunks), h.size
}

func (h *Handle) snapshot() ([]byte, [][]byte, int64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.header, h.chunks, h.size, h.dropped
}

// chunkWriter routes the muxer's output: the file header is kept apart, then each frame
// header write is joined with the payload write that follows it into one chunk.
type chunkWriter struct{ h *Handle }

func (w chunkWriter) Write(p []byte) (int, error) {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.inHeader:
		h.header = append(h.header, p...)
	case h.frameHead == nil:
		h.frameHead = append(make([]byte, 0, len(p)), p...)
	default:
		frame := append(h.frameHead, p...)
		h.frameHead = nil
		h.appendLocked(frame)
	}
	return len(p), nil
}
