package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"go.uber.org/zap"
)

// FileRenderer writes the received VP8 video to an IVF file. Audio is read and discarded.
type FileRenderer struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	writer  *ivfwriter.IVFWriter
	packets int
}

// NewFileRenderer creates a renderer writing to path. The file is created on the first video track.
func NewFileRenderer(path string, logger *zap.Logger) *FileRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRenderer{path: path, logger: logger.With(zap.String("component", "renderer"))}
}

// Render consumes track until it ends or ctx is cancelled.
func (r *FileRenderer) Render(ctx context.Context, track *webrtc.TrackRemote) error {
	if track == nil {
		return errors.New("nil track")
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return drain(ctx, track)
	}
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
		r.logger.Warn("unsupported video codec, discarding", zap.String("mime", track.Codec().MimeType))
		return drain(ctx, track)
	}

	r.mu.Lock()
	if r.writer == nil {
		w, err := ivfwriter.New(r.path)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("open %s: %w", r.path, err)
		}
		r.writer = w
	}
	w := r.writer
	r.mu.Unlock()

	r.logger.Info("rendering video", zap.String("path", r.path))
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		r.mu.Lock()
		err = w.WriteRTP(pkt)
		r.packets++
		r.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write ivf: %w", err)
		}
	}
	return nil
}

// Packets returns how many video packets were written.
func (r *FileRenderer) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Close finalizes the file.
func (r *FileRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	return err
}

func drain(ctx context.Context, track *webrtc.TrackRemote) error {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := track.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
