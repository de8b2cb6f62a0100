package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
)

const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// UDPConfig names the local addresses RTP is ingested from, e.g. from
// `ffmpeg -f v4l2 ... -f rtp rtp://127.0.0.1:5004`.
type UDPConfig struct {
	VideoAddrs map[Facing]string
	AudioAddr  string
	StreamID   string
}

// UDPSource is a capture device fed by local RTP over UDP. Video is VP8 and audio is Opus.
type UDPSource struct {
	cfg    UDPConfig
	logger *zap.Logger
}

// NewUDPSource creates an RTP ingest source.
func NewUDPSource(cfg UDPConfig, logger *zap.Logger) *UDPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "partycast"
	}
	return &UDPSource{cfg: cfg, logger: logger.With(zap.String("component", "media"))}
}

// Open binds the video address of facing and the audio address. A bind failure is reported as
// apperr.ErrDeviceDenied.
func (s *UDPSource) Open(ctx context.Context, facing Facing) (Stream, error) {
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	st := &udpStream{
		src:    s,
		video:  video,
		audio:  audio,
		sinks:  make(map[*sinkEntry]struct{}),
		logger: s.logger,
	}
	if err := st.bindVideo(ctx, facing); err != nil {
		return nil, err
	}
	if s.cfg.AudioAddr != "" {
		conn, err := listen(ctx, s.cfg.AudioAddr)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open microphone %s: %v: %w", s.cfg.AudioAddr, err, apperr.ErrDeviceDenied)
		}
		st.audioConn = conn
		st.wg.Add(1)
		go st.readLoop(conn, audio, webrtc.RTPCodecTypeAudio)
	}
	s.logger.Info("capture opened", zap.String("facing", string(facing)))
	return st, nil
}

type sinkEntry struct{ sink PacketSink }

type udpStream struct {
	src   *UDPSource
	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	mu        sync.RWMutex
	facing    Facing
	videoConn net.PacketConn
	audioConn net.PacketConn
	sinks     map[*sinkEntry]struct{}
	closed    bool

	wg     sync.WaitGroup
	logger *zap.Logger
}

func listen(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", addr)
}

func (st *udpStream) bindVideo(ctx context.Context, facing Facing) error {
	addr, ok := st.src.cfg.VideoAddrs[facing]
	if !ok || addr == "" {
		return fmt.Errorf("no %s camera: %w", facing, apperr.ErrDeviceDenied)
	}
	conn, err := listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("open %s camera %s: %v: %w", facing, addr, err, apperr.ErrDeviceDenied)
	}
	st.mu.Lock()
	old := st.videoConn
	st.videoConn = conn
	st.facing = facing
	st.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	st.wg.Add(1)
	go st.readLoop(conn, st.video, webrtc.RTPCodecTypeVideo)
	return nil
}

func (st *udpStream) readLoop(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP, kind webrtc.RTPCodecType) {
	defer st.wg.Done()
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			if !errors.Is(err, net.ErrClosed) {
				st.logger.Warn("capture read failed", zap.String("kind", kind.String()), zap.Error(err))
			}
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			rtpBufferPool.Put(ptr)
			continue
		}
		rtpBufferPool.Put(ptr)

		if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			st.logger.Debug("track write failed", zap.String("kind", kind.String()), zap.Error(err))
		}
		st.mu.RLock()
		for e := range st.sinks {
			e.sink.WriteRTP(kind, pkt)
		}
		st.mu.RUnlock()
	}
}

func (st *udpStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{st.video, st.audio}
}

func (st *udpStream) AddSink(sink PacketSink) func() {
	e := &sinkEntry{sink: sink}
	st.mu.Lock()
	st.sinks[e] = struct{}{}
	st.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.sinks, e)
			st.mu.Unlock()
		})
	}
}

func (st *udpStream) Switch(ctx context.Context, facing Facing) error {
	st.mu.RLock()
	closed, current := st.closed, st.facing
	st.mu.RUnlock()
	if closed {
		return fmt.Errorf("switch camera: %w", apperr.ErrInvalidState)
	}
	if facing == current {
		return nil
	}
	if err := st.bindVideo(ctx, facing); err != nil {
		return err
	}
	st.logger.Info("camera switched", zap.String("facing", string(facing)))
	return nil
}

func (st *udpStream) Facing() Facing {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.facing
}

// VideoAddr returns the bound address of the active camera.
func (st *udpStream) VideoAddr() net.Addr {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.videoConn == nil {
		return nil
	}
	return st.videoConn.LocalAddr()
}

func (st *udpStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	conns := []net.PacketConn{st.videoConn, st.audioConn}
	st.sinks = make(map[*sinkEntry]struct{})
	st.mu.Unlock()
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
	st.wg.Wait()
	st.logger.Info("capture closed")
	return nil
}
