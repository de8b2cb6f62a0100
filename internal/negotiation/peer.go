// Package negotiation wraps one peer-to-peer media transport between the broadcaster and a
// single viewer: the offer/answer exchange, trickled candidates and the media tracks.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
)

// Handlers receive the transport's events. Any of them may be nil.
type Handlers struct {
	// OnICECandidate is called for every local candidate once StartCandidates was called.
	OnICECandidate func(webrtc.ICECandidateInit)
	OnTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnStateChange  func(webrtc.PeerConnectionState)
}

// Peer is one negotiation instance.
type Peer interface {
	RemoteID() string
	AddTracks(tracks []webrtc.TrackLocal) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate; candidates that arrive before the remote
	// description are held back and applied once it is set.
	AddICECandidate(c webrtc.ICECandidateInit) error
	// StartCandidates releases local candidates. Call it after the offer or answer was sent so the
	// remote side never sees a candidate before the description it belongs to.
	StartCandidates()
	Close() error
}

// Factory creates negotiation instances.
type Factory interface {
	NewPeer(remoteID string, h Handlers) (Peer, error)
}

// PionFactory creates pion peer connections sharing one API (codecs and interceptors).
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory registers the default codecs and interceptors, plus periodic keyframe requests
// so a late-joining viewer gets a decodable picture quickly.
func NewPionFactory(iceServers []webrtc.ICEServer, logger *zap.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: logger.With(zap.String("component", "negotiation")),
	}, nil
}

// NewPeer creates a peer connection for remoteID.
func (f *PionFactory) NewPeer(remoteID string, h Handlers) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %v: %w", err, apperr.ErrNegotiationFailed)
	}
	p := &pionPeer{
		remoteID: remoteID,
		pc:       pc,
		h:        h,
		logger:   f.logger.With(zap.String("remote_id", remoteID)),
	}
	pc.OnICECandidate(p.onLocalCandidate)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", zap.String("state", s.String()))
		if h.OnStateChange != nil {
			h.OnStateChange(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("track received", zap.String("mime", track.Codec().MimeType), zap.String("kind", track.Kind().String()))
		if h.OnTrack != nil {
			h.OnTrack(track, receiver)
		}
	})
	return p, nil
}

type pionPeer struct {
	remoteID string
	pc       *webrtc.PeerConnection
	h        Handlers
	logger   *zap.Logger

	mu            sync.Mutex
	started       bool
	heldLocal     []webrtc.ICECandidateInit
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
}

func (p *pionPeer) RemoteID() string { return p.remoteID }

func (p *pionPeer) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		// RTCP must be read for interceptors such as NACK to work.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %v: %w", err, apperr.ErrNegotiationFailed)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %v: %w", err, apperr.ErrNegotiationFailed)
	}
	return offer, nil
}

func (p *pionPeer) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %v: %w", err, apperr.ErrNegotiationFailed)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %v: %w", err, apperr.ErrNegotiationFailed)
	}
	return answer, nil
}

func (p *pionPeer) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	return p.setRemote(answer)
}

func (p *pionPeer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %v: %w", desc.Type, err, apperr.ErrNegotiationFailed)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	p.mu.Lock()
	if !p.started {
		p.heldLocal = append(p.heldLocal, init)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if p.h.OnICECandidate != nil {
		p.h.OnICECandidate(init)
	}
}

func (p *pionPeer) StartCandidates() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	held := p.heldLocal
	p.heldLocal = nil
	p.mu.Unlock()
	if p.h.OnICECandidate == nil {
		return
	}
	for _, c := range held {
		p.h.OnICECandidate(c)
	}
}

func (p *pionPeer) Close() error {
	if err := p.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("close peer: %w", err)
	}
	return nil
}
