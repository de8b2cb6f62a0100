// Package negotiationtest provides an in-memory negotiation.Factory for orchestrator tests.
package negotiationtest

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/partycast/backend/internal/negotiation"
)

// Factory records every peer it creates.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
	// FailOffer makes CreateOffer fail for new peers.
	FailOffer bool
}

// NewPeer implements negotiation.Factory.
func (f *Factory) NewPeer(remoteID string, h negotiation.Handlers) (negotiation.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Peer{remoteID: remoteID, Handlers: h, failOffer: f.FailOffer}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns the peers created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// PeerFor returns the most recent peer created for remoteID.
func (f *Factory) PeerFor(remoteID string) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.peers) - 1; i >= 0; i-- {
		if f.peers[i].remoteID == remoteID {
			return f.peers[i]
		}
	}
	return nil
}

// Peer is a scripted negotiation instance.
type Peer struct {
	Handlers  negotiation.Handlers
	remoteID  string
	failOffer bool

	mu         sync.Mutex
	tracks     int
	answers    []webrtc.SessionDescription
	offers     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	started    bool
	closed     bool
}

func (p *Peer) RemoteID() string { return p.remoteID }

func (p *Peer) AddTracks(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks += len(tracks)
	p.mu.Unlock()
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if p.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer refused")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-for-" + p.remoteID}, nil
}

func (p *Peer) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offers = append(p.offers, offer)
	p.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + p.remoteID}, nil
}

func (p *Peer) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	p.mu.Lock()
	p.answers = append(p.answers, answer)
	p.mu.Unlock()
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *Peer) StartCandidates() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitCandidate simulates a gathered local candidate.
func (p *Peer) EmitCandidate(c string) {
	if p.Handlers.OnICECandidate != nil {
		p.Handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: c})
	}
}

// Fail reports a failed connection state.
func (p *Peer) Fail() {
	if p.Handlers.OnStateChange != nil {
		p.Handlers.OnStateChange(webrtc.PeerConnectionStateFailed)
	}
}

func (p *Peer) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks
}

func (p *Peer) Answers() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.answers...)
}

func (p *Peer) Offers() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.offers...)
}

func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
