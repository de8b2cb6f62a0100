package negotiation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferAnswerExchange(t *testing.T) {
	f, err := NewPionFactory(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	var fromBroadcaster []webrtc.ICECandidateInit
	broadcaster, err := f.NewPeer("viewer-1", Handlers{OnICECandidate: func(c webrtc.ICECandidateInit) {
		mu.Lock()
		fromBroadcaster = append(fromBroadcaster, c)
		mu.Unlock()
	}})
	require.NoError(t, err)
	defer broadcaster.Close()
	viewer, err := f.NewPeer("broadcaster", Handlers{})
	require.NoError(t, err)
	defer viewer.Close()

	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	require.NoError(t, broadcaster.AddTracks([]webrtc.TrackLocal{video, audio}))

	offer, err := broadcaster.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))

	// candidates sent before the offer is applied are held, not rejected
	require.NoError(t, viewer.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}))

	answer, err := viewer.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, broadcaster.ApplyAnswer(ctx, answer))

	mu.Lock()
	assert.Empty(t, fromBroadcaster, "no candidates before StartCandidates")
	mu.Unlock()
	broadcaster.StartCandidates()
	broadcaster.StartCandidates()

	assert.Equal(t, "viewer-1", broadcaster.RemoteID())
}

func TestApplyAnswerWithoutOfferFails(t *testing.T) {
	f, err := NewPionFactory(nil, nil)
	require.NoError(t, err)
	p, err := f.NewPeer("x", Handlers{})
	require.NoError(t, err)
	defer p.Close()
	err = p.ApplyAnswer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.Error(t, err)
}
