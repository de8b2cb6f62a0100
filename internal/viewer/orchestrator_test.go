package viewer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/memstore"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/negotiation/negotiationtest"
	"github.com/partycast/backend/internal/presence"
	"github.com/partycast/backend/internal/relay"
	"github.com/partycast/backend/internal/sessions"
	"github.com/partycast/backend/internal/signaling"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRenderer) Render(ctx context.Context, track *webrtc.TrackRemote) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	ch       *relay.Memory
	sessions *sessions.Manager
	signals  *signaling.Service
	presence *presence.Service
	peers    *negotiationtest.Factory
	renderer *fakeRenderer
	event    uuid.UUID
}

func newHarness() *harness {
	store := memstore.New()
	ch := relay.NewMemory(nil)
	return &harness{
		ch:       ch,
		sessions: sessions.NewManager(store, ch, nil),
		signals:  signaling.NewService(store, ch, nil),
		presence: presence.NewService(store, ch, presence.Config{HeartbeatInterval: 20 * time.Millisecond}, nil),
		peers:    &negotiationtest.Factory{},
		renderer: &fakeRenderer{},
		event:    uuid.New(),
	}
}

func (h *harness) viewer(timeout time.Duration) *Orchestrator {
	return New(Config{EventID: h.event, HeartbeatInterval: 20 * time.Millisecond, HandshakeTimeout: timeout}, Deps{
		Sessions:  h.sessions,
		Signaling: h.signals,
		Presence:  h.presence,
		Peers:     h.peers,
		Renderer:  h.renderer,
	}, nil)
}

func (h *harness) activeViewers(t *testing.T, streamID uuid.UUID) []string {
	t.Helper()
	list, err := h.presence.ActiveViewers(context.Background(), streamID)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ViewerID)
	}
	return ids
}

func TestStartWithoutSessionStaysIdle(t *testing.T) {
	h := newHarness()
	o := h.viewer(0)
	require.NoError(t, o.Start(context.Background()))
	defer o.Close()

	assert.Equal(t, StateIdle, o.Status().State)
	assert.Empty(t, o.SenderID())
}

func TestFullHandshake(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	o := h.viewer(0)
	require.NoError(t, o.Start(ctx))
	defer o.Close()

	session, err := h.sessions.Start(ctx, h.event, "set", "dj")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.activeViewers(t, session.ID)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnecting, o.Status().State)
	assert.True(t, o.Status().IsLoading)
	viewerID := h.activeViewers(t, session.ID)[0]
	assert.Equal(t, viewerID, o.SenderID())

	var mu sync.Mutex
	var fromViewer []models.SignalingMessage
	cancel, err := h.signals.Subscribe(ctx, session.ID, "bcast", models.SenderBroadcaster, func(m models.SignalingMessage) {
		mu.Lock()
		fromViewer = append(fromViewer, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	env := signaling.Envelope{StreamID: session.ID, EventID: h.event, SenderType: models.SenderBroadcaster, SenderID: "bcast", TargetID: viewerID}
	// a candidate racing ahead of the offer is held until the offer arrives
	require.NoError(t, h.signals.Send(ctx, env, models.MessageICECandidate, webrtc.ICECandidateInit{Candidate: "early"}))
	require.NoError(t, h.signals.Send(ctx, env, models.MessageOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fromViewer) > 0
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	answer := fromViewer[0]
	mu.Unlock()
	assert.Equal(t, models.MessageAnswer, answer.MessageType)
	assert.Equal(t, "bcast", answer.TargetID)
	assert.Equal(t, viewerID, answer.SenderID)

	peer := h.peers.PeerFor("bcast")
	require.NotNil(t, peer)
	assert.Len(t, peer.Offers(), 1)
	assert.Eventually(t, func() bool { return len(peer.Candidates()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, peer.Started, time.Second, 10*time.Millisecond)

	peer.Handlers.OnTrack(nil, nil)
	assert.Equal(t, StateReceiving, o.Status().State)
	assert.Equal(t, 1, h.renderer.Calls())
	assert.Eventually(t, func() bool { return o.Status().ViewerCount == 1 }, time.Second, 10*time.Millisecond)

	_, err = h.sessions.Stop(ctx, session.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return o.Status().State == StateIdle }, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.activeViewers(t, session.ID))
	assert.True(t, peer.Closed())
	assert.Zero(t, h.ch.Subscribers(relay.SignalTopic(session.ID)))
}

func pendingCandidates(o *Orchestrator) int {
	o.connMu.Lock()
	c := o.conn
	o.connMu.Unlock()
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func TestOfferDiscardsCandidatesFromOtherSenders(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	session, err := h.sessions.Start(ctx, h.event, "set", "dj")
	require.NoError(t, err)

	o := h.viewer(0)
	require.NoError(t, o.Start(ctx))
	defer o.Close()
	viewerID := o.SenderID()

	stale := signaling.Envelope{StreamID: session.ID, EventID: h.event, SenderType: models.SenderBroadcaster, SenderID: "old-bcast", TargetID: viewerID}
	require.NoError(t, h.signals.Send(ctx, stale, models.MessageICECandidate, webrtc.ICECandidateInit{Candidate: "stale"}))
	require.Eventually(t, func() bool { return pendingCandidates(o) == 1 }, time.Second, 10*time.Millisecond)

	current := stale
	current.SenderID = "bcast"
	require.NoError(t, h.signals.Send(ctx, current, models.MessageOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}))
	require.Eventually(t, func() bool {
		p := h.peers.PeerFor("bcast")
		return p != nil && p.Started()
	}, time.Second, 10*time.Millisecond)

	assert.Zero(t, pendingCandidates(o))
	assert.Empty(t, h.peers.PeerFor("bcast").Candidates())
}

func TestJoinsSessionAlreadyLive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	session, err := h.sessions.Start(ctx, h.event, "set", "dj")
	require.NoError(t, err)

	o := h.viewer(0)
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, StateConnecting, o.Status().State)
	assert.Equal(t, session.ID.String(), o.Status().StreamID)
	assert.Len(t, h.activeViewers(t, session.ID), 1)

	o.Close()
	assert.Equal(t, StateIdle, o.Status().State)
	assert.Empty(t, h.activeViewers(t, session.ID))
}

func TestHandshakeTimeoutReconnectsWithFreshID(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	session, err := h.sessions.Start(ctx, h.event, "set", "dj")
	require.NoError(t, err)

	o := h.viewer(60 * time.Millisecond)
	require.NoError(t, o.Start(ctx))
	defer o.Close()
	first := o.SenderID()
	require.NotEmpty(t, first)

	require.Eventually(t, func() bool {
		id := o.SenderID()
		return id != "" && id != first
	}, 2*time.Second, 10*time.Millisecond)

	ids := h.activeViewers(t, session.ID)
	assert.NotContains(t, ids, first)
}

func TestHeartbeatReRegistersAfterSweep(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	session, err := h.sessions.Start(ctx, h.event, "set", "dj")
	require.NoError(t, err)

	o := h.viewer(0)
	require.NoError(t, o.Start(ctx))
	defer o.Close()
	id := o.SenderID()

	// simulate a sweep removing the row
	require.NoError(t, h.presence.Clear(ctx, session.ID))
	assert.Eventually(t, func() bool {
		ids := h.activeViewers(t, session.ID)
		return len(ids) == 1 && ids[0] == id
	}, time.Second, 10*time.Millisecond)
}
