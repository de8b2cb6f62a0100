// Package viewer drives the watching side of a live event: it follows the event's session,
// registers presence, answers the broadcaster's offer and hands received tracks to a renderer.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/negotiation"
	"github.com/partycast/backend/internal/signaling"
)

// State of the viewer.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateReceiving   State = "receiving"
)

const (
	DefaultHandshakeTimeout  = 45 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultRetryBackoff      = 2 * time.Second
)

// Sessions reads the event's session and its change feed.
type Sessions interface {
	GetActive(ctx context.Context, eventID uuid.UUID) (*models.BroadcastSession, error)
	Subscribe(ctx context.Context, eventID uuid.UUID, onChange func(models.SessionChange)) (func(), error)
}

// Signaling sends and receives handshake messages.
type Signaling interface {
	Send(ctx context.Context, env signaling.Envelope, messageType models.MessageType, payload any) error
	Subscribe(ctx context.Context, streamID uuid.UUID, senderID string, senderType models.SenderType, onMessage func(models.SignalingMessage)) (func(), error)
}

// Presence registers the viewer.
type Presence interface {
	Register(ctx context.Context, streamID, eventID uuid.UUID, viewerID string) error
	Heartbeat(ctx context.Context, streamID uuid.UUID, viewerID string) error
	Unregister(ctx context.Context, streamID uuid.UUID, viewerID string) error
	SubscribeCount(ctx context.Context, streamID uuid.UUID, onChange func(int)) (func(), error)
}

// Renderer consumes a received track until ctx ends or the track closes.
type Renderer interface {
	Render(ctx context.Context, track *webrtc.TrackRemote) error
}

// Config of one viewer.
type Config struct {
	EventID           uuid.UUID
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the time from registering to the first received track.
	// Zero disables it.
	HandshakeTimeout time.Duration
	// RetryBackoff is the wait before reconnecting after a failed connect.
	RetryBackoff time.Duration
}

// Status is the observable state.
type Status struct {
	State       State  `json:"state"`
	IsLoading   bool   `json:"is_loading"`
	Error       string `json:"error,omitempty"`
	ViewerCount int    `json:"viewer_count"`
	StreamID    string `json:"stream_id,omitempty"`
}

// Deps are the services a viewer talks to.
type Deps struct {
	Sessions  Sessions
	Signaling Signaling
	Presence  Presence
	Peers     negotiation.Factory
	Renderer  Renderer
}

// Orchestrator is one viewer. Its methods are safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// connMu serializes session changes, connects and teardowns.
	connMu sync.Mutex
	conn   *connection

	mu          sync.Mutex
	state       State
	lastErr     string
	viewerCount int
	session     *models.BroadcastSession
	onStatus    func(Status)
	unsubFeed   func()
	started     bool
}

// New creates an idle viewer.
func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "viewer"), zap.String("event_id", cfg.EventID.String())),
		state:  StateIdle,
	}
}

// SetStatusHandler registers a callback invoked after every status change.
func (o *Orchestrator) SetStatusHandler(fn func(Status)) {
	o.mu.Lock()
	o.onStatus = fn
	o.mu.Unlock()
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// Session returns the last known session of the event, or nil.
func (o *Orchestrator) Session() *models.BroadcastSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// SenderID returns the id of the current connection attempt, or "".
func (o *Orchestrator) SenderID() string {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.conn == nil {
		return ""
	}
	return o.conn.senderID
}

func (o *Orchestrator) statusLocked() Status {
	st := Status{
		State:       o.state,
		IsLoading:   o.state == StateDiscovering || o.state == StateConnecting,
		Error:       o.lastErr,
		ViewerCount: o.viewerCount,
	}
	if o.session != nil && o.session.IsActive {
		st.StreamID = o.session.ID.String()
	}
	return st
}

func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	fn()
	st := o.statusLocked()
	cb := o.onStatus
	o.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Start follows the event: it subscribes to session changes and connects if a session is live.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()
	o.update(func() {
		o.state = StateDiscovering
		o.lastErr = ""
	})

	unsub, err := o.deps.Sessions.Subscribe(ctx, o.cfg.EventID, func(change models.SessionChange) {
		o.applySession(change)
	})
	if err != nil {
		o.update(func() {
			o.started = false
			o.state = StateIdle
			o.lastErr = apperr.Code(err)
		})
		return fmt.Errorf("follow event: %w", err)
	}
	o.mu.Lock()
	o.unsubFeed = unsub
	o.mu.Unlock()

	active, err := o.deps.Sessions.GetActive(ctx, o.cfg.EventID)
	if err != nil {
		o.logger.Error("read active session failed", zap.Error(err))
		o.update(func() { o.lastErr = apperr.Code(err) })
		return fmt.Errorf("read active session: %w", err)
	}
	o.applySession(models.SessionChange{EventID: o.cfg.EventID, Session: active})
	return nil
}

// applySession connects to a newly live session or tears down when the session ended.
func (o *Orchestrator) applySession(change models.SessionChange) {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	if change.Session != nil {
		s := *change.Session
		o.session = &s
	}
	o.mu.Unlock()

	if change.Active() {
		if o.conn != nil && o.conn.session.ID == change.Session.ID {
			return
		}
		o.teardownLocked()
		o.connectLocked(change.Session)
		return
	}

	if o.conn != nil && (change.Session == nil || o.conn.session.ID == change.Session.ID) {
		o.logger.Info("broadcast ended", zap.String("stream_id", o.conn.session.ID.String()))
		o.teardownLocked()
	}
	if o.conn == nil {
		o.update(func() {
			o.state = StateIdle
			o.viewerCount = 0
		})
	}
}

// connection is one attempt to watch a session under one sender id.
type connection struct {
	session  *models.BroadcastSession
	senderID string
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu            sync.Mutex
	unsubs        []func()
	peer          negotiation.Peer
	broadcasterID string
	pending       []models.SignalingMessage
	receiving     bool
	timer         *time.Timer
}

func (c *connection) addUnsub(fn func()) {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, fn)
	c.mu.Unlock()
}

func (o *Orchestrator) connectLocked(session *models.BroadcastSession) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		session:  session,
		senderID: uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = o.logger.With(zap.String("stream_id", session.ID.String()), zap.String("viewer_id", c.senderID))
	o.conn = c
	o.update(func() {
		o.state = StateConnecting
		o.lastErr = ""
	})

	// Signaling before presence, so the offer triggered by the join is not missed.
	unsub, err := o.deps.Signaling.Subscribe(ctx, session.ID, c.senderID, models.SenderViewer, func(msg models.SignalingMessage) {
		o.onSignal(c, msg)
	})
	if err != nil {
		c.logger.Error("signaling subscribe failed", zap.Error(err))
		o.update(func() { o.lastErr = apperr.Code(err) })
		o.retryLater(c)
		return
	}
	c.addUnsub(unsub)

	if err := o.deps.Presence.Register(ctx, session.ID, session.EventID, c.senderID); err != nil {
		// the heartbeat loop registers again
		c.logger.Warn("register failed", zap.Error(err))
	}
	if unsub, err := o.deps.Presence.SubscribeCount(ctx, session.ID, func(n int) {
		o.update(func() { o.viewerCount = n })
	}); err != nil {
		c.logger.Warn("viewer count subscribe failed", zap.Error(err))
	} else {
		c.addUnsub(unsub)
	}

	go o.heartbeat(c)
	if o.cfg.HandshakeTimeout > 0 {
		c.mu.Lock()
		c.timer = time.AfterFunc(o.cfg.HandshakeTimeout, func() {
			c.mu.Lock()
			receiving := c.receiving
			c.mu.Unlock()
			if !receiving {
				c.logger.Warn("handshake timed out", zap.Duration("timeout", o.cfg.HandshakeTimeout))
				o.reconnect(c)
			}
		})
		c.mu.Unlock()
	}
	c.logger.Info("waiting for offer")
}

func (o *Orchestrator) heartbeat(c *connection) {
	t := time.NewTicker(o.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			err := o.deps.Presence.Heartbeat(c.ctx, c.session.ID, c.senderID)
			if errors.Is(err, apperr.ErrNotRegistered) {
				c.logger.Info("presence expired, registering again")
				err = o.deps.Presence.Register(c.ctx, c.session.ID, c.session.EventID, c.senderID)
			}
			if err != nil && c.ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) envelope(c *connection, target string) signaling.Envelope {
	return signaling.Envelope{
		StreamID:   c.session.ID,
		EventID:    c.session.EventID,
		SenderType: models.SenderViewer,
		SenderID:   c.senderID,
		TargetID:   target,
	}
}

// onSignal runs on the subscription's goroutine, so messages are handled in arrival order.
func (o *Orchestrator) onSignal(c *connection, msg models.SignalingMessage) {
	if c.ctx.Err() != nil {
		return
	}
	switch msg.MessageType {
	case models.MessageOffer:
		o.handleOffer(c, msg)
	case models.MessageICECandidate:
		c.mu.Lock()
		peer := c.peer
		if peer == nil || c.broadcasterID != msg.SenderID {
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		addCandidate(c, peer, msg)
	default:
		c.logger.Debug("ignored message", zap.String("type", string(msg.MessageType)))
	}
}

func addCandidate(c *connection, peer negotiation.Peer, msg models.SignalingMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.MessageData, &cand); err != nil {
		c.logger.Warn("malformed candidate", zap.Error(err))
		return
	}
	if err := peer.AddICECandidate(cand); err != nil {
		c.logger.Warn("add candidate failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleOffer(c *connection, msg models.SignalingMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.MessageData, &offer); err != nil {
		c.logger.Warn("malformed offer", zap.Error(err))
		return
	}
	broadcasterID := msg.SenderID

	peer, err := o.deps.Peers.NewPeer(broadcasterID, negotiation.Handlers{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			if err := o.deps.Signaling.Send(c.ctx, o.envelope(c, broadcasterID), models.MessageICECandidate, cand); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("send candidate failed", zap.Error(err))
			}
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			o.onTrack(c, track)
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateFailed {
				c.logger.Warn("connection failed")
				o.reconnect(c)
			}
		},
	})
	if err != nil {
		c.logger.Error("create peer failed", zap.Error(err))
		o.reconnect(c)
		return
	}

	c.mu.Lock()
	old := c.peer
	c.peer = peer
	c.broadcasterID = broadcasterID
	// Candidates from any other sender belong to a negotiation that has been superseded.
	var held []models.SignalingMessage
	for _, m := range c.pending {
		if m.SenderID == broadcasterID {
			held = append(held, m)
		}
	}
	c.pending = nil
	c.mu.Unlock()
	if old != nil {
		c.logger.Info("new offer, replacing peer")
		_ = old.Close()
	}

	answer, err := peer.AcceptOffer(c.ctx, offer)
	if err != nil {
		c.logger.Error("accept offer failed", zap.Error(err))
		o.update(func() { o.lastErr = apperr.Code(err) })
		o.reconnect(c)
		return
	}
	for _, m := range held {
		addCandidate(c, peer, m)
	}
	if err := o.deps.Signaling.Send(c.ctx, o.envelope(c, broadcasterID), models.MessageAnswer, answer); err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("send answer failed", zap.Error(err))
			o.update(func() { o.lastErr = apperr.Code(err) })
			o.reconnect(c)
		}
		return
	}
	peer.StartCandidates()
	c.logger.Info("answer sent", zap.String("broadcaster_id", broadcasterID))
}

func (o *Orchestrator) onTrack(c *connection, track *webrtc.TrackRemote) {
	c.mu.Lock()
	first := !c.receiving
	c.receiving = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if first {
		o.update(func() {
			o.state = StateReceiving
			o.lastErr = ""
		})
		c.logger.Info("receiving broadcast")
	}
	if o.deps.Renderer == nil {
		return
	}
	if err := o.deps.Renderer.Render(c.ctx, track); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("render stopped", zap.Error(err))
	}
}

// reconnect tears c down and starts over with a fresh sender id, if c is still current.
func (o *Orchestrator) reconnect(c *connection) {
	go func() {
		o.connMu.Lock()
		defer o.connMu.Unlock()
		if o.conn != c {
			return
		}
		session := c.session
		o.teardownLocked()
		o.update(func() { o.state = StateConnecting })
		c.logger.Info("reconnecting")
		o.connectLocked(session)
	}()
}

// retryLater reconnects after the backoff when a connect could not subscribe.
func (o *Orchestrator) retryLater(c *connection) {
	time.AfterFunc(o.cfg.RetryBackoff, func() { o.reconnect(c) })
}

// teardownLocked unregisters presence and releases the connection. connMu must be held.
func (o *Orchestrator) teardownLocked() {
	c := o.conn
	if c == nil {
		return
	}
	o.conn = nil
	c.cancel()

	c.mu.Lock()
	unsubs := c.unsubs
	peer := c.peer
	timer := c.timer
	c.unsubs = nil
	c.peer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Presence.Unregister(ctx, c.session.ID, c.senderID); err != nil {
		c.logger.Warn("unregister failed", zap.Error(err))
	}
	for _, u := range unsubs {
		u()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			c.logger.Debug("close peer", zap.Error(err))
		}
	}
	c.logger.Info("connection closed")
}

// Close stops following the event and releases everything. It is the unmount hook.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	unsub := o.unsubFeed
	o.unsubFeed = nil
	o.started = false
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	o.connMu.Lock()
	o.teardownLocked()
	o.connMu.Unlock()

	o.update(func() {
		o.state = StateIdle
		o.viewerCount = 0
	})
}
