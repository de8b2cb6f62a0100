// Package broadcaster drives the broadcasting side of a live event: the camera, the session
// row, one negotiation per viewer and the recording.
package broadcaster

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
	"github.com/partycast/backend/internal/media"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/negotiation"
	"github.com/partycast/backend/internal/recorder"
	"github.com/partycast/backend/internal/signaling"
)

// State of the broadcaster.
type State string

const (
	StateIdle        State = "idle"
	StateCameraReady State = "camera_ready"
	StateStarting    State = "starting"
	StateLive        State = "live"
	StateStopping    State = "stopping"
)

const (
	defaultReconcileInterval  = 10 * time.Second
	defaultResubscribeBackoff = 2 * time.Second
	mailboxSize               = 128
)

// Lifecycle manages the session row.
type Lifecycle interface {
	Start(ctx context.Context, eventID uuid.UUID, title, createdBy string) (*models.BroadcastSession, error)
	Stop(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error)
	UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error
}

// Signaling sends and receives handshake messages.
type Signaling interface {
	Send(ctx context.Context, env signaling.Envelope, messageType models.MessageType, payload any) error
	Subscribe(ctx context.Context, streamID uuid.UUID, senderID string, senderType models.SenderType, onMessage func(models.SignalingMessage)) (func(), error)
}

// Presence reports who is watching.
type Presence interface {
	SubscribeViewers(ctx context.Context, streamID uuid.UUID, onEvent func(models.PresenceEvent)) (func(), error)
	SubscribeCount(ctx context.Context, streamID uuid.UUID, onChange func(int)) (func(), error)
	ActiveViewers(ctx context.Context, streamID uuid.UUID) ([]models.ViewerPresence, error)
	SweepExpired(ctx context.Context, streamID uuid.UUID) (int, error)
	Clear(ctx context.Context, streamID uuid.UUID) error
}

// Recorder captures the broadcast.
type Recorder interface {
	StartCapture(stream media.Stream, info recorder.CaptureInfo) (*recorder.Handle, error)
	Finish(ctx context.Context, h *recorder.Handle) (*models.StreamRecording, error)
}

// Config of one broadcaster.
type Config struct {
	EventID   uuid.UUID
	CreatedBy string
	Facing    media.Facing
	// ReconcileInterval is how often presence is swept and the peer set compared with the
	// active viewers.
	ReconcileInterval time.Duration
	// ResubscribeBackoff is the wait between attempts when a relay subscription fails.
	ResubscribeBackoff time.Duration
}

// Status is the observable state.
type Status struct {
	State          State  `json:"state"`
	IsStreaming    bool   `json:"is_streaming"`
	IsInitializing bool   `json:"is_initializing"`
	Error          string `json:"error,omitempty"`
	ViewerCount    int    `json:"viewer_count"`
	IsRecording    bool   `json:"is_recording"`
	StreamID       string `json:"stream_id,omitempty"`
}

// Deps are the services a broadcaster talks to.
type Deps struct {
	Lifecycle Lifecycle
	Signaling Signaling
	Presence  Presence
	Recorder  Recorder
	Source    media.Source
	Peers     negotiation.Factory
}

// Orchestrator is one broadcaster. Its methods are safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// opMu serializes the public operations.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	lastErr     string
	viewerCount int
	onStatus    func(Status)
	stream      media.Stream
	session     *models.BroadcastSession
	senderID    string
	capture     *recorder.Handle
	viewers     map[string]*viewerConn
	failed      map[string]struct{}
	liveCtx     context.Context
	liveCancel  context.CancelFunc
	unsubs      []func()

	wg sync.WaitGroup
}

// New creates an idle broadcaster.
func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = defaultResubscribeBackoff
	}
	if cfg.Facing == "" {
		cfg.Facing = media.FacingUser
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "broadcaster"), zap.String("event_id", cfg.EventID.String())),
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

// Session returns the live session, or nil.
func (o *Orchestrator) Session() *models.BroadcastSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

func (o *Orchestrator) statusLocked() Status {
	st := Status{
		State:          o.state,
		IsStreaming:    o.state == StateLive,
		IsInitializing: o.state == StateStarting,
		Error:          o.lastErr,
		ViewerCount:    o.viewerCount,
		IsRecording:    o.capture != nil,
	}
	if o.session != nil {
		st.StreamID = o.session.ID.String()
	}
	return st
}

// update applies fn under the lock and notifies the status handler.
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

func (o *Orchestrator) fail(err error) {
	o.update(func() { o.lastErr = apperr.Code(err) })
}

// StartCamera opens the capture device. A denied device leaves the broadcaster idle.
func (o *Orchestrator) StartCamera(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.startCamera(ctx)
}

func (o *Orchestrator) startCamera(ctx context.Context) error {
	o.mu.Lock()
	open := o.stream != nil
	o.mu.Unlock()
	if open {
		return nil
	}
	stream, err := o.deps.Source.Open(ctx, o.cfg.Facing)
	if err != nil {
		o.fail(err)
		o.logger.Warn("camera unavailable", zap.Error(err))
		return fmt.Errorf("start camera: %w", err)
	}
	o.update(func() {
		o.stream = stream
		o.state = StateCameraReady
		o.lastErr = ""
	})
	o.logger.Info("camera ready", zap.String("facing", string(stream.Facing())))
	return nil
}

// StopCamera releases the capture device. It is refused while live.
func (o *Orchestrator) StopCamera(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.mu.Lock()
	state, stream := o.state, o.stream
	o.mu.Unlock()
	if state != StateIdle && state != StateCameraReady {
		return fmt.Errorf("stop camera while %s: %w", state, apperr.ErrInvalidState)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			o.logger.Warn("close camera failed", zap.Error(err))
		}
	}
	o.update(func() {
		o.stream = nil
		o.state = StateIdle
	})
	return nil
}

// SwitchCamera flips between the front and back camera. Peers keep their tracks.
func (o *Orchestrator) SwitchCamera(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.mu.Lock()
	stream := o.stream
	o.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("switch camera: %w", apperr.ErrInvalidState)
	}
	next := stream.Facing().Opposite()
	if err := stream.Switch(ctx, next); err != nil {
		o.fail(err)
		return fmt.Errorf("switch camera: %w", err)
	}
	o.logger.Info("camera switched", zap.String("facing", string(next)))
	return nil
}

// StartStream opens the camera if needed, claims the event's session and goes live.
// When another session is already live it returns apperr.ErrSessionConflict and the camera
// stays open.
func (o *Orchestrator) StartStream(ctx context.Context, title string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	switch state {
	case StateLive, StateStarting, StateStopping:
		return fmt.Errorf("start stream while %s: %w", state, apperr.ErrInvalidState)
	}
	if err := o.startCamera(ctx); err != nil {
		return err
	}
	o.update(func() {
		o.state = StateStarting
		o.lastErr = ""
	})

	session, err := o.deps.Lifecycle.Start(ctx, o.cfg.EventID, title, o.cfg.CreatedBy)
	if err != nil {
		o.update(func() {
			o.state = StateCameraReady
			o.lastErr = apperr.Code(err)
		})
		if errors.Is(err, apperr.ErrSessionConflict) {
			o.logger.Info("another broadcast is live")
		} else {
			o.logger.Error("start session failed", zap.Error(err))
		}
		return fmt.Errorf("start stream: %w", err)
	}

	o.goLive(ctx, session, title)
	return nil
}

func (o *Orchestrator) goLive(ctx context.Context, session *models.BroadcastSession, title string) {
	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	senderID := uuid.NewString()
	logger := o.logger.With(zap.String("stream_id", session.ID.String()), zap.String("sender_id", senderID))

	o.mu.Lock()
	o.session = session
	o.senderID = senderID
	o.liveCtx = liveCtx
	o.liveCancel = cancel
	o.viewers = make(map[string]*viewerConn)
	o.failed = make(map[string]struct{})
	o.viewerCount = 0
	stream := o.stream
	o.mu.Unlock()

	// Signaling first so no answer is missed, then the viewer feed.
	o.subscribe(liveCtx, "signaling", func() (func(), error) {
		return o.deps.Signaling.Subscribe(liveCtx, session.ID, senderID, models.SenderBroadcaster, o.route)
	})
	o.subscribe(liveCtx, "viewers", func() (func(), error) {
		return o.deps.Presence.SubscribeViewers(liveCtx, session.ID, o.onPresence)
	})
	o.subscribe(liveCtx, "viewer_count", func() (func(), error) {
		return o.deps.Presence.SubscribeCount(liveCtx, session.ID, o.onCount)
	})

	var capture *recorder.Handle
	if o.deps.Recorder != nil {
		h, err := o.deps.Recorder.StartCapture(stream, recorder.CaptureInfo{StreamID: session.ID, EventID: session.EventID, Title: title})
		if err != nil {
			logger.Warn("recording not started", zap.Error(err))
		} else {
			capture = h
		}
	}

	o.update(func() {
		o.capture = capture
		o.state = StateLive
	})
	logger.Info("broadcast live")

	o.reconcile(liveCtx)
	o.wg.Add(1)
	go o.reconcileLoop(liveCtx)
}

// subscribe runs fn until it succeeds or the live context ends.
func (o *Orchestrator) subscribe(ctx context.Context, name string, fn func() (func(), error)) {
	if o.trySubscribe(name, fn) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(o.cfg.ResubscribeBackoff)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if o.trySubscribe(name, fn) {
					return
				}
			}
		}
	}()
}

func (o *Orchestrator) trySubscribe(name string, fn func() (func(), error)) bool {
	cancel, err := fn()
	if err != nil {
		o.logger.Warn("subscription failed, retrying", zap.String("subscription", name), zap.Error(err))
		return false
	}
	o.mu.Lock()
	if o.liveCancel == nil {
		o.mu.Unlock()
		cancel()
		return true
	}
	o.unsubs = append(o.unsubs, cancel)
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTicker(o.cfg.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.reconcile(ctx)
		}
	}
}

// reconcile sweeps expired viewers and brings the peer set in line with the active list.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session == nil {
		return
	}
	if _, err := o.deps.Presence.SweepExpired(ctx, session.ID); err != nil && ctx.Err() == nil {
		o.logger.Warn("presence sweep failed", zap.Error(err))
	}
	active, err := o.deps.Presence.ActiveViewers(ctx, session.ID)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("list viewers failed", zap.Error(err))
		}
		return
	}
	seen := make(map[string]struct{}, len(active))
	for _, v := range active {
		seen[v.ViewerID] = struct{}{}
		o.connectViewer(v.ViewerID)
	}

	o.mu.Lock()
	var gone []string
	for id := range o.viewers {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	o.mu.Unlock()
	for _, id := range gone {
		o.dropViewer(id)
	}
}

func (o *Orchestrator) onPresence(ev models.PresenceEvent) {
	switch ev.Kind {
	case models.PresenceJoined:
		o.connectViewer(ev.ViewerID)
	case models.PresenceLeft:
		o.dropViewer(ev.ViewerID)
		o.mu.Lock()
		delete(o.failed, ev.ViewerID)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) onCount(n int) {
	o.mu.Lock()
	session, ctx := o.session, o.liveCtx
	o.mu.Unlock()
	if session == nil {
		return
	}
	o.update(func() { o.viewerCount = n })
	if err := o.deps.Lifecycle.UpdateViewerCount(ctx, session.ID, n); err != nil && ctx.Err() == nil {
		o.logger.Warn("update viewer count failed", zap.Int("count", n), zap.Error(err))
	}
}

// route hands a viewer's message to that viewer's mailbox.
func (o *Orchestrator) route(msg models.SignalingMessage) {
	o.mu.Lock()
	vc := o.viewers[msg.SenderID]
	o.mu.Unlock()
	if vc == nil {
		o.logger.Debug("message from unknown viewer", zap.String("viewer_id", msg.SenderID), zap.String("type", string(msg.MessageType)))
		return
	}
	vc.deliver(msg)
}

func (o *Orchestrator) connectViewer(viewerID string) {
	if viewerID == "" {
		return
	}
	o.mu.Lock()
	if o.state != StateLive || o.session == nil {
		o.mu.Unlock()
		return
	}
	if _, ok := o.viewers[viewerID]; ok {
		o.mu.Unlock()
		return
	}
	if _, ok := o.failed[viewerID]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.liveCtx)
	vc := &viewerConn{
		o:        o,
		id:       viewerID,
		session:  o.session,
		senderID: o.senderID,
		tracks:   o.stream.Tracks(),
		mailbox:  make(chan models.SignalingMessage, mailboxSize),
		cancel:   cancel,
		logger:   o.logger.With(zap.String("stream_id", o.session.ID.String()), zap.String("viewer_id", viewerID)),
	}
	o.viewers[viewerID] = vc
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		vc.run(ctx)
	}()
}

// dropViewer closes the viewer's negotiation.
func (o *Orchestrator) dropViewer(viewerID string) {
	o.mu.Lock()
	vc := o.viewers[viewerID]
	delete(o.viewers, viewerID)
	o.mu.Unlock()
	if vc != nil {
		vc.cancel()
	}
}

// fail drops the viewer and marks it failed, unless vc has already been replaced by a
// newer connection to the same viewer. A failed viewer is not reconnected under the same id;
// it comes back with a fresh one.
func (vc *viewerConn) fail() {
	o := vc.o
	o.mu.Lock()
	if o.viewers[vc.id] != vc {
		o.mu.Unlock()
		vc.cancel()
		return
	}
	delete(o.viewers, vc.id)
	if o.failed != nil {
		o.failed[vc.id] = struct{}{}
	}
	o.mu.Unlock()
	vc.cancel()
}

// Viewers returns the ids of the viewers with an open negotiation.
func (o *Orchestrator) Viewers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.viewers))
	for id := range o.viewers {
		ids = append(ids, id)
	}
	return ids
}

// StopStream ends the broadcast: capture, recording, session, presence, subscriptions and
// peers, in that order. Each step runs even if an earlier one failed, so it is safe after a
// partial start. Calling it when not live is a no-op.
func (o *Orchestrator) StopStream(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	session, stream, capture := o.session, o.stream, o.capture
	if session == nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	o.update(func() { o.state = StateStopping })
	logger := o.logger.With(zap.String("stream_id", session.ID.String()))

	if stream != nil {
		if err := stream.Close(); err != nil {
			logger.Warn("close capture failed", zap.Error(err))
		}
	}
	if capture != nil {
		if rec, err := o.deps.Recorder.Finish(ctx, capture); err != nil {
			logger.Error("recording not saved", zap.Error(err))
		} else if rec != nil {
			logger.Info("recording saved", zap.String("url", rec.URL))
		}
	}
	var stopErr error
	if _, err := o.deps.Lifecycle.Stop(ctx, session.ID); err != nil {
		logger.Error("end session failed", zap.Error(err))
		stopErr = fmt.Errorf("stop stream: %w", err)
	}
	if err := o.deps.Presence.Clear(ctx, session.ID); err != nil {
		logger.Warn("clear presence failed", zap.Error(err))
	}

	o.mu.Lock()
	unsubs := o.unsubs
	cancel := o.liveCancel
	viewers := o.viewers
	o.unsubs = nil
	o.liveCancel = nil
	o.viewers = nil
	o.failed = nil
	o.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	for _, vc := range viewers {
		vc.cancel()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.update(func() {
		o.stream = nil
		o.session = nil
		o.capture = nil
		o.senderID = ""
		o.viewerCount = 0
		o.state = StateIdle
		if stopErr != nil {
			o.lastErr = apperr.Code(stopErr)
		}
	})
	logger.Info("broadcast stopped", zap.Int("viewers_closed", len(viewers)))
	return stopErr
}

// Close stops the broadcast if live and releases the camera.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.StopStream(ctx)
	if cerr := o.StopCamera(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// viewerConn owns the negotiation with one viewer. Its messages are handled in order by a
// single goroutine; different viewers proceed in parallel.
type viewerConn struct {
	o        *Orchestrator
	id       string
	session  *models.BroadcastSession
	senderID string
	tracks   []webrtc.TrackLocal
	mailbox  chan models.SignalingMessage
	cancel   context.CancelFunc
	logger   *zap.Logger
}

func (vc *viewerConn) deliver(msg models.SignalingMessage) {
	select {
	case vc.mailbox <- msg:
	default:
		vc.logger.Warn("viewer mailbox full, message dropped", zap.String("type", string(msg.MessageType)))
	}
}

func (vc *viewerConn) envelope() signaling.Envelope {
	return signaling.Envelope{
		StreamID:   vc.session.ID,
		EventID:    vc.session.EventID,
		SenderType: models.SenderBroadcaster,
		SenderID:   vc.senderID,
		TargetID:   vc.id,
	}
}

func (vc *viewerConn) run(ctx context.Context) {
	sig := vc.o.deps.Signaling
	peer, err := vc.o.deps.Peers.NewPeer(vc.id, negotiation.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if err := sig.Send(ctx, vc.envelope(), models.MessageICECandidate, c); err != nil && ctx.Err() == nil {
				vc.logger.Warn("send candidate failed", zap.Error(err))
			}
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateFailed {
				vc.logger.Warn("viewer connection failed")
				vc.fail()
			}
		},
	})
	if err != nil {
		vc.logger.Error("create peer failed", zap.Error(err))
		vc.fail()
		return
	}
	defer func() {
		if err := peer.Close(); err != nil {
			vc.logger.Debug("close peer", zap.Error(err))
		}
	}()

	if err := peer.AddTracks(vc.tracks); err != nil {
		vc.logger.Error("add tracks failed", zap.Error(err))
		vc.fail()
		return
	}
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		vc.logger.Error("create offer failed", zap.Error(err))
		vc.fail()
		return
	}
	if err := sig.Send(ctx, vc.envelope(), models.MessageOffer, offer); err != nil {
		if ctx.Err() == nil {
			vc.logger.Error("send offer failed", zap.Error(err))
			vc.fail()
		}
		return
	}
	peer.StartCandidates()
	vc.logger.Info("offer sent")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-vc.mailbox:
			vc.handle(ctx, peer, msg)
		}
	}
}

func (vc *viewerConn) handle(ctx context.Context, peer negotiation.Peer, msg models.SignalingMessage) {
	switch msg.MessageType {
	case models.MessageAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.MessageData, &answer); err != nil {
			vc.logger.Warn("malformed answer", zap.Error(err))
			return
		}
		if err := peer.ApplyAnswer(ctx, answer); err != nil {
			vc.logger.Error("apply answer failed", zap.Error(err))
			vc.fail()
			return
		}
		vc.logger.Info("answer applied")
	case models.MessageICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.MessageData, &c); err != nil {
			vc.logger.Warn("malformed candidate", zap.Error(err))
			return
		}
		if err := peer.AddICECandidate(c); err != nil {
			vc.logger.Warn("add candidate failed", zap.Error(err))
		}
	default:
		vc.logger.Debug("ignored message", zap.String("type", string(msg.MessageType)))
	}
}
