package service

import (
	"context"
	"sync"
	"time"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PeerConnection is the subset of *webrtc.PeerConnection the orchestrator
// needs. Tests substitute a fake.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory builds a peer connection for one call.
type PeerFactory func(config webrtc.Configuration) (PeerConnection, error)

// DefaultPeerFactory uses pion's implementation.
func DefaultPeerFactory(config webrtc.Configuration) (PeerConnection, error) {
	return webrtc.NewPeerConnection(config)
}

// CallOptions configures the orchestrator.
type CallOptions struct {
	EstablishTimeout time.Duration
	RingTimeout      time.Duration
	ICEServers       []webrtc.ICEServer
}

type callSession struct {
	id         string
	peerID     uint
	peerName   string
	peerAvatar string
	mediaType  models.CallMediaType
	initiator  bool
	state      models.CallState

	pc    PeerConnection
	media *LocalMedia

	// Received offer held until Accept creates the peer connection.
	pendingOffer *webrtc.SessionDescription

	// Candidates are only applied once the remote description is set;
	// until then both directions buffer.
	remoteDescSet bool
	localPending  []webrtc.ICECandidateInit
	remotePending []webrtc.ICECandidateInit

	establishTimer *time.Timer
	ringTimer      *time.Timer
}

// Calls orchestrates one-to-one calls. At most one session exists at a
// time; a nil session means idle. Every signaling step is guarded by the
// current state, and each call ends exactly once with a single system
// message recorded in the peer conversation.
type Calls struct {
	sender  FrameSender
	store   Store
	events  *Events
	user    models.UserConfig
	opts    CallOptions
	factory PeerFactory
	media   MediaSource
	logger  *logrus.Logger
	ctx     context.Context

	mu      sync.Mutex
	session *callSession
}

func NewCalls(ctx context.Context, sender FrameSender, store Store, events *Events, user models.UserConfig, opts CallOptions, factory PeerFactory, media MediaSource, logger *logrus.Logger) *Calls {
	if opts.EstablishTimeout <= 0 {
		opts.EstablishTimeout = 15 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if factory == nil {
		factory = DefaultPeerFactory
	}
	return &Calls{
		sender:  sender,
		store:   store,
		events:  events,
		user:    user,
		opts:    opts,
		factory: factory,
		media:   media,
		logger:  logger,
		ctx:     ctx,
	}
}

// State returns the current call state.
func (c *Calls) State() models.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.CallStateIdle
	}
	return c.session.state
}

// StartCall places an outgoing call. Media is acquired before any signaling
// so a device failure never leaves the peer ringing.
func (c *Calls) StartCall(ctx context.Context, peerID uint, mediaType models.CallMediaType) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeCallBusy, "a call is already in progress")
	}
	// Reserve the slot before the blocking media acquisition.
	s := &callSession{
		id:        uuid.NewString(),
		peerID:    peerID,
		mediaType: mediaType,
		initiator: true,
		state:     models.CallStateCalling,
	}
	c.session = s
	c.mu.Unlock()

	media, err := c.media.Acquire(ctx, mediaType)
	if err != nil {
		c.dropSession(s)
		return apperrors.Wrap(err, apperrors.ErrCodeMediaUnavailable, "failed to acquire local media")
	}

	pc, err := c.setupPeer(s, media)
	if err != nil {
		media.Release()
		c.dropSession(s)
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.teardownSession(s)
		return apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.teardownSession(s)
		return apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to set local description")
	}

	frame, err := models.NewFrame(models.CmdCallOffer, models.CallSignal{
		SenderID:           c.user.ID,
		SenderNickname:     c.user.Nickname,
		SenderAvatar:       c.user.Avatar,
		ReceiverID:         peerID,
		MediaType:          mediaType,
		SessionDescription: &offer,
	})
	if err != nil {
		c.teardownSession(s)
		return err
	}
	if err := c.sender.Send(ctx, frame); err != nil {
		c.teardownSession(s)
		return apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "failed to send offer")
	}

	c.mu.Lock()
	if c.session == s {
		s.establishTimer = time.AfterFunc(c.opts.EstablishTimeout, func() { c.establishTimeout(s) })
	}
	c.mu.Unlock()

	metrics.IncrementCounter("calls_started", map[string]string{"media": mediaLabel(mediaType)}, "Outgoing calls placed")
	c.events.emitCallState(models.CallStateCalling)
	return nil
}

// Accept answers the ringing call.
func (c *Calls) Accept(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.state != models.CallStateRinging {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeCallState, "no ringing call to accept")
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	offer := s.pendingOffer
	c.mu.Unlock()

	media, err := c.media.Acquire(ctx, s.mediaType)
	if err != nil {
		// The caller is already waiting; tell them instead of going silent.
		c.endCall(s, models.CallOutcomeRejected, true)
		return apperrors.Wrap(err, apperrors.ErrCodeMediaUnavailable, "failed to acquire local media")
	}

	pc, err := c.setupPeer(s, media)
	if err != nil {
		media.Release()
		c.endCall(s, models.CallOutcomeRejected, true)
		return err
	}

	if err := pc.SetRemoteDescription(*offer); err != nil {
		c.endCall(s, models.CallOutcomeRejected, true)
		return apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to set remote description")
	}
	c.markRemoteDescSet(s)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.endCall(s, models.CallOutcomeRejected, true)
		return apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to create answer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.endCall(s, models.CallOutcomeRejected, true)
		return apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to set local description")
	}

	frame, err := models.NewFrame(models.CmdCallAnswer, models.CallSignal{
		SenderID:           c.user.ID,
		ReceiverID:         s.peerID,
		MediaType:          s.mediaType,
		SessionDescription: &answer,
	})
	if err != nil {
		c.endCall(s, models.CallOutcomeRejected, true)
		return err
	}
	if err := c.sender.Send(ctx, frame); err != nil {
		c.endCall(s, models.CallOutcomeRejected, true)
		return apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "failed to send answer")
	}

	c.mu.Lock()
	if c.session == s {
		s.state = models.CallStateNegotiating
		s.establishTimer = time.AfterFunc(c.opts.EstablishTimeout, func() { c.establishTimeout(s) })
	}
	c.mu.Unlock()

	c.events.emitCallState(models.CallStateNegotiating)
	return nil
}

// Reject declines the ringing call.
func (c *Calls) Reject(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.state != models.CallStateRinging {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeCallState, "no ringing call to reject")
	}
	c.mu.Unlock()

	c.endCall(s, models.CallOutcomeRejected, true)
	return nil
}

// Hangup ends the current call in any non-idle state.
func (c *Calls) Hangup(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeCallState, "no call in progress")
	}
	state := s.state
	c.mu.Unlock()

	outcome := models.CallOutcomeEnded
	if state == models.CallStateRinging {
		outcome = models.CallOutcomeRejected
	}
	c.endCall(s, outcome, true)
	return nil
}

// HandleSignal consumes offer, answer and candidate frames routed by the
// dispatcher.
func (c *Calls) HandleSignal(signal models.DecodedCallSignal) {
	switch signal.Kind {
	case models.CallKindOffer:
		c.handleOffer(signal.CallSignal)
	case models.CallKindAnswer:
		c.handleAnswer(signal.CallSignal)
	case models.CallKindCandidate:
		c.handleCandidate(signal.CallSignal)
	}
}

func (c *Calls) handleOffer(sig models.CallSignal) {
	if sig.SessionDescription == nil {
		c.logger.Warn("Dropping offer without session description")
		return
	}

	c.mu.Lock()
	if c.session != nil {
		peer := c.session.peerID
		c.mu.Unlock()
		// Busy: reject the second caller without touching the live call.
		c.logger.WithFields(logrus.Fields{
			"caller":  sig.SenderID,
			"in_call": peer,
		}).Info("Rejecting offer while busy")
		c.sendHangup(sig.SenderID, "busy")
		metrics.IncrementCounter("calls_rejected_busy", nil, "Offers rejected because a call was in progress")
		return
	}

	s := &callSession{
		id:           uuid.NewString(),
		peerID:       sig.SenderID,
		peerName:     sig.SenderNickname,
		peerAvatar:   sig.SenderAvatar,
		mediaType:    sig.MediaType,
		state:        models.CallStateRinging,
		pendingOffer: sig.SessionDescription,
	}
	s.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() { c.ringTimeout(s) })
	c.session = s
	c.mu.Unlock()

	c.events.emitCallState(models.CallStateRinging)
	c.events.emitIncomingCall(models.CallerInfo{
		PeerID:    sig.SenderID,
		Nickname:  sig.SenderNickname,
		Avatar:    sig.SenderAvatar,
		MediaType: sig.MediaType,
	})
}

func (c *Calls) handleAnswer(sig models.CallSignal) {
	if sig.SessionDescription == nil {
		c.logger.Warn("Dropping answer without session description")
		return
	}

	c.mu.Lock()
	s := c.session
	if s == nil || !s.initiator || s.state != models.CallStateCalling {
		c.mu.Unlock()
		c.logger.WithField("sender", sig.SenderID).Debug("Ignoring unexpected answer")
		return
	}
	pc := s.pc
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(*sig.SessionDescription); err != nil {
		c.logger.WithError(err).Error("Failed to apply answer")
		c.endCall(s, models.CallOutcomeEnded, true)
		return
	}
	c.markRemoteDescSet(s)

	c.mu.Lock()
	if c.session == s {
		s.state = models.CallStateNegotiating
	}
	c.mu.Unlock()

	c.events.emitCallState(models.CallStateNegotiating)
}

func (c *Calls) handleCandidate(sig models.CallSignal) {
	if sig.CandidateInit == nil {
		return
	}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return
	}
	if !s.remoteDescSet {
		s.remotePending = append(s.remotePending, *sig.CandidateInit)
		c.mu.Unlock()
		return
	}
	pc := s.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(*sig.CandidateInit); err != nil {
		c.logger.WithError(err).Warn("Failed to add remote candidate")
	}
}

// HandleHangup consumes a remote hangup or rejection.
func (c *Calls) HandleHangup(hangup models.CallHangup) {
	c.mu.Lock()
	s := c.session
	if s == nil || hangup.SenderID != s.peerID {
		c.mu.Unlock()
		return
	}
	state := s.state
	c.mu.Unlock()

	var outcome models.CallOutcome
	switch state {
	case models.CallStateRinging:
		outcome = models.CallOutcomeMissed
	case models.CallStateCalling, models.CallStateNegotiating:
		outcome = models.CallOutcomeRejected
	default:
		outcome = models.CallOutcomeEnded
	}
	c.endCall(s, outcome, false)
}

// setupPeer creates the peer connection, attaches local media and installs
// the callbacks. Caller holds no lock.
func (c *Calls) setupPeer(s *callSession, media *LocalMedia) (PeerConnection, error) {
	pc, err := c.factory(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to create peer connection")
	}

	for _, track := range media.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrCodeCallState, "failed to add local track")
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.localCandidate(s, candidate.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.events.emitRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.connectionStateChanged(s, state)
	})

	// ICE often reports connected before the overall connection state does;
	// either signal promotes the call to active.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected || state == webrtc.ICEConnectionStateCompleted {
			c.callConnected(s)
		}
	})

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, apperrors.New(apperrors.ErrCodeCallState, "call ended during setup")
	}
	s.pc = pc
	s.media = media
	c.mu.Unlock()

	return pc, nil
}

// localCandidate forwards a locally gathered candidate, buffering it until
// the remote description is known so the peer never sees a candidate it
// cannot apply.
func (c *Calls) localCandidate(s *callSession, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	if !s.remoteDescSet {
		s.localPending = append(s.localPending, candidate)
		c.mu.Unlock()
		return
	}
	peerID := s.peerID
	c.mu.Unlock()

	c.sendCandidate(peerID, candidate)
}

// markRemoteDescSet flushes both candidate buffers after the remote
// description is applied.
func (c *Calls) markRemoteDescSet(s *callSession) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	s.remoteDescSet = true
	remote := s.remotePending
	local := s.localPending
	s.remotePending = nil
	s.localPending = nil
	pc := s.pc
	peerID := s.peerID
	c.mu.Unlock()

	for _, candidate := range remote {
		if err := pc.AddICECandidate(candidate); err != nil {
			c.logger.WithError(err).Warn("Failed to add buffered remote candidate")
		}
	}
	for _, candidate := range local {
		c.sendCandidate(peerID, candidate)
	}
}

func (c *Calls) sendCandidate(peerID uint, candidate webrtc.ICECandidateInit) {
	frame, err := models.NewFrame(models.CmdCallCandidate, models.CallSignal{
		SenderID:      c.user.ID,
		ReceiverID:    peerID,
		CandidateInit: &candidate,
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to build candidate frame")
		return
	}
	if err := c.sender.Send(c.ctx, frame); err != nil {
		c.logger.WithError(err).Warn("Failed to send candidate")
	}
}

func (c *Calls) connectionStateChanged(s *callSession, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.callConnected(s)

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.mu.Lock()
		live := c.session == s
		c.mu.Unlock()
		if live {
			c.logger.WithField("state", state.String()).Warn("Peer connection lost")
			c.endCall(s, models.CallOutcomeEnded, true)
		}
	}
}

// callConnected promotes the session to active once, whichever of the
// connection-state or ICE-state signals arrives first.
func (c *Calls) callConnected(s *callSession) {
	c.mu.Lock()
	if c.session != s || s.state == models.CallStateActive {
		c.mu.Unlock()
		return
	}
	if s.establishTimer != nil {
		s.establishTimer.Stop()
		s.establishTimer = nil
	}
	s.state = models.CallStateActive
	c.mu.Unlock()

	metrics.IncrementCounter("calls_connected", nil, "Calls that reached the active state")
	c.events.emitCallState(models.CallStateActive)
}

func (c *Calls) establishTimeout(s *callSession) {
	c.mu.Lock()
	live := c.session == s && s.state != models.CallStateActive
	c.mu.Unlock()
	if !live {
		return
	}

	c.logger.WithField("peer", s.peerID).Warn("Call failed to establish in time")
	metrics.IncrementCounter("calls_establish_timeout", nil, "Calls abandoned on the establishment timeout")
	c.endCall(s, models.CallOutcomeNoAnswer, true)
}

func (c *Calls) ringTimeout(s *callSession) {
	c.mu.Lock()
	live := c.session == s && s.state == models.CallStateRinging
	c.mu.Unlock()
	if !live {
		return
	}

	metrics.IncrementCounter("calls_ring_timeout", nil, "Incoming calls auto-rejected after ringing out")
	c.endCall(s, models.CallOutcomeMissed, true)
}

// endCall tears the session down exactly once: timers stopped, peer
// connection closed, media released, one system message recorded, one
// outcome emitted. Safe to call from any goroutine.
func (c *Calls) endCall(s *callSession, outcome models.CallOutcome, notifyPeer bool) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	if s.establishTimer != nil {
		s.establishTimer.Stop()
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	pc := s.pc
	media := s.media
	c.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close peer connection")
		}
	}
	if media != nil {
		media.Release()
	}

	if notifyPeer {
		c.sendHangup(s.peerID, outcome.SystemText())
	}

	c.recordOutcome(s, outcome)

	c.logger.WithFields(logrus.Fields{
		"peer":    s.peerID,
		"outcome": string(outcome),
	}).Info("Call ended")
	metrics.IncrementCounter("calls_ended", map[string]string{"outcome": string(outcome)}, "Calls torn down by outcome")

	c.events.emitCallState(models.CallStateEnded)
	c.events.emitCallEnded(outcome)
}

// dropSession releases the reserved slot when setup fails before any
// signaling was sent; the peer never knew, so nothing is recorded.
func (c *Calls) dropSession(s *callSession) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	c.events.emitCallState(models.CallStateIdle)
}

// teardownSession cleans up a failed outgoing setup after media and peer
// connection exist but before the call is live.
func (c *Calls) teardownSession(s *callSession) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	pc := s.pc
	media := s.media
	c.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if media != nil {
		media.Release()
	}
	c.events.emitCallState(models.CallStateIdle)
}

func (c *Calls) sendHangup(peerID uint, reason string) {
	frame, err := models.NewFrame(models.CmdCallHangup, models.CallHangup{
		SenderID:   c.user.ID,
		ReceiverID: peerID,
		Content:    reason,
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to build hangup frame")
		return
	}
	if err := c.sender.Send(c.ctx, frame); err != nil {
		c.logger.WithError(err).Warn("Failed to send hangup")
	}
}

// recordOutcome writes the single system message for a finished call into
// the direct conversation with the peer.
func (c *Calls) recordOutcome(s *callSession, outcome models.CallOutcome) {
	key := models.ConversationKey{OwnerID: c.user.ID, TargetID: s.peerID, ChatType: models.ChatTypeDirect}
	text := outcome.SystemText()

	msg := models.Message{
		ID:       uuid.NewString(),
		TargetID: s.peerID,
		SenderID: c.user.ID,
		Content:  text,
		Type:     models.MessageTypeSystem,
		SendTime: time.Now().UnixMilli(),
		Status:   models.MessageStatusSuccess,
	}

	patch := models.ConversationPatch{
		TargetID:    s.peerID,
		ChatType:    models.ChatTypeDirect,
		LastContent: models.StringPtr(text),
		Messages:    []models.Message{msg},
	}
	if s.peerName != "" {
		patch.ShowName = models.StringPtr(s.peerName)
	}
	if s.peerAvatar != "" {
		patch.HeadImage = models.StringPtr(s.peerAvatar)
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	if err := c.store.UpsertConversation(ctx, c.user.ID, patch); err != nil {
		c.logger.WithError(err).Error("Failed to record call outcome")
		return
	}
	c.events.emitMessage(key, msg)
	c.events.emitConversationUpdated(key)
}

func mediaLabel(t models.CallMediaType) string {
	if t == models.CallMediaVideo {
		return "video"
	}
	return "audio"
}
