// Package call implements the signaling state machine that owns every
// call status transition. Peers exchange offers, answers, and trickle
// candidates over call channels; the invite rides the conversation
// channel so the receiver hears it without knowing the call id upfront.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/metrics"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

// PeerSession is the media-plane collaborator for one call attempt.
type PeerSession interface {
	Start(ctx context.Context, kind domain.CallKind) error
	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddCandidate(c *domain.IceCandidate) error
	SetAudioMuted(muted bool) error
	SetVideoMuted(muted bool) error
	SampleQuality(callID, userID uuid.UUID) *domain.CallQualitySample
	Teardown() error
}

// SessionEvents carries the media-plane callbacks into the machine.
type SessionEvents struct {
	OnCandidate func(candidate string, sdpMLineIndex uint16)
	OnConnected func()
	OnFailed    func()
}

// SessionFactory builds one PeerSession per call attempt.
type SessionFactory func(events SessionEvents) PeerSession

// CallStore persists call lifecycle records.
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	MarkConnected(ctx context.Context, callID uuid.UUID) error
	Finish(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// SignalStore persists append-only negotiation artifacts and telemetry.
type SignalStore interface {
	SaveDescription(ctx context.Context, sd *domain.SessionDescription) error
	SaveCandidate(ctx context.Context, c *domain.IceCandidate) error
	GetCandidates(ctx context.Context, callID uuid.UUID) ([]*domain.IceCandidate, error)
	SaveQualitySample(ctx context.Context, s *domain.CallQualitySample) error
}

// Notifier pushes call alerts to users without a live subscription.
type Notifier interface {
	IncomingCall(ctx context.Context, call *domain.Call)
	MissedCall(ctx context.Context, call *domain.Call)
}

// Presence answers whether the receiver needs a push for the invite.
type Presence interface {
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Config wires a Machine.
type Config struct {
	Calls      CallStore
	Signals    SignalStore
	Transport  transport.Transport
	Scheduler  *sched.Scheduler
	NewSession SessionFactory
	Notifier   Notifier
	Presence   Presence
	LocalUser  uuid.UUID
	// AnswerTimeout bounds ringing before the call goes missed.
	AnswerTimeout time.Duration
	// SampleInterval paces quality telemetry while connected.
	SampleInterval time.Duration
}

type pendingInvite struct {
	call *domain.Call
	sdp  string
}

type activeCall struct {
	call        *domain.Call
	session     PeerSession
	sub         transport.Subscription
	isCaller    bool
	answered    bool
	connectedAt time.Time
	sampleStop  context.CancelFunc
}

// Machine owns call state for one local user. At most one non-terminal
// call exists at a time; terminal states absorb every later event.
type Machine struct {
	calls      CallStore
	signals    SignalStore
	tr         transport.Transport
	sched      *sched.Scheduler
	newSession SessionFactory
	notifier   Notifier
	presence   Presence
	localUser  uuid.UUID

	answerTimeout  time.Duration
	sampleInterval time.Duration

	mu      sync.Mutex
	active  *activeCall
	invites map[uuid.UUID]*pendingInvite

	fnMu      sync.Mutex
	nextFn    uint64
	statusFns map[uint64]func(domain.CallStatusChange)
	signalFns map[uint64]func(*domain.SignalEvent)
}

// NewMachine creates a Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	return &Machine{
		calls:          cfg.Calls,
		signals:        cfg.Signals,
		tr:             cfg.Transport,
		sched:          cfg.Scheduler,
		newSession:     cfg.NewSession,
		notifier:       cfg.Notifier,
		presence:       cfg.Presence,
		localUser:      cfg.LocalUser,
		answerTimeout:  cfg.AnswerTimeout,
		sampleInterval: cfg.SampleInterval,
		invites:        make(map[uuid.UUID]*pendingInvite),
		statusFns:      make(map[uint64]func(domain.CallStatusChange)),
		signalFns:      make(map[uint64]func(*domain.SignalEvent)),
	}
}

func timeoutKey(callID uuid.UUID) string { return "call:timeout:" + callID.String() }
func inviteKey(callID uuid.UUID) string  { return "call:invite:" + callID.String() }

// InitiateCall starts an outbound call: create the record, acquire media,
// publish the offer as an invite on the conversation channel, and arm the
// answer timeout. A second initiate while one call is live conflicts.
func (m *Machine) InitiateCall(ctx context.Context, conversationID, receiverID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       m.localUser,
		ReceiverID:     receiverID,
		Kind:           kind,
		Status:         domain.CallStatusInitiated,
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}
	a := &activeCall{call: call, isCaller: true}
	m.active = a
	m.mu.Unlock()

	if err := m.calls.Create(ctx, call); err != nil {
		m.abandon(a)
		return nil, apperrors.DatabaseError(err)
	}

	session := m.newSession(m.sessionEvents(call))
	a.session = session
	if err := session.Start(ctx, kind); err != nil {
		m.abandon(a)
		_ = m.calls.Finish(ctx, call.CallID, domain.CallStatusFailed)
		return nil, err
	}

	offer, err := session.CreateOffer(ctx)
	if err != nil {
		m.abandon(a)
		_ = m.calls.Finish(ctx, call.CallID, domain.CallStatusFailed)
		return nil, err
	}
	if err := m.signals.SaveDescription(ctx, &domain.SessionDescription{
		CallID:   call.CallID,
		FromUser: m.localUser,
		ToUser:   receiverID,
		SDPType:  "offer",
		SDP:      offer,
		Kind:     kind,
	}); err != nil {
		logger.Warn("Failed to persist offer", zap.Error(err))
	}

	sub, err := m.tr.Subscribe(ctx, transport.CallPrefix+call.CallID.String(), m.callChannelHandler(call.CallID))
	if err != nil {
		m.abandon(a)
		_ = m.calls.Finish(ctx, call.CallID, domain.CallStatusFailed)
		return nil, apperrors.TransportError(err)
	}
	a.sub = sub

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeInvite,
		CallID:    call.CallID,
		SenderID:  m.localUser,
		Call:      call,
		SDP:       offer,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(ctx, transport.ConversationPrefix+conversationID.String(), payload); err != nil {
		m.abandon(a)
		_ = m.calls.Finish(ctx, call.CallID, domain.CallStatusFailed)
		return nil, apperrors.TransportError(err)
	}

	m.mu.Lock()
	call.Status = domain.CallStatusRinging
	m.mu.Unlock()
	if err := m.calls.UpdateStatus(ctx, call.CallID, domain.CallStatusRinging); err != nil {
		logger.Warn("Failed to update call status", zap.Error(err))
	}
	m.emitStatus(domain.CallStatusChange{CallID: call.CallID, Status: domain.CallStatusRinging})
	metrics.ActiveCalls.Inc()

	m.sched.Schedule(timeoutKey(call.CallID), m.answerTimeout, func() {
		m.answerTimedOut(call.CallID)
	})

	if m.notifier != nil && m.presence != nil {
		online, err := m.presence.IsOnline(ctx, receiverID)
		if err == nil && !online {
			m.notifier.IncomingCall(ctx, call)
		}
	}

	return call, nil
}

// abandon clears a reservation that never went live.
func (m *Machine) abandon(a *activeCall) {
	m.mu.Lock()
	if m.active == a {
		m.active = nil
	}
	m.mu.Unlock()

	if a.sub != nil {
		_ = m.tr.Unsubscribe(a.sub)
	}
	if a.session != nil {
		_ = a.session.Teardown()
	}
}

func (m *Machine) sessionEvents(call *domain.Call) SessionEvents {
	return SessionEvents{
		OnCandidate: func(candidate string, sdpMLineIndex uint16) {
			m.sendCandidate(call, candidate, sdpMLineIndex)
		},
		OnConnected: func() { m.peerConnected(call.CallID) },
		OnFailed:    func() { m.peerFailed(call.CallID) },
	}
}

// WatchConversation listens for incoming call invites addressed to the
// local user. onIncoming runs once per distinct invite.
func (m *Machine) WatchConversation(ctx context.Context, conversationID uuid.UUID, onIncoming func(*domain.Call)) (func(), error) {
	sub, err := m.tr.Subscribe(ctx, transport.ConversationPrefix+conversationID.String(),
		func(_ string, payload []byte) {
			var event domain.SignalEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return
			}
			if event.Type != domain.SignalTypeInvite || event.Call == nil {
				return
			}
			if event.Call.ReceiverID != m.localUser {
				return
			}

			m.mu.Lock()
			if _, dup := m.invites[event.CallID]; dup {
				m.mu.Unlock()
				metrics.DuplicateEvents.Inc()
				return
			}
			m.invites[event.CallID] = &pendingInvite{call: event.Call, sdp: event.SDP}
			m.mu.Unlock()

			// Un-answered invites expire locally in lockstep with the
			// caller's answer timeout.
			callID := event.CallID
			m.sched.Schedule(inviteKey(callID), m.answerTimeout, func() {
				m.expireInvite(callID)
			})

			m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusRinging})
			onIncoming(event.Call)
		})
	if err != nil {
		return nil, apperrors.TransportError(err)
	}
	return func() { _ = m.tr.Unsubscribe(sub) }, nil
}

// Answer accepts a pending invite: acquire media, apply the remote offer,
// and publish the answer on the call channel.
func (m *Machine) Answer(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	m.mu.Lock()
	invite, ok := m.invites[callID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}
	delete(m.invites, callID)
	call := invite.call
	a := &activeCall{call: call, isCaller: false, answered: true}
	m.active = a
	m.mu.Unlock()

	m.sched.Cancel(inviteKey(callID))

	session := m.newSession(m.sessionEvents(call))
	a.session = session
	if err := session.Start(ctx, call.Kind); err != nil {
		m.abandon(a)
		return nil, err
	}

	answer, err := session.AcceptOffer(ctx, invite.sdp)
	if err != nil {
		m.abandon(a)
		return nil, err
	}
	if err := m.signals.SaveDescription(ctx, &domain.SessionDescription{
		CallID:   callID,
		FromUser: m.localUser,
		ToUser:   call.CallerID,
		SDPType:  "answer",
		SDP:      answer,
		Kind:     call.Kind,
	}); err != nil {
		logger.Warn("Failed to persist answer", zap.Error(err))
	}

	sub, err := m.tr.Subscribe(ctx, transport.CallPrefix+callID.String(), m.callChannelHandler(callID))
	if err != nil {
		m.abandon(a)
		return nil, apperrors.TransportError(err)
	}
	a.sub = sub

	// Candidates the caller trickled while this side was still ringing
	// were published before the call-channel subscription existed, so
	// pub/sub never delivered them. Replay the persisted copies; the
	// session dedups by fingerprint, so a live redelivery is harmless.
	if stored, err := m.signals.GetCandidates(ctx, callID); err != nil {
		logger.Warn("Failed to load persisted candidates", zap.String("call_id", callID.String()), zap.Error(err))
	} else {
		for _, c := range stored {
			if c.ToUser != m.localUser {
				continue
			}
			if err := session.AddCandidate(c); err != nil {
				logger.Warn("Failed to apply persisted candidate", zap.Error(err))
			}
		}
	}

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeAnswer,
		CallID:    callID,
		SenderID:  m.localUser,
		SDP:       answer,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(ctx, transport.CallPrefix+callID.String(), payload); err != nil {
		m.abandon(a)
		return nil, apperrors.TransportError(err)
	}

	m.mu.Lock()
	call.Status = domain.CallStatusConnecting
	m.mu.Unlock()
	if err := m.calls.UpdateStatus(ctx, callID, domain.CallStatusConnecting); err != nil {
		logger.Warn("Failed to update call status", zap.Error(err))
	}
	m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusConnecting})
	metrics.ActiveCalls.Inc()

	return call, nil
}

// Reject declines a pending invite without acquiring media.
func (m *Machine) Reject(ctx context.Context, callID uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.invites[callID]; !ok {
		m.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	delete(m.invites, callID)
	m.mu.Unlock()

	m.sched.Cancel(inviteKey(callID))

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeReject,
		CallID:    callID,
		SenderID:  m.localUser,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(ctx, transport.CallPrefix+callID.String(), payload); err != nil {
		logger.Warn("Failed to publish reject", zap.Error(err))
	}

	m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusRejected})
	return nil
}

// HangUp ends the active call from either side. Idempotent: hanging up
// with no active call is a no-op.
func (m *Machine) HangUp(ctx context.Context) error {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return nil
	}

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeHangup,
		CallID:    a.call.CallID,
		SenderID:  m.localUser,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(ctx, transport.CallPrefix+a.call.CallID.String(), payload); err != nil {
		logger.Warn("Failed to publish hangup", zap.Error(err))
	}

	m.finalize(a.call.CallID, domain.CallStatusEnded, "hangup")
	return nil
}

// SetAudioMuted toggles the outbound audio track and tells the peer.
func (m *Machine) SetAudioMuted(ctx context.Context, muted bool) error {
	return m.setMuted(ctx, domain.SignalTypeMuteAudio, muted)
}

// SetVideoMuted toggles the outbound video track and tells the peer.
func (m *Machine) SetVideoMuted(ctx context.Context, muted bool) error {
	return m.setMuted(ctx, domain.SignalTypeMuteVideo, muted)
}

func (m *Machine) setMuted(ctx context.Context, signalType string, muted bool) error {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return apperrors.CallNotFoundError()
	}

	var err error
	if signalType == domain.SignalTypeMuteAudio {
		err = a.session.SetAudioMuted(muted)
	} else {
		err = a.session.SetVideoMuted(muted)
	}
	if err != nil {
		return err
	}

	reason := "muted"
	if !muted {
		reason = "unmuted"
	}
	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      signalType,
		CallID:    a.call.CallID,
		SenderID:  m.localUser,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(ctx, transport.CallPrefix+a.call.CallID.String(), payload); err != nil {
		logger.Warn("Failed to publish mute signal", zap.Error(err))
	}
	return nil
}

// ActiveCall returns the live call, if any.
func (m *Machine) ActiveCall() (*domain.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active.call, true
}

// History returns the local user's call log, newest first.
func (m *Machine) History(ctx context.Context, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.calls.GetUserCalls(ctx, m.localUser, limit, offset)
}

// SubscribeStatus registers fn for call status transitions.
func (m *Machine) SubscribeStatus(fn func(domain.CallStatusChange)) func() {
	m.fnMu.Lock()
	m.nextFn++
	id := m.nextFn
	m.statusFns[id] = fn
	m.fnMu.Unlock()

	return func() {
		m.fnMu.Lock()
		delete(m.statusFns, id)
		m.fnMu.Unlock()
	}
}

// SubscribeSignals registers fn for relayed peer signals such as mute
// toggles and quality samples.
func (m *Machine) SubscribeSignals(fn func(*domain.SignalEvent)) func() {
	m.fnMu.Lock()
	m.nextFn++
	id := m.nextFn
	m.signalFns[id] = fn
	m.fnMu.Unlock()

	return func() {
		m.fnMu.Lock()
		delete(m.signalFns, id)
		m.fnMu.Unlock()
	}
}

func (m *Machine) emitStatus(change domain.CallStatusChange) {
	m.fnMu.Lock()
	fns := make([]func(domain.CallStatusChange), 0, len(m.statusFns))
	for _, fn := range m.statusFns {
		fns = append(fns, fn)
	}
	m.fnMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (m *Machine) emitSignal(event *domain.SignalEvent) {
	m.fnMu.Lock()
	fns := make([]func(*domain.SignalEvent), 0, len(m.signalFns))
	for _, fn := range m.signalFns {
		fns = append(fns, fn)
	}
	m.fnMu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (m *Machine) callChannelHandler(callID uuid.UUID) transport.Handler {
	return func(_ string, payload []byte) {
		var event domain.SignalEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			logger.Warn("Invalid signal payload", zap.String("call_id", callID.String()), zap.Error(err))
			return
		}
		if event.SenderID == m.localUser {
			return
		}
		m.handleSignal(callID, &event)
	}
}

func (m *Machine) handleSignal(callID uuid.UUID, event *domain.SignalEvent) {
	switch event.Type {
	case domain.SignalTypeAnswer:
		m.handleAnswer(callID, event)
	case domain.SignalTypeICE:
		m.handleRemoteCandidate(callID, event)
	case domain.SignalTypeHangup:
		m.finalize(callID, domain.CallStatusEnded, event.Reason)
	case domain.SignalTypeReject:
		m.finalize(callID, domain.CallStatusRejected, "")
	case domain.SignalTypeMissed:
		m.finalize(callID, domain.CallStatusMissed, "")
	case domain.SignalTypeMuteAudio, domain.SignalTypeMuteVideo, domain.SignalTypeQuality:
		m.emitSignal(event)
	}
}

// handleAnswer applies the receiver's answer on the caller side. A
// duplicate answer under at-least-once delivery is a no-op.
func (m *Machine) handleAnswer(callID uuid.UUID, event *domain.SignalEvent) {
	m.mu.Lock()
	a := m.active
	if a == nil || a.call.CallID != callID || !a.isCaller || a.call.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if a.answered {
		m.mu.Unlock()
		metrics.DuplicateEvents.Inc()
		return
	}
	a.answered = true
	a.call.Status = domain.CallStatusConnecting
	session := a.session
	m.mu.Unlock()

	m.sched.Cancel(timeoutKey(callID))

	if err := session.AcceptAnswer(event.SDP); err != nil {
		logger.Error("Failed to apply remote answer", zap.String("call_id", callID.String()), zap.Error(err))
		m.peerFailed(callID)
		return
	}

	if err := m.calls.UpdateStatus(context.Background(), callID, domain.CallStatusConnecting); err != nil {
		logger.Warn("Failed to update call status", zap.Error(err))
	}
	m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusConnecting})
}

func (m *Machine) handleRemoteCandidate(callID uuid.UUID, event *domain.SignalEvent) {
	if event.Candidate == nil {
		return
	}

	m.mu.Lock()
	a := m.active
	if a == nil || a.call.CallID != callID || a.call.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	session := a.session
	m.mu.Unlock()

	if err := session.AddCandidate(event.Candidate); err != nil {
		logger.Warn("Failed to apply remote candidate", zap.String("call_id", callID.String()), zap.Error(err))
	}
}

// sendCandidate persists and publishes one locally gathered candidate.
func (m *Machine) sendCandidate(call *domain.Call, candidate string, sdpMLineIndex uint16) {
	toUser := call.ReceiverID
	if call.ReceiverID == m.localUser {
		toUser = call.CallerID
	}

	c := &domain.IceCandidate{
		CallID:        call.CallID,
		FromUser:      m.localUser,
		ToUser:        toUser,
		Candidate:     candidate,
		SDPMLineIndex: sdpMLineIndex,
	}
	if err := m.signals.SaveCandidate(context.Background(), c); err != nil {
		logger.Warn("Failed to persist candidate", zap.Error(err))
	}

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeICE,
		CallID:    call.CallID,
		SenderID:  m.localUser,
		Candidate: c,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(context.Background(), transport.CallPrefix+call.CallID.String(), payload); err != nil {
		logger.Warn("Failed to publish candidate", zap.Error(err))
	}
}

// peerConnected promotes the call to connected and starts telemetry.
func (m *Machine) peerConnected(callID uuid.UUID) {
	m.mu.Lock()
	a := m.active
	if a == nil || a.call.CallID != callID || a.call.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if a.call.Status == domain.CallStatusConnected {
		m.mu.Unlock()
		return
	}
	a.call.Status = domain.CallStatusConnected
	a.connectedAt = time.Now()

	sampleCtx, cancel := context.WithCancel(context.Background())
	a.sampleStop = cancel
	call, session := a.call, a.session
	m.mu.Unlock()

	if err := m.calls.MarkConnected(context.Background(), callID); err != nil {
		logger.Warn("Failed to mark call connected", zap.Error(err))
	}
	m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusConnected})
	logger.Info("Call connected", zap.String("call_id", callID.String()))

	go m.sampleLoop(sampleCtx, call, session)
}

func (m *Machine) peerFailed(callID uuid.UUID) {
	m.finalize(callID, domain.CallStatusFailed, "connection failed")
}

// sampleLoop records quality telemetry while the call stays connected.
// Write-only: nothing in the signaling path reads the samples back. The
// samples are also published on the call channel so the counterpart can
// surface the remote connection quality.
func (m *Machine) sampleLoop(ctx context.Context, call *domain.Call, session PeerSession) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.QualityLatency.DeleteLabelValues(call.CallID.String())
			return
		case <-ticker.C:
			sample := session.SampleQuality(call.CallID, m.localUser)
			sample.Timestamp = time.Now()
			if err := m.signals.SaveQualitySample(ctx, sample); err != nil {
				logger.Warn("Failed to persist quality sample", zap.Error(err))
			}
			metrics.QualityLatency.WithLabelValues(call.CallID.String()).Set(sample.LatencyMS)

			event := &domain.SignalEvent{
				EventID:   uuid.New(),
				Type:      domain.SignalTypeQuality,
				CallID:    call.CallID,
				SenderID:  m.localUser,
				Quality:   sample,
				Timestamp: sample.Timestamp,
			}
			payload, _ := json.Marshal(event)
			if err := m.tr.Publish(ctx, transport.CallPrefix+call.CallID.String(), payload); err != nil {
				logger.Warn("Failed to publish quality sample", zap.Error(err))
			}
		}
	}
}

// answerTimedOut fires when the receiver never answered. The caller owns
// the missed transition and tells the receiver side via the call channel.
func (m *Machine) answerTimedOut(callID uuid.UUID) {
	m.mu.Lock()
	a := m.active
	if a == nil || a.call.CallID != callID || a.answered || a.call.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	call := a.call
	m.mu.Unlock()

	event := &domain.SignalEvent{
		EventID:   uuid.New(),
		Type:      domain.SignalTypeMissed,
		CallID:    callID,
		SenderID:  m.localUser,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := m.tr.Publish(context.Background(), transport.CallPrefix+callID.String(), payload); err != nil {
		logger.Warn("Failed to publish missed signal", zap.Error(err))
	}

	if m.notifier != nil {
		m.notifier.MissedCall(context.Background(), call)
	}

	m.finalize(callID, domain.CallStatusMissed, "answer timeout")
}

// expireInvite drops a pending invite the local user never acted on.
func (m *Machine) expireInvite(callID uuid.UUID) {
	m.mu.Lock()
	_, ok := m.invites[callID]
	delete(m.invites, callID)
	m.mu.Unlock()

	if ok {
		m.emitStatus(domain.CallStatusChange{CallID: callID, Status: domain.CallStatusMissed, Reason: "answer timeout"})
	}
}

// finalize performs the single terminal transition for the active call.
// Terminal states are absorbing: a second finalize for the same call is a
// no-op, so duplicate hangups and racing teardowns converge safely.
func (m *Machine) finalize(callID uuid.UUID, status domain.CallStatus, reason string) {
	m.mu.Lock()
	a := m.active
	if a == nil || a.call.CallID != callID || a.call.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	a.call.Status = status
	m.active = nil
	m.mu.Unlock()

	m.sched.Cancel(timeoutKey(callID))
	if a.sampleStop != nil {
		a.sampleStop()
	}
	if a.session != nil {
		_ = a.session.Teardown()
	}
	if a.sub != nil {
		_ = m.tr.Unsubscribe(a.sub)
	}

	if err := m.calls.Finish(context.Background(), callID, status); err != nil {
		logger.Warn("Failed to finish call record", zap.Error(err))
	}

	metrics.RecordCallOutcome(string(status))
	if !a.connectedAt.IsZero() {
		metrics.CallDuration.Observe(time.Since(a.connectedAt).Seconds())
	}

	m.emitStatus(domain.CallStatusChange{CallID: callID, Status: status, Reason: reason})
	logger.Info("Call finished",
		zap.String("call_id", callID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
}
