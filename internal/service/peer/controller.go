// Package peer owns the WebRTC peer connection for one call: media
// capture, offer/answer negotiation, trickle ICE, and teardown.
package peer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
)

// Capture is an acquired microphone/camera session.
type Capture interface {
	AudioTrack() webrtc.TrackLocal
	// VideoTrack returns nil for voice-only captures.
	VideoTrack() webrtc.TrackLocal
	// SwitchCamera swaps to the next camera and returns its track.
	SwitchCamera() (webrtc.TrackLocal, error)
	Close() error
}

// MediaSource acquires capture sessions. Implementations wrap the
// platform media stack; tests inject fakes.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (Capture, error)
}

// captureBusy guards the device globally. The camera and microphone are
// exclusive resources; a second concurrent session must fail fast, never
// queue.
var captureBusy int32

// Config wires a Controller.
type Config struct {
	Source     MediaSource
	ICEServers []string

	// OnCandidate receives locally gathered trickle candidates.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnTrack receives the remote peer's media.
	OnTrack func(*webrtc.TrackRemote)
	// OnStateChange receives peer connection state transitions.
	OnStateChange func(webrtc.PeerConnectionState)
}

// Controller drives a single peer connection through its lifecycle.
// Teardown is idempotent and safe after a partial Start.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	capture     Capture
	ownsCapture bool
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioMuted  bool
	videoMuted  bool

	remoteSet bool
	pending   []webrtc.ICECandidateInit
	applied   map[string]struct{}

	torndown bool
}

// NewController creates a Controller for one call attempt.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		applied: make(map[string]struct{}),
	}
}

// Start acquires media and creates the peer connection. Acquisition is
// exclusive across the process; if another session holds the device the
// call fails immediately with a capture-busy error.
func (c *Controller) Start(ctx context.Context, kind domain.CallKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torndown {
		return apperrors.InternalError("controller already torn down")
	}
	if c.pc != nil {
		return apperrors.ConflictError("peer session already started")
	}

	if !atomic.CompareAndSwapInt32(&captureBusy, 0, 1) {
		return apperrors.CaptureBusyError()
	}
	c.ownsCapture = true

	capture, err := c.cfg.Source.Acquire(ctx, kind)
	if err != nil {
		c.releaseCaptureLocked()
		return apperrors.MediaUnavailableError("failed to acquire media devices", err)
	}
	c.capture = capture

	pc, err := webrtc.NewPeerConnection(c.iceConfig())
	if err != nil {
		_ = capture.Close()
		c.capture = nil
		c.releaseCaptureLocked()
		return apperrors.NegotiationError("failed to create peer connection", err)
	}
	c.pc = pc

	if audio := capture.AudioTrack(); audio != nil {
		sender, err := pc.AddTrack(audio)
		if err != nil {
			c.teardownLocked()
			return apperrors.NegotiationError("failed to add audio track", err)
		}
		c.audioSender = sender
	}
	if video := capture.VideoTrack(); video != nil {
		sender, err := pc.AddTrack(video)
		if err != nil {
			c.teardownLocked()
			return apperrors.NegotiationError("failed to add video track", err)
		}
		c.videoSender = sender
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.cfg.OnCandidate == nil {
			return
		}
		c.cfg.OnCandidate(cand.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.cfg.OnTrack != nil {
			c.cfg.OnTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed", zap.String("state", state.String()))
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(state)
		}
	})

	return nil
}

func (c *Controller) iceConfig() webrtc.Configuration {
	urls := c.cfg.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// CreateOffer produces the local offer SDP for the caller side.
func (c *Controller) CreateOffer(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return "", apperrors.InternalError("peer session not started")
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", apperrors.NegotiationError("failed to create offer", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", apperrors.NegotiationError("failed to set local description", err)
	}
	return offer.SDP, nil
}

// AcceptOffer applies the remote offer and produces the answer SDP for
// the receiver side. Buffered candidates flush once the remote
// description is in place.
func (c *Controller) AcceptOffer(_ context.Context, sdp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return "", apperrors.InternalError("peer session not started")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return "", apperrors.NegotiationError("failed to set remote offer", err)
	}
	c.remoteSet = true

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", apperrors.NegotiationError("failed to create answer", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", apperrors.NegotiationError("failed to set local description", err)
	}

	c.flushPendingLocked()
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer on the caller side and flushes
// buffered candidates.
func (c *Controller) AcceptAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return apperrors.InternalError("peer session not started")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return apperrors.NegotiationError("failed to set remote answer", err)
	}
	c.remoteSet = true
	c.flushPendingLocked()
	return nil
}

// AddCandidate applies a remote trickle candidate. Candidates arriving
// before the remote description are buffered, and duplicates under
// at-least-once delivery are dropped by fingerprint.
func (c *Controller) AddCandidate(cand *domain.IceCandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torndown {
		return nil
	}
	if _, dup := c.applied[cand.Fingerprint()]; dup {
		return nil
	}
	c.applied[cand.Fingerprint()] = struct{}{}

	mlineIndex := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: &mlineIndex,
	}

	if !c.remoteSet {
		c.pending = append(c.pending, init)
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return apperrors.NegotiationError("failed to add ice candidate", err)
	}
	return nil
}

func (c *Controller) flushPendingLocked() {
	for _, init := range c.pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			logger.Warn("Failed to apply buffered ice candidate", zap.Error(err))
		}
	}
	c.pending = nil
}

// PendingCandidates reports how many candidates await the remote
// description.
func (c *Controller) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SetAudioMuted pauses or resumes the outbound audio track.
func (c *Controller) SetAudioMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audioSender == nil {
		return apperrors.InternalError("no audio track")
	}
	if muted == c.audioMuted {
		return nil
	}

	var track webrtc.TrackLocal
	if !muted {
		track = c.capture.AudioTrack()
	}
	if err := c.audioSender.ReplaceTrack(track); err != nil {
		return apperrors.NegotiationError("failed to toggle audio track", err)
	}
	c.audioMuted = muted
	return nil
}

// SetVideoMuted pauses or resumes the outbound video track.
func (c *Controller) SetVideoMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.videoSender == nil {
		return apperrors.InternalError("no video track")
	}
	if muted == c.videoMuted {
		return nil
	}

	var track webrtc.TrackLocal
	if !muted {
		track = c.capture.VideoTrack()
	}
	if err := c.videoSender.ReplaceTrack(track); err != nil {
		return apperrors.NegotiationError("failed to toggle video track", err)
	}
	c.videoMuted = muted
	return nil
}

// SwitchCamera swaps the outbound video to the next camera without
// renegotiating.
func (c *Controller) SwitchCamera() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.videoSender == nil || c.capture == nil {
		return apperrors.InternalError("no video track")
	}

	track, err := c.capture.SwitchCamera()
	if err != nil {
		return apperrors.MediaUnavailableError("failed to switch camera", err)
	}
	if c.videoMuted {
		// Applied when the track is unmuted.
		return nil
	}
	if err := c.videoSender.ReplaceTrack(track); err != nil {
		return apperrors.NegotiationError("failed to replace video track", err)
	}
	return nil
}

// SampleQuality reads connection stats into one telemetry sample.
func (c *Controller) SampleQuality(callID, userID uuid.UUID) *domain.CallQualitySample {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	sample := &domain.CallQualitySample{
		CallID: callID,
		UserID: userID,
	}
	if pc == nil {
		return sample
	}

	for _, stat := range pc.GetStats() {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				sample.LatencyMS = s.CurrentRoundTripTime * 1000
			}
		case webrtc.InboundRTPStreamStats:
			sample.JitterMS = s.Jitter * 1000
			received := float64(s.PacketsReceived)
			lost := float64(s.PacketsLost)
			if received+lost > 0 {
				sample.PacketLoss = lost / (received + lost) * 100
			}
		case webrtc.AudioSourceStats:
			sample.AudioLevel = s.AudioLevel
		}
	}
	return sample
}

// Teardown closes the peer connection and releases capture. Idempotent;
// safe to call concurrently with a failed Start and safe to call twice.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}

func (c *Controller) teardownLocked() error {
	if c.torndown {
		return nil
	}
	c.torndown = true

	var firstErr error
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			firstErr = err
		}
		c.pc = nil
	}
	if c.capture != nil {
		if err := c.capture.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.capture = nil
	}
	c.audioSender = nil
	c.videoSender = nil
	c.pending = nil
	c.releaseCaptureLocked()

	if firstErr != nil {
		logger.Warn("Peer session teardown reported an error", zap.Error(firstErr))
	}
	return nil
}

func (c *Controller) releaseCaptureLocked() {
	if c.ownsCapture {
		atomic.StoreInt32(&captureBusy, 0)
		c.ownsCapture = false
	}
}
