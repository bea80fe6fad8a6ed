package domain

import (
	"time"

	"github.com/google/uuid"
)

// Signal event types exchanged on call channels.
const (
	SignalTypeInvite    = "call_invite" // offer carried on the conversation channel
	SignalTypeOffer     = "offer"
	SignalTypeAnswer    = "answer"
	SignalTypeICE       = "ice_candidate"
	SignalTypeHangup    = "hangup"
	SignalTypeReject    = "reject"
	SignalTypeMissed    = "missed"
	SignalTypeQuality   = "quality_sample"
	SignalTypeMuteAudio = "mute_audio"
	SignalTypeMuteVideo = "mute_video"
)

// SessionDescription is a write-once offer or answer scoped to one call.
type SessionDescription struct {
	CallID    uuid.UUID `json:"call_id" db:"call_id"`
	FromUser  uuid.UUID `json:"from_user" db:"from_user"`
	ToUser    uuid.UUID `json:"to_user" db:"to_user"`
	SDPType   string    `json:"sdp_type" db:"sdp_type"` // offer, answer
	SDP       string    `json:"sdp" db:"sdp"`
	Kind      CallKind  `json:"kind" db:"kind"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IceCandidate is an append-only trickle-ICE candidate record.
type IceCandidate struct {
	CallID        uuid.UUID `json:"call_id" db:"call_id"`
	FromUser      uuid.UUID `json:"from_user" db:"from_user"`
	ToUser        uuid.UUID `json:"to_user" db:"to_user"`
	Candidate     string    `json:"candidate" db:"candidate"`
	SDPMLineIndex uint16    `json:"sdp_mline_index" db:"sdp_mline_index"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Fingerprint identifies a candidate for dedup under at-least-once delivery.
func (c *IceCandidate) Fingerprint() string {
	return c.FromUser.String() + "/" + c.Candidate
}

// CallQualitySample is periodic write-only call telemetry. The signaling
// logic never reads samples back; an external analytics collaborator does.
type CallQualitySample struct {
	CallID     uuid.UUID `json:"call_id" db:"call_id"`
	UserID     uuid.UUID `json:"user_id" db:"user_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	AudioLevel float64   `json:"audio_level" db:"audio_level"`
	LatencyMS  float64   `json:"latency_ms" db:"latency_ms"`
	PacketLoss float64   `json:"packet_loss" db:"packet_loss"`
	JitterMS   float64   `json:"jitter_ms" db:"jitter_ms"`
}

// SignalEvent is the envelope for signaling traffic on call and
// conversation channels.
type SignalEvent struct {
	EventID   uuid.UUID          `json:"event_id"`
	Type      string             `json:"type"`
	CallID    uuid.UUID          `json:"call_id"`
	SenderID  uuid.UUID          `json:"sender_id"`
	Call      *Call              `json:"call,omitempty"`
	SDP       string             `json:"sdp,omitempty"`
	Candidate *IceCandidate      `json:"candidate,omitempty"`
	Quality   *CallQualitySample `json:"quality,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
