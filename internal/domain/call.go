package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind selects the media requested for a call.
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// CallStatus is the lifecycle state of a call. Transitions are owned
// exclusively by the signaling state machine; terminal states are absorbing.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting" // answer published, ICE in flight
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusFailed     CallStatus = "failed"
)

// IsTerminal reports whether s is an absorbing state.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// Call represents a voice/video call entity. All negotiation artifacts
// are scoped to one Call.
type Call struct {
	CallID         uuid.UUID  `json:"call_id" db:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id" db:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id" db:"caller_id"`
	ReceiverID     uuid.UUID  `json:"receiver_id" db:"receiver_id"`
	Kind           CallKind   `json:"kind" db:"kind"`
	Status         CallStatus `json:"status" db:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Duration       int        `json:"duration,omitempty" db:"duration"` // seconds
}

// CallStatusChange is emitted to status subscribers on every transition.
type CallStatusChange struct {
	CallID uuid.UUID  `json:"call_id"`
	Status CallStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}
