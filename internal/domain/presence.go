package domain

import (
	"time"

	"github.com/google/uuid"
)

// OnlineStatus is ephemeral, eventually consistent presence state.
// LastSeen is monotonically non-decreasing while online and frozen at
// disconnect time while offline.
type OnlineStatus struct {
	UserID   uuid.UUID `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// TypingIndicator is ephemeral typing state scoped to a conversation.
// Never persisted; expiry lives entirely in subscriber memory.
type TypingIndicator struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Chat event types carried on conversation channels.
const (
	ChatTypeMessage  = "message"
	ChatTypeTyping   = "typing"
	ChatTypeRead     = "read"
	ChatTypePresence = "presence"
)

// ChatEvent is the envelope for conversation-channel traffic.
type ChatEvent struct {
	EventID        uuid.UUID        `json:"event_id"`
	Type           string           `json:"type"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	SenderID       uuid.UUID        `json:"sender_id"`
	Message        *Message         `json:"message,omitempty"`
	Typing         *TypingIndicator `json:"typing,omitempty"`
	Presence       *OnlineStatus    `json:"presence,omitempty"`
	ReadBy         uuid.UUID        `json:"read_by,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
