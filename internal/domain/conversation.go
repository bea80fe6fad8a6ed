package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents a one-to-one conversation between two matched
// users. Conversations are never deleted, only soft-hidden per participant.
type Conversation struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	ParticipantA   uuid.UUID `json:"participant_a" db:"participant_a"`
	ParticipantB   uuid.UUID `json:"participant_b" db:"participant_b"`
	LastMessageID  uuid.UUID `json:"last_message_id,omitempty" db:"last_message_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Participants returns both participant ids, A first.
func (c *Conversation) Participants() [2]uuid.UUID {
	return [2]uuid.UUID{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Counterpart returns the other participant for userID.
// Returns uuid.Nil if userID is not in the conversation.
func (c *Conversation) Counterpart(userID uuid.UUID) uuid.UUID {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return uuid.Nil
}

// ConversationState carries the per-participant view of a conversation.
type ConversationState struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	UnreadCount    int       `json:"unread_count" db:"unread_count"`
	Hidden         bool      `json:"hidden" db:"hidden"`
}

// ConversationResponse is the conversation view returned to clients.
type ConversationResponse struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Participants   []uuid.UUID `json:"participants"`
	LastMessage    *Message    `json:"last_message,omitempty"`
	UnreadCount    int         `json:"unread_count"`
	CreatedAt      time.Time   `json:"created_at"`
}
