package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message type tags.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVoice    = "voice"
	MessageTypeLocation = "location"
)

// DeliveryState tracks the local lifecycle of an outbound message.
// Never persisted; failed sends stay visible and retryable.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message entity.
// Immutable once created except for the Read flag, which only moves
// false -> true.
type Message struct {
	MessageID      uuid.UUID     `json:"message_id" cql:"message_id"`
	ConversationID uuid.UUID     `json:"conversation_id" cql:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id" cql:"sender_id"`
	Content        string        `json:"content" cql:"content"`
	MessageType    string        `json:"message_type" cql:"message_type"` // text, image, voice, location
	CreatedAt      time.Time     `json:"created_at" cql:"created_at"`
	Read           bool          `json:"read" cql:"read"`
	Delivery       DeliveryState `json:"delivery,omitempty" cql:"-"`
}

// Before reports whether m sorts strictly before other in the
// materialized log: by creation timestamp, ties broken by message id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.MessageID.String() < other.MessageID.String()
}

// MessageCreate represents data needed to send a message.
type MessageCreate struct {
	ConversationID uuid.UUID `json:"conversation_id" binding:"required"`
	Content        string    `json:"content" binding:"required"`
	MessageType    string    `json:"message_type" binding:"required,oneof=text image voice location"`
}
