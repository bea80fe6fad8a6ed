package cassandra

import (
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
)

// MessageRepository handles message storage in Cassandra.
// Messages are clustered by (created_at, message_id) within a conversation,
// which matches the engine's log ordering.
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// Save inserts a new message
func (r *MessageRepository) Save(message *domain.Message) error {
	if message.MessageID == uuid.Nil {
		message.MessageID = uuid.New()
	}

	query := `
		INSERT INTO messages (
			conversation_id, created_at, message_id, sender_id, content,
			message_type, read
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.ConversationID,
		message.CreatedAt,
		message.MessageID,
		message.SenderID,
		message.Content,
		message.MessageType,
		message.Read,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetRecent retrieves the most recent messages, newest first.
func (r *MessageRepository) GetRecent(conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	query := `
		SELECT conversation_id, created_at, message_id, sender_id, content,
		       message_type, read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	return r.scanMessages(r.session.Query(query, conversationID, limit).Iter())
}

// GetBefore retrieves messages strictly older than before, newest first.
// Used for backward pagination.
func (r *MessageRepository) GetBefore(conversationID uuid.UUID, before time.Time, limit int) ([]*domain.Message, error) {
	query := `
		SELECT conversation_id, created_at, message_id, sender_id, content,
		       message_type, read
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	return r.scanMessages(r.session.Query(query, conversationID, before, limit).Iter())
}

// MarkRead flips the read flag on the given messages. The flag is
// monotonic: false -> true only.
func (r *MessageRepository) MarkRead(conversationID uuid.UUID, messages []*domain.Message) error {
	query := `
		UPDATE messages SET read = true
		WHERE conversation_id = ? AND created_at = ? AND message_id = ?
	`

	for _, m := range messages {
		if err := r.session.Query(query, conversationID, m.CreatedAt, m.MessageID).Exec(); err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
	}

	return nil
}

// Search scans messages older than before for a substring match.
// Cassandra has no text search on this table, so the window is fetched
// and filtered client-side; best-effort by design.
func (r *MessageRepository) Search(conversationID uuid.UUID, q string, before time.Time, limit int) ([]*domain.Message, error) {
	const window = 500

	candidates, err := r.GetBefore(conversationID, before, window)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(q)
	var matches []*domain.Message
	for _, m := range candidates {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			matches = append(matches, m)
			if len(matches) >= limit {
				break
			}
		}
	}

	return matches, nil
}

func (r *MessageRepository) scanMessages(iter *gocql.Iter) ([]*domain.Message, error) {
	var messages []*domain.Message

	for {
		message := &domain.Message{}
		if !iter.Scan(
			&message.ConversationID,
			&message.CreatedAt,
			&message.MessageID,
			&message.SenderID,
			&message.Content,
			&message.MessageType,
			&message.Read,
		) {
			break
		}
		messages = append(messages, message)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return messages, nil
}
