package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
)

// ConversationRepository handles conversation data operations
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// Create creates a conversation between two matched users
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (conversation_id, participant_a, participant_b, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.pool.Exec(ctx, query,
		conv.ConversationID,
		conv.ParticipantA,
		conv.ParticipantB,
		conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, participant_a, participant_b,
		       COALESCE(last_message_id, '00000000-0000-0000-0000-000000000000'), created_at
		FROM conversations
		WHERE conversation_id = $1
	`

	conv := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&conv.ConversationID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.LastMessageID,
		&conv.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ConversationNotFoundError()
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}

// GetForUser retrieves all visible conversations for a user
func (r *ConversationRepository) GetForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error) {
	query := `
		SELECT c.conversation_id, c.participant_a, c.participant_b,
		       COALESCE(c.last_message_id, '00000000-0000-0000-0000-000000000000'), c.created_at
		FROM conversations c
		LEFT JOIN conversation_state s
		  ON s.conversation_id = c.conversation_id AND s.user_id = $1
		WHERE (c.participant_a = $1 OR c.participant_b = $1)
		  AND COALESCE(s.hidden, false) = false
		ORDER BY c.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv := &domain.Conversation{}
		if err := rows.Scan(
			&conv.ConversationID,
			&conv.ParticipantA,
			&conv.ParticipantB,
			&conv.LastMessageID,
			&conv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	return convs, nil
}

// UpdateLastMessage points the conversation at its most recent message
func (r *ConversationRepository) UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	query := `
		UPDATE conversations
		SET last_message_id = $2
		WHERE conversation_id = $1
	`

	_, err := r.pool.Exec(ctx, query, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}

	return nil
}

// IncrementUnread bumps the unread counter for one participant
func (r *ConversationRepository) IncrementUnread(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `
		INSERT INTO conversation_state (conversation_id, user_id, unread_count, hidden)
		VALUES ($1, $2, 1, false)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET unread_count = conversation_state.unread_count + 1
	`

	_, err := r.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to increment unread: %w", err)
	}

	return nil
}

// ResetUnread zeroes the unread counter for one participant
func (r *ConversationRepository) ResetUnread(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `
		UPDATE conversation_state
		SET unread_count = 0
		WHERE conversation_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to reset unread: %w", err)
	}

	return nil
}

// GetUnread returns the unread counter for one participant
func (r *ConversationRepository) GetUnread(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	query := `
		SELECT unread_count FROM conversation_state
		WHERE conversation_id = $1 AND user_id = $2
	`

	var count int
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}

	return count, nil
}

// Hide soft-hides a conversation for one participant. Conversations are
// never structurally deleted.
func (r *ConversationRepository) Hide(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `
		INSERT INTO conversation_state (conversation_id, user_id, unread_count, hidden)
		VALUES ($1, $2, 0, true)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET hidden = true
	`

	_, err := r.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to hide conversation: %w", err)
	}

	return nil
}
