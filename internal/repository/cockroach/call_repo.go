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

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create creates a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, receiver_id, kind, status
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.ReceiverID,
		call.Kind,
		call.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// UpdateStatus updates call status
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	return nil
}

// MarkConnected records the connectivity-confirmed timestamp
func (r *CallRepository) MarkConnected(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE calls
		SET status = 'connected', started_at = NOW()
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return fmt.Errorf("failed to mark call connected: %w", err)
	}

	return nil
}

// Finish records the terminal status, end timestamp, and duration
func (r *CallRepository) Finish(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = NOW(),
		    duration = COALESCE(EXTRACT(EPOCH FROM (NOW() - started_at))::INT, 0)
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("failed to finish call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, receiver_id, kind, status,
		       started_at, ended_at, COALESCE(duration, 0)
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.ReceiverID,
		&call.Kind,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, receiver_id, kind, status,
		       started_at, ended_at, COALESCE(duration, 0)
		FROM calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY COALESCE(started_at, ended_at) DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		if err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.ReceiverID,
			&call.Kind,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
			&call.Duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}
