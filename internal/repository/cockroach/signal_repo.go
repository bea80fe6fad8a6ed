package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
)

// SignalRepository stores connection-negotiation artifacts. Records are
// write-once and append-only: renegotiation inserts a new row, nothing is
// ever updated.
type SignalRepository struct {
	pool *pgxpool.Pool
}

// NewSignalRepository creates a new signal repository
func NewSignalRepository(pool *pgxpool.Pool) *SignalRepository {
	return &SignalRepository{pool: pool}
}

// SaveDescription appends an offer or answer record scoped to a call
func (r *SignalRepository) SaveDescription(ctx context.Context, sd *domain.SessionDescription) error {
	query := `
		INSERT INTO call_descriptions (
			call_id, from_user, to_user, sdp_type, sdp, kind, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	_, err := r.pool.Exec(ctx, query,
		sd.CallID,
		sd.FromUser,
		sd.ToUser,
		sd.SDPType,
		sd.SDP,
		sd.Kind,
	)
	if err != nil {
		return fmt.Errorf("failed to save session description: %w", err)
	}

	return nil
}

// SaveCandidate appends a trickle-ICE candidate record
func (r *SignalRepository) SaveCandidate(ctx context.Context, c *domain.IceCandidate) error {
	query := `
		INSERT INTO call_candidates (
			call_id, from_user, to_user, candidate, sdp_mline_index, created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err := r.pool.Exec(ctx, query,
		c.CallID,
		c.FromUser,
		c.ToUser,
		c.Candidate,
		c.SDPMLineIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to save ice candidate: %w", err)
	}

	return nil
}

// GetCandidates retrieves all candidates for a call in arrival order
func (r *SignalRepository) GetCandidates(ctx context.Context, callID uuid.UUID) ([]*domain.IceCandidate, error) {
	query := `
		SELECT call_id, from_user, to_user, candidate, sdp_mline_index, created_at
		FROM call_candidates
		WHERE call_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*domain.IceCandidate
	for rows.Next() {
		c := &domain.IceCandidate{}
		if err := rows.Scan(
			&c.CallID,
			&c.FromUser,
			&c.ToUser,
			&c.Candidate,
			&c.SDPMLineIndex,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	return candidates, nil
}

// SaveQualitySample appends a telemetry sample. Write-only from the
// signaling side; consumed by the analytics collaborator.
func (r *SignalRepository) SaveQualitySample(ctx context.Context, s *domain.CallQualitySample) error {
	query := `
		INSERT INTO call_quality_samples (
			call_id, user_id, sampled_at, audio_level, latency_ms, packet_loss, jitter_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		s.CallID,
		s.UserID,
		s.Timestamp,
		s.AudioLevel,
		s.LatencyMS,
		s.PacketLoss,
		s.JitterMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save quality sample: %w", err)
	}

	return nil
}
