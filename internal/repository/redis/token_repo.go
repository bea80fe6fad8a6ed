package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenRepository stores registered push device tokens per user.
type TokenRepository struct {
	client *redis.Client
}

// NewTokenRepository creates a new TokenRepository
func NewTokenRepository(client *redis.Client) *TokenRepository {
	return &TokenRepository{client: client}
}

func tokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:tokens:%s", userID)
}

const tokenOwnerKey = "push:token_owner"

// Register associates a device token with a user
func (r *TokenRepository) Register(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.client.SAdd(ctx, tokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	if err := r.client.HSet(ctx, tokenOwnerKey, token, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to record token owner: %w", err)
	}
	return nil
}

// GetActiveTokens returns all device tokens registered for a user
func (r *TokenRepository) GetActiveTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	tokens, err := r.client.SMembers(ctx, tokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}
	return tokens, nil
}

// MarkInvalid removes a token the provider reported as dead
func (r *TokenRepository) MarkInvalid(ctx context.Context, token string) error {
	owner, err := r.client.HGet(ctx, tokenOwnerKey, token).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve token owner: %w", err)
	}

	userID, err := uuid.Parse(owner)
	if err == nil {
		if err := r.client.SRem(ctx, tokensKey(userID), token).Err(); err != nil {
			return fmt.Errorf("failed to remove token: %w", err)
		}
	}
	if err := r.client.HDel(ctx, tokenOwnerKey, token).Err(); err != nil {
		return fmt.Errorf("failed to drop token owner: %w", err)
	}
	return nil
}
