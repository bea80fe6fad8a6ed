package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PresenceRepository handles user online/offline status in Redis.
// Keys auto-expire so a crashed client eventually reads as offline even
// without a clean disconnect event.
type PresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *redis.Client, ttl time.Duration) *PresenceRepository {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceRepository{client: client, ttl: ttl}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

func lastSeenKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:last_seen:%s", userID)
}

// SetOnline marks user as online and advances last-seen
func (r *PresenceRepository) SetOnline(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if err := r.client.Set(ctx, presenceKey(userID), "online", r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.Set(ctx, lastSeenKey(userID), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last seen: %w", err)
	}
	if err := r.client.SAdd(ctx, "presence:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetOffline marks user as offline, freezing last-seen at disconnect time
func (r *PresenceRepository) SetOffline(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if err := r.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.Set(ctx, lastSeenKey(userID), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last seen: %w", err)
	}
	if err := r.client.SRem(ctx, "presence:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// Refresh keeps user online (heartbeat) and advances last-seen
func (r *PresenceRepository) Refresh(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if err := r.client.Expire(ctx, presenceKey(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if err := r.client.Set(ctx, lastSeenKey(userID), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last seen: %w", err)
	}
	return nil
}

// IsOnline checks if user is currently online
func (r *PresenceRepository) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// LastSeen returns the last recorded activity time for a user
func (r *PresenceRepository) LastSeen(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	val, err := r.client.Get(ctx, lastSeenKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last seen: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last seen value: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// GetOnlineUsers retrieves list of online user IDs
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	userIDStrs, err := r.client.SMembers(ctx, "presence:online").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(userIDStrs))
	for _, idStr := range userIDStrs {
		userID, err := uuid.Parse(idStr)
		if err != nil {
			continue // Skip invalid UUIDs
		}
		userIDs = append(userIDs, userID)
	}

	return userIDs, nil
}
