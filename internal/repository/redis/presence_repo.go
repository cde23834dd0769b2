package redis

import (
	"context"
	"fmt"
	"time"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository handles participant online/offline status in Redis
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: constants.PresenceTTL}
}

func presenceKey(uid string) string {
	return fmt.Sprintf("presence:%s", uid)
}

// SetOnline marks uid as online until the TTL lapses without a refresh
func (r *PresenceRepository) SetOnline(ctx context.Context, uid string) error {
	if err := r.client.SafeSet(ctx, presenceKey(uid), constants.UserStatusOnline, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, uid).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetOffline marks uid as offline
func (r *PresenceRepository) SetOffline(ctx context.Context, uid string) error {
	if err := r.client.SafeDel(ctx, presenceKey(uid)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, uid).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsOnline checks if uid is currently online
func (r *PresenceRepository) IsOnline(ctx context.Context, uid string) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(uid)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// Refresh keeps uid online (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, uid string) error {
	ok, err := r.client.SafeExpire(ctx, presenceKey(uid), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		return r.SetOnline(ctx, uid)
	}
	return nil
}

// OnlineUsers lists uids whose presence key is still live. Members whose key
// expired are pruned from the set as a side effect.
func (r *PresenceRepository) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	online := make([]string, 0, len(members))
	for _, uid := range members {
		live, err := r.IsOnline(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !live {
			r.client.SafeSRem(ctx, onlineSetKey, uid)
			continue
		}
		online = append(online, uid)
	}
	return online, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
