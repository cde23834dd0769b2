package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	apperrors "supportwidget-backend/pkg/errors"
)

// DirectoryRepository is the participant directory of one realtime app:
// uid -> display name, avatar and role.
type DirectoryRepository struct {
	client *database.RedisClient
	appID  string
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(client *database.RedisClient, appID string) *DirectoryRepository {
	return &DirectoryRepository{client: client, appID: appID}
}

func (r *DirectoryRepository) userKey(uid string) string {
	return fmt.Sprintf("directory:%s:user:%s", r.appID, uid)
}

// Put creates or overwrites a participant
func (r *DirectoryRepository) Put(ctx context.Context, p domain.Participant) error {
	if r.client.IsDegraded() {
		return fmt.Errorf("put participant: %w", database.ErrDegraded)
	}
	err := r.client.Client.HSet(ctx, r.userKey(p.UID),
		"display_name", p.DisplayName,
		"avatar_ref", p.AvatarRef,
		"role", p.Role,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to put participant: %w", err)
	}
	return nil
}

// CreateIfMissing provisions a participant unless one already exists.
// It reports whether the participant was created.
func (r *DirectoryRepository) CreateIfMissing(ctx context.Context, p domain.Participant) (bool, error) {
	if r.client.IsDegraded() {
		return false, fmt.Errorf("create participant: %w", database.ErrDegraded)
	}
	key := r.userKey(p.UID)
	created, err := r.client.Client.HSetNX(ctx, key, "display_name", p.DisplayName).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create participant: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := r.client.Client.HSet(ctx, key, "avatar_ref", p.AvatarRef, "role", p.Role).Err(); err != nil {
		return true, fmt.Errorf("failed to create participant: %w", err)
	}
	return true, nil
}

// Get retrieves a participant by uid
func (r *DirectoryRepository) Get(ctx context.Context, uid string) (*domain.Participant, error) {
	fields, err := r.client.SafeHGetAll(ctx, r.userKey(uid)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFoundError("Participant")
	}
	return &domain.Participant{
		UID:         uid,
		DisplayName: fields["display_name"],
		AvatarRef:   fields["avatar_ref"],
		Role:        fields["role"],
	}, nil
}
