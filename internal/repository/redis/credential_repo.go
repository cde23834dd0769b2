package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/pkg/constants"
)

// CredentialRepository persists a visitor's realtime auth state in Redis so a
// returning visitor can re-authenticate with the cached token.
type CredentialRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(client *database.RedisClient, ttl time.Duration) *CredentialRepository {
	if ttl <= 0 {
		ttl = constants.CredentialExpiry
	}
	return &CredentialRepository{client: client, ttl: ttl}
}

func credentialKey(visitorID string) string {
	return fmt.Sprintf("visitor:%s:credentials", visitorID)
}

// Load returns the cached token and uid, or empty strings if none are stored
func (r *CredentialRepository) Load(ctx context.Context, visitorID string) (token, uid string, err error) {
	fields, err := r.client.SafeHGetAll(ctx, credentialKey(visitorID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("failed to load credentials: %w", err)
	}
	return fields[constants.AuthTokenKey], fields[constants.UserIDKey], nil
}

// Save stores the token and uid and refreshes their expiry
func (r *CredentialRepository) Save(ctx context.Context, visitorID, token, uid string) error {
	if r.client.IsDegraded() {
		return fmt.Errorf("save credentials: %w", database.ErrDegraded)
	}
	key := credentialKey(visitorID)
	_, err := r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, constants.AuthTokenKey, token, constants.UserIDKey, uid)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Clear removes the cached credentials
func (r *CredentialRepository) Clear(ctx context.Context, visitorID string) error {
	if err := r.client.SafeDel(ctx, credentialKey(visitorID)).Err(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// ForVisitor binds the repository to one visitor
func (r *CredentialRepository) ForVisitor(visitorID string) *VisitorCredentials {
	return &VisitorCredentials{repo: r, visitorID: visitorID}
}

// VisitorCredentials is a CredentialRepository scoped to a single visitor
type VisitorCredentials struct {
	repo      *CredentialRepository
	visitorID string
}

func (v *VisitorCredentials) Load(ctx context.Context) (string, string, error) {
	return v.repo.Load(ctx, v.visitorID)
}

func (v *VisitorCredentials) Save(ctx context.Context, token, uid string) error {
	return v.repo.Save(ctx, v.visitorID, token, uid)
}

func (v *VisitorCredentials) Clear(ctx context.Context) error {
	return v.repo.Clear(ctx, v.visitorID)
}
