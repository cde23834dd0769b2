package session

import (
	"context"

	"supportwidget-backend/pkg/cache"
	"supportwidget-backend/pkg/constants"
)

// CredentialStore persists the cached auth token and user id between
// page loads. The Redis credential repository satisfies it per visitor.
type CredentialStore interface {
	Load(ctx context.Context) (token, uid string, err error)
	Save(ctx context.Context, token, uid string) error
	Clear(ctx context.Context) error
}

// MemoryCredentialStore keeps credentials in process memory
type MemoryCredentialStore struct {
	cache *cache.MemoryCache
}

// NewMemoryCredentialStore creates an empty store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{cache: cache.NewMemoryCache(constants.CredentialExpiry, 0)}
}

func (m *MemoryCredentialStore) Load(_ context.Context) (string, string, error) {
	token, _ := m.cache.Get(constants.AuthTokenKey)
	uid, _ := m.cache.Get(constants.UserIDKey)
	t, _ := token.(string)
	u, _ := uid.(string)
	return t, u, nil
}

func (m *MemoryCredentialStore) Save(_ context.Context, token, uid string) error {
	m.cache.Set(constants.AuthTokenKey, token, 0)
	m.cache.Set(constants.UserIDKey, uid, 0)
	return nil
}

func (m *MemoryCredentialStore) Clear(_ context.Context) error {
	m.cache.Delete(constants.AuthTokenKey)
	m.cache.Delete(constants.UserIDKey)
	return nil
}
