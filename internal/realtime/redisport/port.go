// Package redisport implements the realtime service port on Redis: messages
// and call state live in Redis keys and push events travel over pub/sub.
package redisport

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	repo "supportwidget-backend/internal/repository/redis"
	"supportwidget-backend/pkg/constants"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/jwt"
	"supportwidget-backend/pkg/logger"
)

const callRecordTTL = 24 * time.Hour

// PresenceChecker reports whether a participant is online
type PresenceChecker interface {
	IsOnline(ctx context.Context, uid string) (bool, error)
}

// Options configure a Port
type Options struct {
	Redis *database.RedisClient
	// Presence fills ConversationSummary.Online. Nil reports everyone offline.
	Presence PresenceChecker
	// TokenSecret signs auth and call tokens. Empty uses the app auth key.
	TokenSecret     string
	AuthTokenExpiry time.Duration
	CallTokenExpiry time.Duration
	RingTimeout     time.Duration
}

// Port is a realtime.Port for a single participant. Create one per
// connected client.
type Port struct {
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	cfg       *realtime.Config
	keys      keyspace
	directory *repo.DirectoryRepository
	tokens    *jwt.JWTManager
	identity  *domain.Identity
	tokenID   string
	tokenExp  time.Time
	subs      map[*subscription]struct{}

	authGroup singleflight.Group
}

var _ realtime.Port = (*Port)(nil)

// New creates an uninitialized Port
func New(opts Options) *Port {
	if opts.AuthTokenExpiry <= 0 {
		opts.AuthTokenExpiry = constants.AuthTokenExpiry
	}
	if opts.CallTokenExpiry <= 0 {
		opts.CallTokenExpiry = constants.CallTokenExpiry
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = constants.RingTimeout
	}
	return &Port{
		opts: opts,
		now:  time.Now,
		subs: make(map[*subscription]struct{}),
	}
}

// Initialize validates cfg and checks Redis is reachable. Calling it again
// with the same config is a no-op.
func (p *Port) Initialize(ctx context.Context, cfg realtime.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.RLock()
	same := p.cfg != nil && *p.cfg == cfg
	p.mu.RUnlock()
	if same {
		return nil
	}

	if err := p.opts.Redis.Client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}

	secret := p.opts.TokenSecret
	if secret == "" {
		secret = cfg.AuthKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = &cfg
	p.keys = newKeyspace(cfg.AppID)
	p.directory = repo.NewDirectoryRepository(p.opts.Redis, cfg.AppID)
	p.tokens = jwt.NewJWTManager(secret, p.opts.AuthTokenExpiry, p.opts.CallTokenExpiry)

	logger.Info("Realtime port initialized",
		zap.String("app_id", cfg.AppID),
		zap.String("region", cfg.Region),
	)
	return nil
}

func (p *Port) configured() (*realtime.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg == nil {
		return nil, apperrors.NotConfiguredError()
	}
	return p.cfg, nil
}

// self returns the authenticated uid
func (p *Port) self() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg == nil {
		return "", apperrors.NotConfiguredError()
	}
	if p.identity == nil {
		return "", apperrors.NotAuthenticatedError()
	}
	return p.identity.UID, nil
}

// Authenticate exchanges a cached token or the app auth key for a session.
// Concurrent calls for the same uid and credential share one exchange.
func (p *Port) Authenticate(ctx context.Context, uid string, cred realtime.Credential) (*realtime.AuthResult, error) {
	cfg, err := p.configured()
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, apperrors.MissingFieldError("uid")
	}

	method, flightKey := "auth_key", uid+"|key"
	if cred.AuthToken != "" {
		method, flightKey = "token", uid+"|"+cred.AuthToken
	}
	v, err, _ := p.authGroup.Do(flightKey, func() (interface{}, error) {
		if cred.AuthToken != "" {
			return p.authenticateToken(ctx, uid, cred.AuthToken)
		}
		return p.authenticateKey(ctx, cfg, uid, cred)
	})
	if err != nil {
		logger.Warn("Realtime authentication failed",
			logger.UID(uid),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, err
	}

	res := v.(*realtime.AuthResult)
	return &realtime.AuthResult{Identity: res.Identity, AuthToken: res.AuthToken}, nil
}

func (p *Port) authenticateToken(ctx context.Context, uid, token string) (*realtime.AuthResult, error) {
	p.mu.RLock()
	tokens, keys, directory := p.tokens, p.keys, p.directory
	p.mu.RUnlock()

	claims, err := tokens.ValidateToken(token, jwt.PurposeAuth)
	if err != nil {
		return nil, apperrors.AuthError("Invalid auth token", err)
	}
	if claims.UID != uid {
		return nil, apperrors.AuthError("Auth token issued for another user", nil)
	}

	revoked, err := p.opts.Redis.SafeExists(ctx, keys.revoked(claims.ID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if revoked > 0 {
		return nil, apperrors.AuthError("Auth token has been revoked", nil)
	}

	participant, err := directory.Get(ctx, uid)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.AuthError("Unknown user", err)
		}
		return nil, unavailable(err)
	}

	return p.establish(participant, token, claims.ID, claims.ExpiresAt.Time), nil
}

func (p *Port) authenticateKey(ctx context.Context, cfg *realtime.Config, uid string, cred realtime.Credential) (*realtime.AuthResult, error) {
	if cred.AuthKey == "" {
		return nil, apperrors.AuthError("No credential supplied", nil)
	}
	if subtle.ConstantTimeCompare([]byte(cred.AuthKey), []byte(cfg.AuthKey)) != 1 {
		return nil, apperrors.AuthError("Invalid auth key", nil)
	}

	p.mu.RLock()
	tokens, directory := p.tokens, p.directory
	p.mu.RUnlock()

	name := cred.DisplayName
	if name == "" {
		name = uid
	}
	created, err := directory.CreateIfMissing(ctx, domain.Participant{UID: uid, DisplayName: name, Role: "visitor"})
	if err != nil {
		return nil, unavailable(err)
	}
	if created {
		logger.Info("Provisioned realtime user", logger.UID(uid))
	}

	participant, err := directory.Get(ctx, uid)
	if err != nil {
		return nil, unavailable(err)
	}

	token, err := tokens.GenerateAuthToken(uid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to issue auth token", err)
	}
	claims, err := tokens.ValidateToken(token, jwt.PurposeAuth)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to issue auth token", err)
	}

	return p.establish(participant, token, claims.ID, claims.ExpiresAt.Time), nil
}

func (p *Port) establish(participant *domain.Participant, token, tokenID string, exp time.Time) *realtime.AuthResult {
	identity := domain.Identity{
		UID:         participant.UID,
		DisplayName: participant.DisplayName,
		AvatarRef:   participant.AvatarRef,
		Status:      constants.UserStatusOnline,
		Role:        participant.Role,
	}

	p.mu.Lock()
	p.identity = &identity
	p.tokenID = tokenID
	p.tokenExp = exp
	p.mu.Unlock()

	return &realtime.AuthResult{Identity: identity, AuthToken: token}
}

// Logout revokes the current auth token and closes every subscription
func (p *Port) Logout(ctx context.Context) error {
	if _, err := p.configured(); err != nil {
		return err
	}

	p.mu.Lock()
	identity, tokenID, exp, keys := p.identity, p.tokenID, p.tokenExp, p.keys
	p.identity = nil
	p.tokenID = ""
	subs := p.subs
	p.subs = make(map[*subscription]struct{})
	p.mu.Unlock()

	for s := range subs {
		_ = s.Close()
	}
	if identity == nil {
		return nil
	}

	if ttl := exp.Sub(p.now()); tokenID != "" && ttl > 0 {
		if err := p.opts.Redis.SafeSet(ctx, keys.revoked(tokenID), "1", ttl).Err(); err != nil {
			return unavailable(err)
		}
	}
	logger.Info("Realtime logout", logger.UID(identity.UID))
	return nil
}

func unavailable(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.ServiceUnavailableError("Realtime backend unavailable", err)
}
