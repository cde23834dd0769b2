// Package realtime defines the contract between the widget session core and
// the external messaging and calling backend, plus the wire shapes that
// backend speaks.
package realtime

import (
	"context"

	"supportwidget-backend/internal/domain"
	apperrors "supportwidget-backend/pkg/errors"
)

// Config identifies the backend application. All three fields are required.
type Config struct {
	AppID   string
	Region  string
	AuthKey string
}

// Validate returns NOT_CONFIGURED naming every missing field
func (c Config) Validate() error {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, "app_id")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.AuthKey == "" {
		missing = append(missing, "auth_key")
	}
	if len(missing) > 0 {
		return apperrors.NotConfiguredError(missing...)
	}
	return nil
}

// Credential is what Authenticate exchanges for a session. A non-empty
// AuthToken is tried as a cached credential; otherwise AuthKey is used and
// the user is provisioned with DisplayName if it does not exist yet.
type Credential struct {
	AuthToken   string
	AuthKey     string
	DisplayName string
}

// AuthResult is returned by a successful Authenticate
type AuthResult struct {
	Identity  domain.Identity
	AuthToken string
}

// MessageHandler receives pushed messages in their wire shape
type MessageHandler func(WireMessage)

// CallHandler receives pushed call events in their wire shape
type CallHandler func(WireCall)

// Subscription is a live push registration. Close is idempotent.
type Subscription interface {
	Close() error
}

// Port is the narrow contract the session core needs from the backend.
//
// Every operation may fail with SERVICE_UNAVAILABLE (transient) or
// NOT_AUTHENTICATED (fatal until Authenticate succeeds again). Before a
// successful Initialize with a complete Config every operation fails with
// NOT_CONFIGURED. Call events are delivered in order per session id.
type Port interface {
	// Initialize is idempotent.
	Initialize(ctx context.Context, cfg Config) error
	// Authenticate is idempotent per uid: concurrent calls share one exchange.
	Authenticate(ctx context.Context, uid string, cred Credential) (*AuthResult, error)
	Logout(ctx context.Context) error

	SendMessage(ctx context.Context, receiverUID, text string) (*domain.Message, error)
	FetchRecentConversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error)
	// FetchMessages returns the most recent limit messages with peerUID, oldest first.
	FetchMessages(ctx context.Context, peerUID string, limit int) ([]domain.Message, error)
	MarkConversationRead(ctx context.Context, peerUID string) error

	InitiateCall(ctx context.Context, receiverUID string, callType domain.CallType) (*domain.CallSession, error)
	AcceptCall(ctx context.Context, sessionID string) (*domain.CallSession, error)
	RejectCall(ctx context.Context, sessionID string, reason domain.CallStatus) error
	EndCall(ctx context.Context, sessionID string) error
	// CallToken issues the token a call UI session joins media with.
	CallToken(ctx context.Context, sessionID string) (string, error)

	Subscribe(ctx context.Context, onMessage MessageHandler, onCall CallHandler) (Subscription, error)
}
