package realtime

import (
	"context"
	"errors"

	"supportwidget-backend/internal/domain"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/resilience"
)

// ResilientPort guards a Port with a circuit breaker. Reads are retried;
// mutations are attempted once so a call or message is never duplicated.
// Only SERVICE_UNAVAILABLE failures count against the breaker.
type ResilientPort struct {
	next    Port
	breaker *resilience.Breaker
}

var _ Port = (*ResilientPort)(nil)

// NewResilientPort wraps next. A zero cfg.Name defaults to "realtime".
func NewResilientPort(next Port, cfg resilience.Config) *ResilientPort {
	return WithBreaker(next, NewBreaker(cfg))
}

// NewBreaker builds a breaker that only trips on SERVICE_UNAVAILABLE. One
// breaker can be shared by every port talking to the same backend.
func NewBreaker(cfg resilience.Config) *resilience.Breaker {
	if cfg.Name == "" {
		cfg.Name = "realtime"
	}
	cfg.ShouldTrip = func(err error) bool {
		return apperrors.Is(err, apperrors.ErrCodeServiceUnavail)
	}
	return resilience.New(cfg)
}

// WithBreaker wraps next with an existing breaker
func WithBreaker(next Port, b *resilience.Breaker) *ResilientPort {
	return &ResilientPort{next: next, breaker: b}
}

// State exposes the breaker state for health reporting
func (p *ResilientPort) State() resilience.CircuitBreakerState {
	return p.breaker.State()
}

func (p *ResilientPort) once(ctx context.Context, op string, fn func(context.Context) error) error {
	return translate(p.breaker.Execute(ctx, op, fn))
}

func (p *ResilientPort) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return translate(p.breaker.ExecuteWithRetry(ctx, op, fn))
}

func translate(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.ServiceUnavailableError("Realtime service temporarily unavailable", err)
	}
	return err
}

func (p *ResilientPort) Initialize(ctx context.Context, cfg Config) error {
	return p.retry(ctx, "initialize", func(ctx context.Context) error {
		return p.next.Initialize(ctx, cfg)
	})
}

func (p *ResilientPort) Authenticate(ctx context.Context, uid string, cred Credential) (*AuthResult, error) {
	var res *AuthResult
	err := p.once(ctx, "authenticate", func(ctx context.Context) error {
		var err error
		res, err = p.next.Authenticate(ctx, uid, cred)
		return err
	})
	return res, err
}

func (p *ResilientPort) Logout(ctx context.Context) error {
	return p.once(ctx, "logout", p.next.Logout)
}

func (p *ResilientPort) SendMessage(ctx context.Context, receiverUID, text string) (*domain.Message, error) {
	var msg *domain.Message
	err := p.once(ctx, "send_message", func(ctx context.Context) error {
		var err error
		msg, err = p.next.SendMessage(ctx, receiverUID, text)
		return err
	})
	return msg, err
}

func (p *ResilientPort) FetchRecentConversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	err := p.retry(ctx, "fetch_conversations", func(ctx context.Context) error {
		var err error
		out, err = p.next.FetchRecentConversations(ctx, limit)
		return err
	})
	return out, err
}

func (p *ResilientPort) FetchMessages(ctx context.Context, peerUID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := p.retry(ctx, "fetch_messages", func(ctx context.Context) error {
		var err error
		out, err = p.next.FetchMessages(ctx, peerUID, limit)
		return err
	})
	return out, err
}

func (p *ResilientPort) MarkConversationRead(ctx context.Context, peerUID string) error {
	return p.retry(ctx, "mark_read", func(ctx context.Context) error {
		return p.next.MarkConversationRead(ctx, peerUID)
	})
}

func (p *ResilientPort) InitiateCall(ctx context.Context, receiverUID string, callType domain.CallType) (*domain.CallSession, error) {
	var cs *domain.CallSession
	err := p.once(ctx, "initiate_call", func(ctx context.Context) error {
		var err error
		cs, err = p.next.InitiateCall(ctx, receiverUID, callType)
		return err
	})
	return cs, err
}

func (p *ResilientPort) AcceptCall(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	var cs *domain.CallSession
	err := p.once(ctx, "accept_call", func(ctx context.Context) error {
		var err error
		cs, err = p.next.AcceptCall(ctx, sessionID)
		return err
	})
	return cs, err
}

func (p *ResilientPort) RejectCall(ctx context.Context, sessionID string, reason domain.CallStatus) error {
	return p.once(ctx, "reject_call", func(ctx context.Context) error {
		return p.next.RejectCall(ctx, sessionID, reason)
	})
}

func (p *ResilientPort) EndCall(ctx context.Context, sessionID string) error {
	return p.once(ctx, "end_call", func(ctx context.Context) error {
		return p.next.EndCall(ctx, sessionID)
	})
}

func (p *ResilientPort) CallToken(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := p.retry(ctx, "call_token", func(ctx context.Context) error {
		var err error
		token, err = p.next.CallToken(ctx, sessionID)
		return err
	})
	return token, err
}

func (p *ResilientPort) Subscribe(ctx context.Context, onMessage MessageHandler, onCall CallHandler) (Subscription, error) {
	var sub Subscription
	err := p.retry(ctx, "subscribe", func(ctx context.Context) error {
		var err error
		sub, err = p.next.Subscribe(ctx, onMessage, onCall)
		return err
	})
	return sub, err
}
