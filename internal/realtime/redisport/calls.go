package redisport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/jwt"
	"supportwidget-backend/pkg/logger"
)

const maxTxRetries = 5

// push is one call notification to publish after a state change
type push struct {
	uid  string
	kind string
}

// InitiateCall creates a ringing call session and notifies the receiver
func (p *Port) InitiateCall(ctx context.Context, receiverUID string, callType domain.CallType) (*domain.CallSession, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	if receiverUID == "" {
		return nil, apperrors.MissingFieldError("receiver_uid")
	}
	if receiverUID == self {
		return nil, apperrors.ValidationError("Cannot call yourself")
	}
	if _, err := domain.ParseCallType(string(callType)); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if p.opts.Redis.IsDegraded() {
		return nil, unavailable(database.ErrDegraded)
	}

	p.mu.RLock()
	keys, directory := p.keys, p.directory
	p.mu.RUnlock()

	now := p.now()
	call := realtime.WireCall{
		SessionID:   uuid.New().String(),
		Type:        string(callType),
		Initiator:   self,
		Receiver:    receiverUID,
		Status:      string(domain.CallStatusInitiated),
		InitiatedAt: now.Unix(),
	}
	if participant, err := directory.Get(ctx, receiverUID); err == nil {
		call.ReceiverAvatar = participant.AvatarRef
	}

	data, err := json.Marshal(call)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call", err)
	}
	env, err := realtime.CallEnvelope(realtime.KindCallIncoming, call).Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call", err)
	}

	deadline := now.Add(p.opts.RingTimeout).UnixMilli()
	_, err = p.opts.Redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keys.call(call.SessionID), data, callRecordTTL)
		pipe.ZAdd(ctx, keys.ringing(), redis.Z{Score: float64(deadline), Member: call.SessionID})
		pipe.Publish(ctx, keys.events(receiverUID), env)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	logger.Info("Call initiated",
		logger.SessionID(call.SessionID),
		zap.String("initiator", self),
		zap.String("receiver", receiverUID),
		zap.String("call_type", call.Type),
	)

	cs, err := realtime.ToCallSession(call)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to normalize call", err)
	}
	return &cs, nil
}

// AcceptCall connects a ringing call. Accepting an already connected call
// returns it unchanged.
func (p *Port) AcceptCall(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	accepted := false
	call, err := mutateCall(ctx, p.opts.Redis, keys, sessionID, func(c *realtime.WireCall) ([]push, error) {
		if c.Receiver != self {
			return nil, apperrors.ValidationError("Only the callee can accept a call")
		}
		switch domain.CallStatus(c.Status) {
		case domain.CallStatusOngoing:
			return nil, nil
		case domain.CallStatusInitiated:
		default:
			return nil, apperrors.StaleSessionError(sessionID)
		}
		c.Status = string(domain.CallStatusOngoing)
		accepted = true
		return []push{{uid: c.Initiator, kind: realtime.KindCallOutgoingAccepted}}, nil
	})
	if err != nil {
		return nil, err
	}

	if accepted {
		logger.Info("Call accepted", logger.SessionID(sessionID), logger.UID(self))
		p.appendCallEvent(ctx, call, "Call started", nil)
	}

	cs, err := realtime.ToCallSession(*call)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to normalize call", err)
	}
	return &cs, nil
}

// RejectCall declines an incoming call or cancels an outgoing one.
// Rejecting a call that already terminated is a no-op.
func (p *Port) RejectCall(ctx context.Context, sessionID string, reason domain.CallStatus) error {
	self, err := p.self()
	if err != nil {
		return err
	}
	if !reason.Terminal() || reason == domain.CallStatusEnded {
		return apperrors.ValidationError(fmt.Sprintf("Invalid reject reason %q", reason))
	}

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	_, err = mutateCall(ctx, p.opts.Redis, keys, sessionID, func(c *realtime.WireCall) ([]push, error) {
		status := domain.CallStatus(c.Status)
		if status.Terminal() {
			return nil, nil
		}
		if status == domain.CallStatusOngoing {
			return nil, apperrors.ValidationError("Call is already connected")
		}
		return p.terminateRinging(c, self, reason)
	})
	if err != nil {
		return err
	}

	logger.Info("Call rejected",
		logger.SessionID(sessionID),
		logger.UID(self),
		zap.String("reason", string(reason)),
	)
	return nil
}

// terminateRinging ends a ringing call from self's side
func (p *Port) terminateRinging(c *realtime.WireCall, self string, reason domain.CallStatus) ([]push, error) {
	c.EndedAt = p.now().Unix()
	switch self {
	case c.Receiver:
		c.Status = string(reason)
		return []push{{uid: c.Initiator, kind: realtime.KindCallOutgoingRejected}}, nil
	case c.Initiator:
		c.Status = string(domain.CallStatusCancelled)
		return []push{{uid: c.Receiver, kind: realtime.KindCallIncomingCancelled}}, nil
	default:
		return nil, apperrors.ValidationError("Not a participant of this call")
	}
}

// EndCall hangs up a connected call or withdraws from a ringing one.
// Ending a call that already terminated is a no-op.
func (p *Port) EndCall(ctx context.Context, sessionID string) error {
	self, err := p.self()
	if err != nil {
		return err
	}

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	ended := false
	call, err := mutateCall(ctx, p.opts.Redis, keys, sessionID, func(c *realtime.WireCall) ([]push, error) {
		switch domain.CallStatus(c.Status) {
		case domain.CallStatusInitiated:
			return p.terminateRinging(c, self, domain.CallStatusRejected)
		case domain.CallStatusOngoing:
		default:
			return nil, nil
		}
		if self != c.Initiator && self != c.Receiver {
			return nil, apperrors.ValidationError("Not a participant of this call")
		}
		peer := c.Initiator
		if self == c.Initiator {
			peer = c.Receiver
		}
		c.Status = string(domain.CallStatusEnded)
		c.EndedAt = p.now().Unix()
		ended = true
		return []push{{uid: peer, kind: realtime.KindCallEnded}}, nil
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeCallNotFound) {
			return nil
		}
		return err
	}

	if ended {
		logger.Info("Call ended", logger.SessionID(sessionID), logger.UID(self))
		p.appendCallEvent(ctx, call, "Call ended", map[string]any{
			"duration_seconds": call.EndedAt - call.InitiatedAt,
		})
	}
	return nil
}

// CallToken issues the media join token for a live call
func (p *Port) CallToken(ctx context.Context, sessionID string) (string, error) {
	self, err := p.self()
	if err != nil {
		return "", err
	}

	p.mu.RLock()
	keys, tokens := p.keys, p.tokens
	p.mu.RUnlock()

	call, err := loadCall(ctx, p.opts.Redis, keys, sessionID)
	if err != nil {
		return "", err
	}
	if self != call.Initiator && self != call.Receiver {
		return "", apperrors.ValidationError("Not a participant of this call")
	}
	if domain.CallStatus(call.Status).Terminal() {
		return "", apperrors.StaleSessionError(sessionID)
	}

	token, err := tokens.GenerateCallToken(self, sessionID, call.Type)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to issue call token", err)
	}
	return token, nil
}

// ValidateCallToken checks a token issued by CallToken
func (p *Port) ValidateCallToken(token string) (*jwt.Claims, error) {
	p.mu.RLock()
	tokens := p.tokens
	p.mu.RUnlock()
	if tokens == nil {
		return nil, apperrors.NotConfiguredError()
	}
	return tokens.ValidateToken(token, jwt.PurposeCall)
}

// appendCallEvent records a call status entry in the conversation timeline.
// Failures are logged; the call transition already happened.
func (p *Port) appendCallEvent(ctx context.Context, call *realtime.WireCall, text string, extra map[string]any) {
	data := map[string]any{"session_id": call.SessionID, "status": call.Status}
	for k, v := range extra {
		data[k] = v
	}
	wire := realtime.WireMessage{
		Category: realtime.CategoryCall,
		Type:     call.Type,
		Text:     text,
		Sender:   call.Initiator,
		Receiver: call.Receiver,
		SentAt:   p.now().Unix(),
		Data:     data,
	}
	if err := p.appendMessage(ctx, &wire); err != nil {
		logger.Warn("Failed to record call event", logger.SessionID(call.SessionID), zap.Error(err))
	}
}

func loadCall(ctx context.Context, rc *database.RedisClient, keys keyspace, sessionID string) (*realtime.WireCall, error) {
	raw, err := rc.SafeGet(ctx, keys.call(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, unavailable(err)
	}
	var call realtime.WireCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Corrupt call record", err)
	}
	return &call, nil
}

// mutateCall applies fn to the stored call under WATCH. When fn returns
// pushes, the updated record is written and the pushes are published in the
// same transaction; no pushes means nothing changed.
func mutateCall(ctx context.Context, rc *database.RedisClient, keys keyspace, sessionID string, fn func(*realtime.WireCall) ([]push, error)) (*realtime.WireCall, error) {
	if sessionID == "" {
		return nil, apperrors.MissingFieldError("session_id")
	}
	if rc.IsDegraded() {
		return nil, unavailable(database.ErrDegraded)
	}

	key := keys.call(sessionID)
	var result *realtime.WireCall

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperrors.CallNotFoundError()
		}
		if err != nil {
			return err
		}
		var call realtime.WireCall
		if err := json.Unmarshal(raw, &call); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "Corrupt call record", err)
		}

		pushes, err := fn(&call)
		if err != nil {
			return err
		}
		result = &call
		if len(pushes) == 0 {
			return nil
		}

		data, err := json.Marshal(call)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call", err)
		}
		envs := make([][]byte, len(pushes))
		for i, ps := range pushes {
			if envs[i], err = realtime.CallEnvelope(ps.kind, call).Encode(); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, callRecordTTL)
			if domain.CallStatus(call.Status) != domain.CallStatusInitiated {
				pipe.ZRem(ctx, keys.ringing(), sessionID)
			}
			for i, ps := range pushes {
				pipe.Publish(ctx, keys.events(ps.uid), envs[i])
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rc.Client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		return result, nil
	}
	return nil, unavailable(fmt.Errorf("call %s: transaction contention", sessionID))
}
