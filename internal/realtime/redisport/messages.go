package redisport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/pkg/constants"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
)

// SendMessage appends a text message to the conversation and pushes it to
// both participants
func (p *Port) SendMessage(ctx context.Context, receiverUID, text string) (*domain.Message, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	if receiverUID == "" {
		return nil, apperrors.MissingFieldError("receiver_uid")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.ValidationError("Message text is empty")
	}
	if utf8.RuneCountInString(text) > constants.MaxMessageLength {
		return nil, apperrors.ValidationError("Message text is too long")
	}

	wire := realtime.WireMessage{
		Category: realtime.CategoryMessage,
		Type:     "text",
		Text:     text,
		Sender:   self,
		Receiver: receiverUID,
		SentAt:   p.now().Unix(),
	}
	if err := p.appendMessage(ctx, &wire); err != nil {
		return nil, err
	}

	msg, err := realtime.ToMessage(wire)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to normalize message", err)
	}
	return &msg, nil
}

// appendMessage assigns an id, stores the message, bumps both conversation
// indexes and the receiver's unread count, then publishes it to both sides
func (p *Port) appendMessage(ctx context.Context, wire *realtime.WireMessage) error {
	if p.opts.Redis.IsDegraded() {
		return unavailable(fmt.Errorf("append message: redis degraded"))
	}
	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	seq, err := p.opts.Redis.Client.Incr(ctx, keys.messageSeq()).Result()
	if err != nil {
		return unavailable(err)
	}
	wire.ID = strconv.FormatInt(seq, 10)

	data, err := json.Marshal(wire)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode message", err)
	}
	env, err := realtime.MessageEnvelope(*wire).Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode message", err)
	}

	score := float64(wire.SentAt)
	_, err = p.opts.Redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, keys.conversation(wire.Sender, wire.Receiver), data)
		pipe.ZAdd(ctx, keys.conversations(wire.Sender), redis.Z{Score: score, Member: wire.Receiver})
		pipe.ZAdd(ctx, keys.conversations(wire.Receiver), redis.Z{Score: score, Member: wire.Sender})
		pipe.HIncrBy(ctx, keys.unread(wire.Receiver), wire.Sender, 1)
		pipe.Publish(ctx, keys.events(wire.Receiver), env)
		pipe.Publish(ctx, keys.events(wire.Sender), env)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}

	logger.Debug("Message appended",
		zap.String("message_id", wire.ID),
		zap.String("sender", wire.Sender),
		zap.String("receiver", wire.Receiver),
	)
	return nil
}

// FetchRecentConversations lists the participant's conversations, most
// recently active first
func (p *Port) FetchRecentConversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperrors.ValidationError("limit must be positive")
	}
	if limit > constants.MaxFetchLimit {
		limit = constants.MaxFetchLimit
	}

	p.mu.RLock()
	keys, directory := p.keys, p.directory
	p.mu.RUnlock()

	peers, err := p.opts.Redis.Client.ZRevRangeWithScores(ctx, keys.conversations(self), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]domain.ConversationSummary, 0, len(peers))
	for _, z := range peers {
		peer, _ := z.Member.(string)
		summary := domain.ConversationSummary{
			PeerUID:       peer,
			PeerName:      peer,
			LastMessageAt: int64(z.Score),
		}

		if participant, err := directory.Get(ctx, peer); err == nil {
			summary.PeerName = participant.DisplayName
			summary.AvatarRef = participant.AvatarRef
		} else if !apperrors.Is(err, apperrors.ErrCodeNotFound) {
			return nil, unavailable(err)
		}

		last, err := p.opts.Redis.Client.LIndex(ctx, keys.conversation(self, peer), -1).Result()
		if err != nil && err != redis.Nil {
			return nil, unavailable(err)
		}
		if last != "" {
			var wire realtime.WireMessage
			if err := json.Unmarshal([]byte(last), &wire); err == nil {
				summary.LastMessage = wire.Text
			}
		}

		unread, err := p.opts.Redis.Client.HGet(ctx, keys.unread(self), peer).Int()
		if err != nil && err != redis.Nil {
			return nil, unavailable(err)
		}
		summary.UnreadCount = unread

		if p.opts.Presence != nil {
			online, err := p.opts.Presence.IsOnline(ctx, peer)
			if err != nil {
				logger.Warn("Presence lookup failed", logger.UID(peer), zap.Error(err))
			}
			summary.Online = online
		}

		out = append(out, summary)
	}
	return out, nil
}

// FetchMessages returns the last limit messages with peerUID, oldest first
func (p *Port) FetchMessages(ctx context.Context, peerUID string, limit int) ([]domain.Message, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	if peerUID == "" {
		return nil, apperrors.MissingFieldError("peer_uid")
	}
	if limit <= 0 {
		return nil, apperrors.ValidationError("limit must be positive")
	}
	if limit > constants.MaxFetchLimit {
		limit = constants.MaxFetchLimit
	}

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	raw, err := p.opts.Redis.Client.LRange(ctx, keys.conversation(self, peerUID), int64(-limit), -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var wire realtime.WireMessage
		if err := json.Unmarshal([]byte(item), &wire); err != nil {
			logger.Warn("Skipping undecodable message", zap.Error(err))
			continue
		}
		msg, err := realtime.ToMessage(wire)
		if err != nil {
			logger.Warn("Skipping invalid message", zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkConversationRead clears the unread count for peerUID
func (p *Port) MarkConversationRead(ctx context.Context, peerUID string) error {
	self, err := p.self()
	if err != nil {
		return err
	}
	if peerUID == "" {
		return apperrors.MissingFieldError("peer_uid")
	}

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	if err := p.opts.Redis.Client.HDel(ctx, keys.unread(self), peerUID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
