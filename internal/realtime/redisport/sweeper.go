package redisport

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
)

// RingSweeper times out calls nobody answered. The caller sees
// outgoing-rejected and the callee incoming-cancelled, both with status
// unanswered. Several gateways may sweep the same app; ZREM decides which
// one handles each call.
type RingSweeper struct {
	redis *database.RedisClient
	keys  keyspace
	now   func() time.Time
}

// NewRingSweeper creates a sweeper for appID
func NewRingSweeper(rc *database.RedisClient, appID string) *RingSweeper {
	return &RingSweeper{redis: rc, keys: newKeyspace(appID), now: time.Now}
}

// Run sweeps every interval until ctx is done
func (s *RingSweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Ring sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep times out every call whose ring deadline passed and returns how many
// it handled
func (s *RingSweeper) Sweep(ctx context.Context) (int, error) {
	if s.redis.IsDegraded() {
		return 0, database.ErrDegraded
	}

	due, err := s.redis.Client.ZRangeByScore(ctx, s.keys.ringing(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, sessionID := range due {
		removed, err := s.redis.Client.ZRem(ctx, s.keys.ringing(), sessionID).Result()
		if err != nil {
			return handled, err
		}
		if removed == 0 {
			continue // another sweeper got it
		}

		_, err = mutateCall(ctx, s.redis, s.keys, sessionID, func(c *realtime.WireCall) ([]push, error) {
			if domain.CallStatus(c.Status) != domain.CallStatusInitiated {
				return nil, nil
			}
			c.Status = string(domain.CallStatusUnanswered)
			c.EndedAt = s.now().Unix()
			return []push{
				{uid: c.Initiator, kind: realtime.KindCallOutgoingRejected},
				{uid: c.Receiver, kind: realtime.KindCallIncomingCancelled},
			}, nil
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCodeCallNotFound) {
				continue
			}
			return handled, err
		}

		handled++
		logger.Info("Call unanswered", logger.SessionID(sessionID))
	}
	return handled, nil
}
