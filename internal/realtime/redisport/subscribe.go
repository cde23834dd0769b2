package redisport

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/pkg/logger"
)

// Subscribe listens on the participant's event channel. Handlers run on a
// single goroutine, so events for one session arrive in publish order.
func (p *Port) Subscribe(ctx context.Context, onMessage realtime.MessageHandler, onCall realtime.CallHandler) (realtime.Subscription, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	channel := p.keys.events(self)
	p.mu.RUnlock()

	ps := p.opts.Redis.SafeSubscribe(ctx, channel)
	if ps == nil {
		return nil, unavailable(database.ErrDegraded)
	}
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(fmt.Errorf("subscribe %s: %w", channel, err))
	}

	s := &subscription{
		ps:        ps,
		channel:   channel,
		onMessage: onMessage,
		onCall:    onCall,
		done:      make(chan struct{}),
		release: func(s *subscription) {
			p.mu.Lock()
			delete(p.subs, s)
			p.mu.Unlock()
		},
	}

	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	go s.run()

	logger.Debug("Subscribed to realtime events", logger.UID(self), zap.String("channel", channel))
	return s, nil
}

type subscription struct {
	ps        *redis.PubSub
	channel   string
	onMessage realtime.MessageHandler
	onCall    realtime.CallHandler
	done      chan struct{}
	release   func(*subscription)
	closeOnce sync.Once
}

func (s *subscription) run() {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		env, err := realtime.Decode([]byte(msg.Payload))
		if err != nil {
			logger.Warn("Dropping undecodable push event",
				zap.String("channel", s.channel),
				zap.Error(err),
			)
			continue
		}
		s.deliver(env)
	}
}

// deliver isolates handler panics so one bad event cannot stop the stream
func (s *subscription) deliver(env realtime.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in push handler",
				zap.String("channel", s.channel),
				zap.String("kind", env.Kind),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	switch {
	case env.Message != nil:
		if s.onMessage != nil {
			s.onMessage(*env.Message)
		}
	case env.Call != nil:
		if s.onCall != nil {
			s.onCall(*env.Call)
		}
	}
}

// Close unsubscribes and waits for the delivery goroutine to exit
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
		<-s.done
		s.release(s)
	})
	return err
}
