package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
)

// CallEventHandler receives normalized call events
type CallEventHandler interface {
	HandleCallEvent(ev domain.CallEvent, cs domain.CallSession)
}

// Dispatcher turns push events from the port into Store and Controller
// updates. Wire shapes stop here.
type Dispatcher struct {
	port    realtime.Port
	store   *Store
	calls   CallEventHandler
	metrics *metrics.Metrics

	mu  sync.Mutex
	sub realtime.Subscription
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(port realtime.Port, store *Store, calls CallEventHandler, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{port: port, store: store, calls: calls, metrics: m}
}

// Start subscribes once. Calling it while subscribed is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}

	sub, err := d.port.Subscribe(ctx, d.onMessage, d.onCall)
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Restart drops the current subscription and subscribes again, as needed
// after re-authentication
func (d *Dispatcher) Restart(ctx context.Context) error {
	if err := d.Stop(); err != nil {
		logger.Warn("Closing previous subscription failed", zap.Error(err))
	}
	return d.Start(ctx)
}

// Stop closes the subscription. It must not be called from a push handler.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Subscribed reports whether a subscription is open
func (d *Dispatcher) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sub != nil
}

func (d *Dispatcher) onMessage(w realtime.WireMessage) {
	msg, err := realtime.ToMessage(w)
	if err != nil {
		d.metrics.RecordPushDropped("malformed")
		logger.Warn("Dropping malformed message push", zap.Error(err))
		return
	}

	self := d.store.SelfUID()
	if self == "" {
		d.metrics.RecordPushDropped("unauthenticated")
		return
	}

	peer := msg.SenderUID
	if peer == self {
		peer = msg.ReceiverUID
	}
	if !msg.Between(self, peer) || !d.store.AdoptPeer(peer) {
		d.metrics.RecordPushDropped("foreign_conversation")
		logger.Debug("Dropping message outside the active conversation",
			zap.String("message_id", msg.ID),
			zap.String("sender", msg.SenderUID),
			zap.String("receiver", msg.ReceiverUID),
		)
		return
	}

	d.store.UpsertMessages(msg)
	d.metrics.RecordMessageReceived()
}

func (d *Dispatcher) onCall(w realtime.WireCall) {
	ev, cs, err := realtime.ToCallEvent(w)
	if err != nil {
		d.metrics.RecordPushDropped("malformed")
		logger.Warn("Dropping malformed call push", zap.Error(err))
		return
	}
	d.calls.HandleCallEvent(ev, cs)
}
