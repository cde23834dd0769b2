package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"supportwidget-backend/internal/callui"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/pkg/cache"
	"supportwidget-backend/pkg/constants"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
)

// maxParked bounds push events held back while an initiate is in flight
const maxParked = 64

var errClosed = apperrors.New(apperrors.ErrCodeNotAuthenticated, "Session is closed")

type callEvent struct {
	kind domain.CallEvent
	call domain.CallSession
}

// Controller runs the call state machine. Slots live in the Store; the
// controller keeps only call-UI handles, in-flight markers and tombstones
// of finished sessions.
//
// Port calls are made without holding mu. Work that must happen after a
// transition is returned as effects and run once mu is released.
type Controller struct {
	port     realtime.Port
	store    *Store
	launcher *callui.Launcher
	metrics  *metrics.Metrics
	graves   *cache.Tombstones
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	surface     callui.Surface
	ui          map[string]*callui.Session
	connectedAt map[string]time.Time
	accepting   map[string]struct{}
	binding     map[string]struct{}
	initiating  int
	parked      []callEvent
	closed      bool
}

// NewController creates a controller over store. m may be nil.
func NewController(port realtime.Port, store *Store, m *metrics.Metrics, tombstoneTTL time.Duration) *Controller {
	if tombstoneTTL <= 0 {
		tombstoneTTL = constants.TombstoneTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		port:        port,
		store:       store,
		launcher:    callui.NewLauncher(m),
		metrics:     m,
		graves:      cache.NewTombstones(tombstoneTTL, constants.MaxTombstones),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		ui:          make(map[string]*callui.Session),
		connectedAt: make(map[string]time.Time),
		accepting:   make(map[string]struct{}),
		binding:     make(map[string]struct{}),
	}
}

func run(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

// HandleCallEvent applies a normalized push event
func (c *Controller) HandleCallEvent(ev domain.CallEvent, cs domain.CallSession) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	// The push may overtake the InitiateCall response that introduces the session.
	if c.initiating > 0 && ev != domain.CallEventIncoming &&
		c.store.SlotOf(cs.SessionID) == SlotNone && !c.graves.Buried(cs.SessionID) {
		if len(c.parked) >= maxParked {
			c.parked = c.parked[1:]
			c.metrics.RecordPushDropped("park_overflow")
		}
		c.parked = append(c.parked, callEvent{kind: ev, call: cs})
		c.mu.Unlock()
		logger.Debug("Parked call event", logger.SessionID(cs.SessionID), zap.String("event", string(ev)))
		return
	}

	effects := c.applyLocked(ev, cs)
	c.mu.Unlock()
	run(effects)
}

func (c *Controller) applyLocked(ev domain.CallEvent, cs domain.CallSession) []func() {
	sid := cs.SessionID
	if c.graves.Buried(sid) {
		c.metrics.RecordPushDropped("tombstoned")
		logger.Debug("Dropped event for finished call", logger.SessionID(sid), zap.String("event", string(ev)))
		return nil
	}

	slot := c.store.SlotOf(sid)
	switch ev {
	case domain.CallEventIncoming:
		if slot != SlotNone || !c.store.AddIncoming(cs) {
			return nil
		}
	case domain.CallEventOutgoingAccepted:
		if slot != SlotOutgoing {
			return nil
		}
		cs.Status = domain.CallStatusOngoing
		effects, err := c.connectLocked(cs)
		if err != nil {
			logger.Info("Accepted call superseded the active one", logger.SessionID(sid), zap.Error(err))
		}
		c.metrics.RecordCallEvent(string(cs.CallType), string(ev))
		return effects
	case domain.CallEventOutgoingRejected:
		if slot != SlotOutgoing {
			return nil
		}
		c.metrics.RecordCallEvent(string(cs.CallType), string(ev))
		return c.terminateLocked(sid)
	case domain.CallEventIncomingCancelled:
		if slot != SlotIncoming {
			return nil
		}
		c.metrics.RecordCallEvent(string(cs.CallType), string(ev))
		return c.terminateLocked(sid)
	case domain.CallEventEnded:
		if slot == SlotNone {
			return nil
		}
		c.metrics.RecordCallEvent(string(cs.CallType), string(ev))
		return c.terminateLocked(sid)
	}

	c.metrics.RecordCallEvent(string(cs.CallType), string(ev))
	return nil
}

// connectLocked makes cs the active call. A different active call is
// ended and reported as CALL_SLOT_OCCUPIED.
func (c *Controller) connectLocked(cs domain.CallSession) ([]func(), error) {
	var effects []func()
	var occupied error

	if prev := c.store.Active(); prev != nil && prev.SessionID != cs.SessionID {
		prevID := prev.SessionID
		effects = append(effects, c.terminateLocked(prevID)...)
		effects = append(effects, func() { c.bestEffortEnd(prevID) })
		occupied = apperrors.CallSlotOccupiedError(prevID)
	}

	c.store.PlaceActive(cs)
	c.connectedAt[cs.SessionID] = c.now()
	c.metrics.CallConnected()
	logger.Info("Call connected", logger.SessionID(cs.SessionID), zap.String("call_type", string(cs.CallType)))

	effects = append(effects, func() { c.bind(cs) })
	return effects, occupied
}

// terminateLocked forgets sid everywhere and returns the UI release
func (c *Controller) terminateLocked(sid string) []func() {
	cs, slot := c.store.Call(sid)
	c.store.RemoveCall(sid)
	c.graves.Bury(sid)

	if slot == SlotActive {
		if at, ok := c.connectedAt[sid]; ok {
			c.metrics.CallDisconnected(string(cs.CallType), c.now().Sub(at))
			delete(c.connectedAt, sid)
		}
	}

	ui, ok := c.ui[sid]
	if !ok {
		return nil
	}
	delete(c.ui, sid)
	return []func(){func() {
		if err := ui.End(); err != nil {
			logger.Debug("Call UI release failed", logger.SessionID(sid), zap.Error(err))
		}
	}}
}

func (c *Controller) replayLocked() []func() {
	parked := c.parked
	c.parked = nil
	var effects []func()
	for _, ev := range parked {
		effects = append(effects, c.applyLocked(ev.kind, ev.call)...)
	}
	return effects
}

// Initiate places an outgoing call. An earlier outgoing call is cancelled
// and reported as CALL_SLOT_OCCUPIED alongside the new session.
func (c *Controller) Initiate(ctx context.Context, peerUID string, callType domain.CallType) (*domain.CallSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	c.initiating++
	c.mu.Unlock()

	cs, err := c.port.InitiateCall(ctx, peerUID, callType)

	c.mu.Lock()
	c.initiating--
	var effects []func()
	switch {
	case err != nil:
	case c.closed:
		sid := cs.SessionID
		effects = append(effects, func() { c.bestEffortReject(sid, domain.CallStatusCancelled) })
		err = errClosed
		cs = nil
	default:
		if prev := c.store.PlaceOutgoing(*cs); prev != nil && prev.SessionID != cs.SessionID {
			prevID := prev.SessionID
			c.graves.Bury(prevID)
			effects = append(effects, func() { c.bestEffortReject(prevID, domain.CallStatusCancelled) })
			err = apperrors.CallSlotOccupiedError(prevID)
		}
		c.metrics.RecordCallEvent(string(callType), "initiated")
	}
	if c.initiating == 0 {
		effects = append(effects, c.replayLocked()...)
	}
	c.mu.Unlock()

	run(effects)
	return cs, err
}

// Accept answers an incoming call
func (c *Controller) Accept(ctx context.Context, sid string) (*domain.CallSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	if c.store.SlotOf(sid) != SlotIncoming {
		c.mu.Unlock()
		return nil, apperrors.StaleSessionError(sid)
	}
	if _, busy := c.accepting[sid]; busy {
		c.mu.Unlock()
		return nil, apperrors.StaleSessionError(sid)
	}
	c.accepting[sid] = struct{}{}
	c.mu.Unlock()

	cs, err := c.port.AcceptCall(ctx, sid)

	c.mu.Lock()
	delete(c.accepting, sid)
	if err != nil {
		var effects []func()
		if isGone(err) {
			effects = c.terminateLocked(sid)
			err = apperrors.StaleSessionError(sid)
		}
		c.mu.Unlock()
		run(effects)
		return nil, err
	}
	if c.closed || c.store.SlotOf(sid) != SlotIncoming {
		// Cancelled while the accept was in flight.
		c.mu.Unlock()
		c.bestEffortEnd(sid)
		return nil, apperrors.StaleSessionError(sid)
	}
	effects, occupied := c.connectLocked(*cs)
	c.metrics.RecordCallEvent(string(cs.CallType), "accepted")
	c.mu.Unlock()

	run(effects)
	return cs, occupied
}

// Decline rejects an incoming call. On a port failure the offer stays so
// the user can try again.
func (c *Controller) Decline(ctx context.Context, sid string) error {
	if c.isClosed() {
		return errClosed
	}
	cs, slot := c.store.Call(sid)
	if slot != SlotIncoming {
		return apperrors.StaleSessionError(sid)
	}

	if err := c.port.RejectCall(ctx, sid, domain.CallStatusRejected); err != nil && !isGone(err) {
		return err
	}

	c.mu.Lock()
	var effects []func()
	if c.store.SlotOf(sid) == SlotIncoming {
		effects = c.terminateLocked(sid)
	}
	c.mu.Unlock()
	run(effects)

	c.metrics.RecordCallEvent(string(cs.CallType), "declined")
	return nil
}

// HangUp ends the active call, or cancels the outgoing one. Local state is
// cleared before the port is told.
func (c *Controller) HangUp(ctx context.Context) (*domain.CallSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}

	if active := c.store.Active(); active != nil {
		effects := c.terminateLocked(active.SessionID)
		c.mu.Unlock()
		run(effects)

		err := c.port.EndCall(ctx, active.SessionID)
		if isGone(err) {
			err = nil
		}
		return active, err
	}

	if outgoing := c.store.Outgoing(); outgoing != nil {
		effects := c.terminateLocked(outgoing.SessionID)
		c.mu.Unlock()
		run(effects)

		err := c.port.RejectCall(ctx, outgoing.SessionID, domain.CallStatusCancelled)
		if isGone(err) {
			err = nil
		}
		c.metrics.RecordCallEvent(string(outgoing.CallType), "cancelled")
		return outgoing, err
	}

	c.mu.Unlock()
	return nil, apperrors.New(apperrors.ErrCodeStaleSession, "No call to hang up")
}

// bind starts the call UI for a connected call. At most one bind per
// session is in flight, and every blocking step is followed by a check that
// the call is still the active one. Without a surface no token is fetched.
func (c *Controller) bind(cs domain.CallSession) {
	sid := cs.SessionID
	c.mu.Lock()
	if c.closed || c.store.SlotOf(sid) != SlotActive || c.ui[sid] != nil {
		c.mu.Unlock()
		return
	}
	if _, busy := c.binding[sid]; busy {
		c.mu.Unlock()
		return
	}
	if c.surface == nil {
		c.recordStatusOnlyLocked(cs)
		c.mu.Unlock()
		return
	}
	c.binding[sid] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.binding, sid)
		c.mu.Unlock()
	}()

	token, tokenErr := c.port.CallToken(c.ctx, sid)
	for {
		c.mu.Lock()
		if c.closed || c.store.SlotOf(sid) != SlotActive {
			c.mu.Unlock()
			return
		}
		if tokenErr != nil {
			c.mu.Unlock()
			c.metrics.RecordCallUIFailure("token")
			c.onUIError(sid, fmt.Errorf("call token: %w", tokenErr))
			return
		}
		surface := c.surface
		if surface == nil {
			c.recordStatusOnlyLocked(cs)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		spec := callui.LaunchSpec{
			SessionID: sid,
			CallType:  cs.CallType,
			Token:     token,
			PeerUID:   cs.Peer(c.store.SelfUID()),
		}
		ui, err := c.launcher.Start(c.ctx, spec, surface, callui.Hooks{
			OnEnded: c.onUIEnded,
			OnError: c.onUIError,
		})
		if err != nil {
			c.onUIError(sid, err)
			return
		}

		c.mu.Lock()
		if c.closed || c.store.SlotOf(sid) != SlotActive {
			c.mu.Unlock()
			_ = ui.End()
			logger.Debug("Call ended while its UI was starting", logger.SessionID(sid))
			return
		}
		if c.surface != surface {
			// Swapped mid-launch: move the UI to the current surface.
			c.mu.Unlock()
			_ = ui.End()
			continue
		}
		c.ui[sid] = ui
		c.mu.Unlock()
		return
	}
}

// recordStatusOnlyLocked notes in the timeline that the call connected with
// nowhere to render it
func (c *Controller) recordStatusOnlyLocked(cs domain.CallSession) {
	c.store.UpsertMessages(domain.Message{
		ID:             "local:" + cs.SessionID + ":connected",
		Text:           fmt.Sprintf("%s call connected without a display", cs.CallType),
		Kind:           domain.CallEventKind(cs.CallType),
		SenderUID:      cs.InitiatorUID,
		ReceiverUID:    cs.ReceiverUID,
		SentAt:         c.now().Unix(),
		DeliveryStatus: domain.DeliverySent,
		Metadata:       map[string]any{"session_id": cs.SessionID, "status_only": true},
	})
	c.metrics.RecordCallUIFailure("no_surface")
	logger.Info("Call connected without a surface", logger.SessionID(cs.SessionID))
}

func (c *Controller) onUIEnded(sid string) {
	c.teardown(sid)
}

func (c *Controller) onUIError(sid string, err error) {
	logger.Warn("Call UI failed", logger.SessionID(sid), zap.Error(err))
	c.teardown(sid)
}

// teardown clears sid locally then tells the port, best effort
func (c *Controller) teardown(sid string) {
	c.mu.Lock()
	delete(c.ui, sid)
	if c.store.SlotOf(sid) == SlotNone {
		c.mu.Unlock()
		return
	}
	effects := c.terminateLocked(sid)
	c.mu.Unlock()

	run(effects)
	c.bestEffortEnd(sid)
}

// ReportUI forwards what the surface reported about a running call UI. A
// nil cause means the UI ended normally.
func (c *Controller) ReportUI(sid string, cause error) error {
	ui, ok := c.launcher.Lookup(sid)
	if !ok {
		if cause != nil {
			// The UI died before it was registered; still tear the call down.
			c.metrics.RecordCallUIFailure("runtime")
			c.onUIError(sid, cause)
			return nil
		}
		return apperrors.StaleSessionError(sid)
	}
	if cause != nil {
		ui.Fail(cause)
	} else {
		ui.Ended()
	}
	return nil
}

// AttachSurface sets where call UIs render. A connected call without a UI
// is bound right away.
func (c *Controller) AttachSurface(s callui.Surface) {
	c.mu.Lock()
	c.surface = s
	active := c.store.Active()
	needsBind := !c.closed && active != nil && c.ui[active.SessionID] == nil
	c.mu.Unlock()

	if needsBind {
		c.bind(*active)
	}
}

// DetachSurface ends every call UI. Calls stay connected.
func (c *Controller) DetachSurface() {
	c.mu.Lock()
	c.surface = nil
	c.ui = make(map[string]*callui.Session)
	c.mu.Unlock()

	c.launcher.EndAll()
}

// Reset drops every call, ending the active and outgoing ones on the port
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	active, outgoing := c.store.Active(), c.store.Outgoing()
	var effects []func()
	for _, cs := range c.store.ClearCalls() {
		c.graves.Bury(cs.SessionID)
		delete(c.connectedAt, cs.SessionID)
	}
	for sid, ui := range c.ui {
		delete(c.ui, sid)
		effects = append(effects, func() { _ = ui.End() })
	}
	c.parked = nil
	c.mu.Unlock()

	run(effects)
	if active != nil {
		if err := c.port.EndCall(ctx, active.SessionID); err != nil && !isGone(err) {
			logger.Warn("Failed to end call on reset", logger.SessionID(active.SessionID), zap.Error(err))
		}
	}
	if outgoing != nil {
		if err := c.port.RejectCall(ctx, outgoing.SessionID, domain.CallStatusCancelled); err != nil && !isGone(err) {
			logger.Warn("Failed to cancel call on reset", logger.SessionID(outgoing.SessionID), zap.Error(err))
		}
	}
}

// Close stops the controller. Completions arriving later are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.parked = nil
	c.ui = make(map[string]*callui.Session)
	c.graves.Forget()
	c.mu.Unlock()

	c.cancel()
	c.launcher.EndAll()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) bestEffortEnd(sid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), constants.DefaultTimeout)
	defer cancel()
	if err := c.port.EndCall(ctx, sid); err != nil && !isGone(err) {
		logger.Warn("Best-effort end call failed", logger.SessionID(sid), zap.Error(err))
	}
}

func (c *Controller) bestEffortReject(sid string, reason domain.CallStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), constants.DefaultTimeout)
	defer cancel()
	if err := c.port.RejectCall(ctx, sid, reason); err != nil && !isGone(err) {
		logger.Warn("Best-effort reject call failed", logger.SessionID(sid), zap.Error(err))
	}
}

// isGone reports errors meaning the backend no longer tracks the call
func isGone(err error) bool {
	return apperrors.Is(err, apperrors.ErrCodeStaleSession) || apperrors.Is(err, apperrors.ErrCodeCallNotFound)
}
