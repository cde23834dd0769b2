package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"supportwidget-backend/internal/callui"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/pkg/constants"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
)

// Options configure a Coordinator
type Options struct {
	Port        realtime.Port
	Realtime    realtime.Config
	Credentials CredentialStore
	Settings    domain.WidgetSettings
	Metrics     *metrics.Metrics

	// UID of the visitor. Empty falls back to the persisted user id.
	UID         string
	DisplayName string
	// DefaultPeerUID is the conversation opened when the visitor has none.
	DefaultPeerUID string
	PageSize       int
	TombstoneTTL   time.Duration
}

// Result is what every public operation returns. Errors are values here,
// never panics.
type Result struct {
	OK      bool                `json:"ok"`
	Code    apperrors.ErrorCode `json:"code,omitempty"`
	Detail  string              `json:"detail,omitempty"`
	Retry   bool                `json:"retry,omitempty"`
	Session *domain.CallSession `json:"session,omitempty"`
	Sent    *domain.Message     `json:"sent,omitempty"`
	Draft   string              `json:"draft,omitempty"`
}

// resultOf converts err. Stale sessions and superseded calls still count as
// success.
func resultOf(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	appErr := apperrors.GetAppError(err)
	r := Result{Code: appErr.Code, Detail: appErr.Message, Retry: appErr.Retryable()}
	switch appErr.Code {
	case apperrors.ErrCodeStaleSession, apperrors.ErrCodeCallSlotOccupied:
		r.OK = true
	}
	return r
}

// Coordinator is the composition root of one widget session
type Coordinator struct {
	opts       Options
	store      *Store
	controller *Controller
	dispatcher *Dispatcher

	// lifecycle serializes Start, Retry, Logout and Close
	lifecycle sync.Mutex
	closed    bool
}

// NewCoordinator wires store, controller and dispatcher around opts.Port
func NewCoordinator(opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = constants.MessagePageSize
	}
	if opts.Credentials == nil {
		opts.Credentials = NewMemoryCredentialStore()
	}

	store := NewStore(opts.Settings)
	controller := NewController(opts.Port, store, opts.Metrics, opts.TombstoneTTL)
	return &Coordinator{
		opts:       opts,
		store:      store,
		controller: controller,
		dispatcher: NewDispatcher(opts.Port, store, controller, opts.Metrics),
	}
}

// guard runs op and turns a panic into an INTERNAL_ERROR result
func (c *Coordinator) guard(name string, op func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in session operation",
				zap.String("operation", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			res = Result{Code: apperrors.ErrCodeInternal, Detail: "internal error"}
		}
	}()
	if c.isClosed() {
		return resultOf(errClosed)
	}
	return op()
}

// ready rejects operations that need a signed-in session
func (c *Coordinator) ready() error {
	switch c.store.Phase() {
	case PhaseReady:
		return nil
	case PhaseNotConfigured:
		return apperrors.NotConfiguredError()
	case PhaseUnavailable:
		return apperrors.ServiceUnavailableError("Realtime service unavailable", nil)
	default:
		return apperrors.NotAuthenticatedError()
	}
}

func (c *Coordinator) isClosed() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.closed
}

// Start runs initialize, authenticate, hydrate, subscribe in that order
func (c *Coordinator) Start(ctx context.Context) Result {
	return c.guard("start", func() Result {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		return c.startLocked(ctx)
	})
}

// Retry runs startup again after a failure
func (c *Coordinator) Retry(ctx context.Context) Result {
	return c.guard("retry", func() Result {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		if c.store.Phase() == PhaseReady {
			return Result{OK: true}
		}
		return c.startLocked(ctx)
	})
}

func (c *Coordinator) startLocked(ctx context.Context) Result {
	if err := c.opts.Port.Initialize(ctx, c.opts.Realtime); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotConfigured) {
			c.store.SetPhase(PhaseNotConfigured)
		} else {
			c.store.SetPhase(PhaseUnavailable)
		}
		logger.Warn("Realtime initialization failed", zap.Error(err))
		return resultOf(err)
	}

	identity, err := c.authenticate(ctx)
	if err != nil {
		c.store.SetPhase(PhaseAuthFailed)
		return resultOf(err)
	}
	c.store.SetIdentity(identity)

	if err := c.hydrate(ctx, ""); err != nil {
		logger.Warn("Conversation hydration failed", logger.UID(identity.UID), zap.Error(err))
	}

	if err := c.dispatcher.Restart(ctx); err != nil {
		c.store.SetPhase(PhaseUnavailable)
		logger.Warn("Push subscription failed", logger.UID(identity.UID), zap.Error(err))
		return resultOf(err)
	}

	c.store.SetPhase(PhaseReady)
	logger.Info("Widget session ready", logger.UID(identity.UID), zap.String("peer_uid", c.store.PeerUID()))
	return Result{OK: true}
}

// authenticate prefers the cached token. A rejected token is cleared and
// the auth key is tried exactly once.
func (c *Coordinator) authenticate(ctx context.Context) (*domain.Identity, error) {
	token, storedUID, err := c.opts.Credentials.Load(ctx)
	if err != nil {
		logger.Warn("Loading cached credentials failed", zap.Error(err))
		token, storedUID = "", ""
	}

	uid := c.opts.UID
	if uid == "" {
		uid = storedUID
	}
	if uid == "" {
		return nil, apperrors.MissingFieldError("uid")
	}

	if token != "" && storedUID == uid {
		res, err := c.opts.Port.Authenticate(ctx, uid, realtime.Credential{AuthToken: token})
		c.opts.Metrics.RecordAuthAttempt("token", err == nil)
		if err == nil {
			return &res.Identity, nil
		}
		if !apperrors.Is(err, apperrors.ErrCodeAuth) && !apperrors.Is(err, apperrors.ErrCodeNotAuthenticated) {
			return nil, err
		}
		logger.Info("Cached auth token rejected, using auth key", logger.UID(uid))
		if err := c.opts.Credentials.Clear(ctx); err != nil {
			logger.Warn("Clearing stale credentials failed", zap.Error(err))
		}
	}

	res, err := c.opts.Port.Authenticate(ctx, uid, realtime.Credential{
		AuthKey:     c.opts.Realtime.AuthKey,
		DisplayName: c.opts.DisplayName,
	})
	c.opts.Metrics.RecordAuthAttempt("auth_key", err == nil)
	if err != nil {
		return nil, err
	}
	if err := c.opts.Credentials.Save(ctx, res.AuthToken, uid); err != nil {
		logger.Warn("Saving credentials failed", zap.Error(err))
	}
	return &res.Identity, nil
}

// hydrate loads the message page for peer, or for the most recent
// conversation when peer is empty
func (c *Coordinator) hydrate(ctx context.Context, peer string) error {
	if peer == "" {
		convs, err := c.opts.Port.FetchRecentConversations(ctx, constants.RecentConversationLimit)
		if err != nil {
			return err
		}
		if len(convs) > 0 {
			peer = convs[0].PeerUID
		} else {
			peer = c.opts.DefaultPeerUID
		}
	}
	if peer == "" {
		return nil
	}

	msgs, err := c.opts.Port.FetchMessages(ctx, peer, c.opts.PageSize)
	if err != nil {
		return err
	}
	c.store.LoadConversation(peer, msgs)

	if err := c.opts.Port.MarkConversationRead(ctx, peer); err != nil {
		logger.Debug("Mark conversation read failed", zap.String("peer_uid", peer), zap.Error(err))
	}
	return nil
}

// SendText sends text to the active conversation. A failure hands the text
// back in Draft.
func (c *Coordinator) SendText(ctx context.Context, text string) Result {
	res := c.guard("send_text", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		if strings.TrimSpace(text) == "" {
			return resultOf(apperrors.ValidationError("Message text is empty"))
		}
		peer := c.store.PeerUID()
		if peer == "" {
			return resultOf(apperrors.ValidationError("No active conversation"))
		}

		msg, err := c.opts.Port.SendMessage(ctx, peer, text)
		if err != nil {
			c.opts.Metrics.RecordMessageSent("failed")
			return resultOf(err)
		}
		c.store.UpsertMessages(*msg)
		c.opts.Metrics.RecordMessageSent("ok")
		return Result{OK: true, Sent: msg}
	})
	if !res.OK {
		res.Draft = text
	}
	return res
}

// StartCall calls the active conversation's peer
func (c *Coordinator) StartCall(ctx context.Context, kind string) Result {
	return c.guard("start_call", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		callType, err := domain.ParseCallType(kind)
		if err != nil {
			return resultOf(apperrors.ValidationError(err.Error()))
		}
		peer := c.store.PeerUID()
		if peer == "" {
			return resultOf(apperrors.ValidationError("No active conversation"))
		}

		cs, err := c.controller.Initiate(ctx, peer, callType)
		res := resultOf(err)
		res.Session = cs
		return res
	})
}

// Answer accepts an incoming call
func (c *Coordinator) Answer(ctx context.Context, sessionID string) Result {
	return c.guard("answer", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		cs, err := c.controller.Accept(ctx, sessionID)
		res := resultOf(err)
		res.Session = cs
		return res
	})
}

// Decline rejects an incoming call
func (c *Coordinator) Decline(ctx context.Context, sessionID string) Result {
	return c.guard("decline", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		return resultOf(c.controller.Decline(ctx, sessionID))
	})
}

// HangUp ends the active call or cancels the outgoing one
func (c *Coordinator) HangUp(ctx context.Context) Result {
	return c.guard("hang_up", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		cs, err := c.controller.HangUp(ctx)
		res := resultOf(err)
		res.Session = cs
		return res
	})
}

// ReportCallUI forwards the surface's report that a call UI ended (cause
// nil) or failed
func (c *Coordinator) ReportCallUI(sessionID string, cause error) Result {
	return c.guard("report_call_ui", func() Result {
		return resultOf(c.controller.ReportUI(sessionID, cause))
	})
}

// SwitchConversation loads peer's messages and makes it the active
// conversation
func (c *Coordinator) SwitchConversation(ctx context.Context, peer string) Result {
	return c.guard("switch_conversation", func() Result {
		if peer == "" {
			return resultOf(apperrors.MissingFieldError("peer_uid"))
		}
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		return resultOf(c.hydrate(ctx, peer))
	})
}

// RefreshMessages reloads the active conversation's message page
func (c *Coordinator) RefreshMessages(ctx context.Context) Result {
	return c.guard("refresh_messages", func() Result {
		if err := c.ready(); err != nil {
			return resultOf(err)
		}
		return resultOf(c.hydrate(ctx, c.store.PeerUID()))
	})
}

// ApplySettings replaces the widget settings
func (c *Coordinator) ApplySettings(s domain.WidgetSettings) Result {
	return c.guard("apply_settings", func() Result {
		switch s.ChatPriority {
		case "", domain.PriorityAI, domain.PriorityHuman:
		default:
			return resultOf(apperrors.ValidationError(fmt.Sprintf("Unknown chat priority %q", s.ChatPriority)))
		}
		c.store.SetSettings(s)
		return Result{OK: true}
	})
}

// AttachSurface sets the display surface for call UIs
func (c *Coordinator) AttachSurface(s callui.Surface) Result {
	return c.guard("attach_surface", func() Result {
		c.controller.AttachSurface(s)
		return Result{OK: true}
	})
}

// DetachSurface ends every call UI
func (c *Coordinator) DetachSurface() Result {
	return c.guard("detach_surface", func() Result {
		c.controller.DetachSurface()
		return Result{OK: true}
	})
}

// Logout ends calls, drops the subscription, clears the persisted
// credentials and forgets the identity
func (c *Coordinator) Logout(ctx context.Context) Result {
	return c.guard("logout", func() Result {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()

		c.controller.Reset(ctx)
		if err := c.dispatcher.Stop(); err != nil {
			logger.Warn("Closing subscription failed", zap.Error(err))
		}
		if err := c.opts.Credentials.Clear(ctx); err != nil {
			logger.Warn("Clearing credentials failed", zap.Error(err))
		}
		err := c.opts.Port.Logout(ctx)
		c.store.Reset(PhaseLoggedOut)
		return resultOf(err)
	})
}

// Snapshot copies the current state
func (c *Coordinator) Snapshot() Snapshot {
	return c.store.Snapshot()
}

// Watch streams snapshots; see Store.Watch
func (c *Coordinator) Watch() (<-chan Snapshot, func()) {
	return c.store.Watch()
}

// Close ends call UIs, closes the subscription and makes every later
// operation a no-op. Calls stay up on the backend.
func (c *Coordinator) Close() error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()

	c.controller.Close()
	err := c.dispatcher.Stop()
	c.store.SetPhase(PhaseClosed)
	c.store.CloseWatchers()
	return err
}
