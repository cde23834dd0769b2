package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"supportwidget-backend/internal/callui"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/session"
	"supportwidget-backend/pkg/constants"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
	"supportwidget-backend/pkg/sanitize"
)

// Inbound frame types
const (
	FrameStart            = "start"
	FrameRetryAuth        = "retry_auth"
	FrameSendText         = "send_text"
	FrameStartCall        = "start_call"
	FrameAnswer           = "answer"
	FrameDecline          = "decline"
	FrameHangUp           = "hang_up"
	FrameSwitch           = "switch_conversation"
	FrameRefresh          = "refresh_messages"
	FrameApplySettings    = "apply_settings"
	FrameCallUIEnded      = "call_ui_ended"
	FrameCallUIError      = "call_ui_error"
	FrameSurfaceMounted   = "surface_mounted"
	FrameSurfaceUnmounted = "surface_unmounted"
	FrameLogout           = "logout"
)

// Outbound frame types. Call UI frames use callui.FrameCallStart and
// callui.FrameCallStop.
const (
	FrameResult   = "result"
	FrameSnapshot = "snapshot"
)

var (
	errClientClosed   = errors.New("widget client closed")
	errSendBufferFull = errors.New("widget send buffer full")
)

// Inbound is one frame sent by the widget
type Inbound struct {
	// ID is echoed back on the result frame
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	CallType  string                 `json:"call_type,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	PeerUID   string                 `json:"peer_uid,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Settings  *domain.WidgetSettings `json:"settings,omitempty"`
}

// Outbound is one frame sent to the widget
type Outbound struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Op       string            `json:"op,omitempty"`
	Result   *session.Result   `json:"result,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

// Visitor identifies the browser behind a widget socket
type Visitor struct {
	ID          string
	UID         string
	DisplayName string
}

// SessionFactory builds the session core for one connection
type SessionFactory func(v Visitor) *session.Coordinator

// Presence tracks which visitors have a socket open
type Presence interface {
	SetOnline(ctx context.Context, uid string) error
	SetOffline(ctx context.Context, uid string) error
	Refresh(ctx context.Context, uid string) error
}

// WidgetHubConfig tunes a WidgetHub
type WidgetHubConfig struct {
	MaxConnections int
	// AllowedOrigins empty accepts any origin (development only)
	AllowedOrigins []string
	// OpTimeout bounds one session operation
	OpTimeout time.Duration
}

// WidgetHub serves widget sockets. Every connection owns one
// session.Coordinator and acts as its call UI surface.
type WidgetHub struct {
	newSession SessionFactory
	presence   Presence
	metrics    *metrics.Metrics
	cfg        WidgetHubConfig
	upgrader   websocket.Upgrader

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}

	mu      sync.Mutex
	clients map[*WidgetClient]struct{}
}

// WidgetClient is one connected widget
type WidgetClient struct {
	hub     *WidgetHub
	conn    *websocket.Conn
	send    chan []byte
	visitor Visitor
	coord   *session.Coordinator
	surface *callui.RemoteSurface

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWidgetHub creates a hub. presence and m may be nil.
func NewWidgetHub(newSession SessionFactory, presence Presence, m *metrics.Metrics, cfg WidgetHubConfig) *WidgetHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = constants.DefaultTimeout
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &WidgetHub{
		newSession: newSession,
		presence:   presence,
		metrics:    m,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				// An allow-list requires an explicit origin
				return allowed[r.Header.Get("Origin")]
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConnections),
		clients:   make(map[*WidgetClient]struct{}),
	}
}

// Connections returns the number of open widget sockets
func (h *WidgetHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS handles GET /ws/widget?visitor_id=...&uid=...&name=...
func (h *WidgetHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	acquired := true
	defer func() {
		if acquired {
			<-h.semaphore
		}
	}()

	visitorID := c.Query("visitor_id")
	if visitorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visitor_id required"})
		return
	}
	if _, err := uuid.Parse(visitorID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid visitor_id"})
		return
	}
	uid := c.Query("uid")
	if uid != "" && !sanitize.ValidUID(uid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return
	}
	visitor := Visitor{
		ID:          visitorID,
		UID:         uid,
		DisplayName: sanitize.DisplayName(c.Query("name")),
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("visitor_id", visitorID),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WidgetClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		visitor: visitor,
		ctx:     ctx,
		cancel:  cancel,
	}
	client.coord = h.newSession(visitor)
	client.surface = callui.NewRemoteSurface("ws:"+visitorID, client.enqueue)
	client.coord.AttachSurface(client.surface)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.WebSocketOpened()

	// The client releases the slot when it closes
	acquired = false

	go client.writePump()
	go client.watchPump()
	go client.readPump()
}

// CloseAll disconnects every widget and waits for their sessions to close
func (h *WidgetHub) CloseAll() {
	h.mu.Lock()
	clients := make([]*WidgetClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ApplySettings pushes s to every connected widget's session and returns
// how many took it
func (h *WidgetHub) ApplySettings(s domain.WidgetSettings) int {
	h.mu.Lock()
	clients := make([]*WidgetClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	applied := 0
	for _, c := range clients {
		if res := c.coord.ApplySettings(s); res.OK {
			applied++
		} else {
			logger.Debug("Widget rejected settings update",
				zap.String("visitor_id", c.visitor.ID),
				zap.String("code", string(res.Code)))
		}
	}
	return applied
}

// close tears the connection down once. Calls stay up on the backend so a
// reconnecting widget can pick them up.
func (c *WidgetClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.coord.Close(); err != nil {
			logger.Debug("Closing widget session failed", zap.String("visitor_id", c.visitor.ID), zap.Error(err))
		}
		_ = c.conn.Close()

		if c.hub.presence != nil {
			uid := c.uid()
			if uid != "" {
				ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
				if err := c.hub.presence.SetOffline(ctx, uid); err != nil {
					logger.Debug("Presence update failed", logger.UID(uid), zap.Error(err))
				}
				cancel()
			}
		}

		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		<-c.hub.semaphore
		c.hub.metrics.WebSocketClosed()
	})
}

func (c *WidgetClient) uid() string {
	if id := c.coord.Snapshot().Identity; id != nil {
		return id.UID
	}
	return ""
}

// enqueue hands a frame to writePump without blocking
func (c *WidgetClient) enqueue(b []byte) error {
	select {
	case <-c.ctx.Done():
		return errClientClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	default:
		c.hub.metrics.RecordWebSocketError("send_buffer_full")
		return errSendBufferFull
	}
}

func (c *WidgetClient) emit(out Outbound) {
	b, err := json.Marshal(out)
	if err != nil {
		logger.Error("Encoding widget frame failed", zap.String("type", out.Type), zap.Error(err))
		return
	}
	if err := c.enqueue(b); err != nil {
		logger.Debug("Dropping widget frame", zap.String("type", out.Type), zap.Error(err))
		return
	}
	c.hub.metrics.RecordWebSocketMessage(out.Type, "out")
}

// readPump starts the session and then feeds widget frames to it
func (c *WidgetClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(constants.MaxMessageLength * 4)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.refreshPresence()
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	c.handle(Inbound{Type: FrameStart})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("visitor_id", c.visitor.ID),
					zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("visitor_id", c.visitor.ID),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("malformed")
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(in.Type, "in")
		c.handle(in)
	}
}

// handle runs one frame and replies with its result
func (c *WidgetClient) handle(in Inbound) {
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.OpTimeout)
	defer cancel()

	res := c.dispatch(ctx, in)
	c.emit(Outbound{Type: FrameResult, ID: in.ID, Op: in.Type, Result: &res})

	if (in.Type == FrameStart || in.Type == FrameRetryAuth) && res.OK {
		c.setOnline()
	}
}

func (c *WidgetClient) dispatch(ctx context.Context, in Inbound) session.Result {
	switch in.Type {
	case FrameStart:
		return c.coord.Start(ctx)
	case FrameRetryAuth:
		return c.coord.Retry(ctx)
	case FrameSendText:
		return c.coord.SendText(ctx, in.Text)
	case FrameStartCall:
		return c.coord.StartCall(ctx, in.CallType)
	case FrameAnswer:
		return c.coord.Answer(ctx, in.SessionID)
	case FrameDecline:
		return c.coord.Decline(ctx, in.SessionID)
	case FrameHangUp:
		return c.coord.HangUp(ctx)
	case FrameSwitch:
		return c.coord.SwitchConversation(ctx, in.PeerUID)
	case FrameRefresh:
		return c.coord.RefreshMessages(ctx)
	case FrameApplySettings:
		if in.Settings == nil {
			return invalid(apperrors.MissingFieldError("settings"))
		}
		return c.coord.ApplySettings(*in.Settings)
	case FrameCallUIEnded:
		return c.coord.ReportCallUI(in.SessionID, nil)
	case FrameCallUIError:
		cause := in.Error
		if cause == "" {
			cause = "call UI failed"
		}
		return c.coord.ReportCallUI(in.SessionID, errors.New(cause))
	case FrameSurfaceMounted:
		return c.coord.AttachSurface(c.surface)
	case FrameSurfaceUnmounted:
		return c.coord.DetachSurface()
	case FrameLogout:
		return c.coord.Logout(ctx)
	default:
		return invalid(apperrors.ValidationError("Unknown frame type " + in.Type))
	}
}

func invalid(err *apperrors.AppError) session.Result {
	return session.Result{Code: err.Code, Detail: err.Message}
}

// watchPump streams store snapshots until the session closes
func (c *WidgetClient) watchPump() {
	updates, stop := c.coord.Watch()
	defer stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			c.emit(Outbound{Type: FrameSnapshot, Snapshot: &snap})
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive
func (c *WidgetClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.metrics.RecordWebSocketError("write")
				go c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.close()
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *WidgetClient) setOnline() {
	if c.hub.presence == nil {
		return
	}
	if uid := c.uid(); uid != "" {
		if err := c.hub.presence.SetOnline(c.ctx, uid); err != nil {
			logger.Debug("Presence update failed", logger.UID(uid), zap.Error(err))
		}
	}
}

func (c *WidgetClient) refreshPresence() {
	if c.hub.presence == nil {
		return
	}
	if uid := c.uid(); uid != "" {
		if err := c.hub.presence.Refresh(c.ctx, uid); err != nil {
			logger.Debug("Presence refresh failed", logger.UID(uid), zap.Error(err))
		}
	}
}
