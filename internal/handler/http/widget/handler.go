package widget

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/resilience"
	"supportwidget-backend/pkg/response"
)

// RedisHealth pings Redis. A failed ping also flips the client into
// degraded mode.
type RedisHealth interface {
	HealthCheck(ctx context.Context) error
}

// BreakerState reports the realtime circuit breaker state
type BreakerState interface {
	State() resilience.CircuitBreakerState
}

// ConnectionCounter reports open widget sockets
type ConnectionCounter interface {
	Connections() int
}

// SettingsBroadcaster hands updated settings to live widget sessions
type SettingsBroadcaster interface {
	ApplySettings(s domain.WidgetSettings) int
}

// Handler serves widget settings and gateway health
type Handler struct {
	serviceName string
	redis       RedisHealth
	breaker     BreakerState
	sockets     ConnectionCounter
	live        SettingsBroadcaster
	configured  func() []string

	mu       sync.RWMutex
	settings domain.WidgetSettings
}

// Options configure a Handler. Every dependency except Settings may be nil.
type Options struct {
	ServiceName string
	Settings    domain.WidgetSettings
	Redis       RedisHealth
	Breaker     BreakerState
	Sockets     ConnectionCounter
	// Live receives every accepted update
	Live SettingsBroadcaster
	// Missing lists the realtime credentials that are not set
	Missing func() []string
}

// NewHandler creates a new widget handler
func NewHandler(opts Options) *Handler {
	return &Handler{
		serviceName: opts.ServiceName,
		redis:       opts.Redis,
		breaker:     opts.Breaker,
		sockets:     opts.Sockets,
		live:        opts.Live,
		configured:  opts.Missing,
		settings:    opts.Settings,
	}
}

// SettingsResponse is the settings document plus what the widget derives
// from it
type SettingsResponse struct {
	Settings    domain.WidgetSettings `json:"settings"`
	InitialPage domain.Page           `json:"initial_page"`
	AIPriority  bool                  `json:"ai_priority"`
}

// Settings returns the settings new sessions start with
func (h *Handler) Settings() domain.WidgetSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// GetSettings returns the widget settings
// GET /v1/widget/settings
func (h *Handler) GetSettings(c *gin.Context) {
	s := h.Settings()
	response.Success(c, http.StatusOK, SettingsResponse{
		Settings:    s,
		InitialPage: s.InitialPage(),
		AIPriority:  s.IsAIPriority(),
	})
}

// UpdateSettings replaces the widget settings and pushes them to connected
// widgets
// PUT /v1/admin/widget/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req domain.WidgetSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	switch req.ChatPriority {
	case "", domain.PriorityAI, domain.PriorityHuman:
	default:
		response.ValidationError(c, "chat_priority must be ai or human")
		return
	}

	h.mu.Lock()
	h.settings = req
	h.mu.Unlock()

	applied := 0
	if h.live != nil {
		applied = h.live.ApplySettings(req)
	}

	logger.Info("Widget settings updated",
		zap.String("chat_priority", req.ChatPriority),
		zap.Bool("email_capture", req.EmailCapture),
		zap.Int("live_sessions", applied),
	)
	response.Success(c, http.StatusOK, SettingsResponse{
		Settings:    req,
		InitialPage: req.InitialPage(),
		AIPriority:  req.IsAIPriority(),
	})
}

// Health reports whether the gateway can serve widgets. An open breaker or
// missing realtime credentials answer 200 with status "degraded"; only a
// failed Redis ping is 503.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	body := gin.H{
		"service": h.serviceName,
		"time":    time.Now().UTC(),
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := h.redis.HealthCheck(ctx)
		cancel()
		if err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			body["redis"] = "down"
		} else {
			body["redis"] = "up"
		}
	}

	if h.breaker != nil {
		state := h.breaker.State()
		body["realtime_breaker"] = state
		if state != resilience.CircuitBreakerClosed && code == http.StatusOK {
			status = "degraded"
		}
	}

	if h.configured != nil {
		if missing := h.configured(); len(missing) > 0 {
			body["realtime_missing"] = missing
			if code == http.StatusOK {
				status = "degraded"
			}
		}
	}

	if h.sockets != nil {
		body["widget_connections"] = h.sockets.Connections()
	}

	body["status"] = status
	c.JSON(code, body)
}
