package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"supportwidget-backend/internal/database"
	widgetHandler "supportwidget-backend/internal/handler/http/widget"
	wsHandler "supportwidget-backend/internal/handler/ws"
	"supportwidget-backend/internal/middleware"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/internal/realtime/redisport"
	redisRepo "supportwidget-backend/internal/repository/redis"
	"supportwidget-backend/internal/session"
	"supportwidget-backend/pkg/config"
	"supportwidget-backend/pkg/constants"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
	"supportwidget-backend/pkg/resilience"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatal("Widget gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	production := cfg.Server.Environment == "production"
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 4. Redis with degraded mode support
	redisDB := database.NewRedisDB(cfg.Redis, appMetrics)
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis not reachable at startup, running degraded", zap.Error(err))
	} else {
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	}

	if missing := cfg.Realtime.Missing(); len(missing) > 0 {
		logger.Warn("Realtime service not configured, widget sessions will report not_configured",
			zap.Strings("missing", missing))
	}

	// 5. Repositories and the shared realtime breaker
	credentials := redisRepo.NewCredentialRepository(redisDB, cfg.Session.CredentialTTL)
	presence := redisRepo.NewPresenceRepository(redisDB)

	breakerCfg := resilience.DefaultConfig("realtime")
	breakerCfg.Registerer = appMetrics.Registry()
	breaker := realtime.NewBreaker(breakerCfg)

	realtimeCfg := realtime.Config{
		AppID:   cfg.Realtime.AppID,
		Region:  cfg.Realtime.Region,
		AuthKey: cfg.Realtime.AuthKey,
	}

	// 6. Handlers. Sessions only start once the server runs, after
	// widgetHdlr is set.
	var widgetHdlr *widgetHandler.Handler

	newSession := func(v wsHandler.Visitor) *session.Coordinator {
		port := redisport.New(redisport.Options{
			Redis:           redisDB,
			Presence:        presence,
			TokenSecret:     cfg.Realtime.TokenSecret,
			AuthTokenExpiry: cfg.Realtime.AuthTokenExpiry,
			CallTokenExpiry: cfg.Realtime.CallTokenExpiry,
			RingTimeout:     cfg.Realtime.RingTimeout,
		})
		uid := v.UID
		if uid == "" {
			uid = "visitor-" + v.ID
		}
		return session.NewCoordinator(session.Options{
			Port:           realtime.WithBreaker(port, breaker),
			Realtime:       realtimeCfg,
			Credentials:    credentials.ForVisitor(v.ID),
			Settings:       widgetHdlr.Settings(),
			Metrics:        appMetrics,
			UID:            uid,
			DisplayName:    v.DisplayName,
			DefaultPeerUID: cfg.Session.DefaultPeerUID,
			PageSize:       cfg.Session.PageSize,
			TombstoneTTL:   cfg.Session.TombstoneTTL,
		})
	}

	hub := wsHandler.NewWidgetHub(newSession, presence, appMetrics, wsHandler.WidgetHubConfig{
		MaxConnections: cfg.WebSocket.MaxConnections,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		OpTimeout:      cfg.Realtime.CallTimeout,
	})
	widgetHdlr = widgetHandler.NewHandler(widgetHandler.Options{
		ServiceName: cfg.Server.ServiceName,
		Settings:    cfg.Widget,
		Redis:       redisDB,
		Breaker:     breaker,
		Sockets:     hub,
		Live:        hub,
		Missing:     cfg.Realtime.Missing,
	})

	connectLimiter := middleware.NewRateLimiter(redisDB, "ws_connect", cfg.Server.ConnectRateLimit, time.Minute)

	// 7. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", widgetHdlr.Health)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))
	router.GET("/ws/widget", connectLimiter.Middleware(), hub.ServeWS)

	v1 := router.Group("/v1")
	v1.Use(middleware.SecurityHeaders(production))
	v1.Use(middleware.CORSMiddleware(cfg.WebSocket.AllowedOrigins))
	{
		v1.GET("/widget/settings", widgetHdlr.GetSettings)
		v1.OPTIONS("/widget/settings", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminToken(cfg.Server.AdminToken))
		admin.PUT("/widget/settings", widgetHdlr.UpdateSettings)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Run server and background loops until a signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		redisDB.StartHealthCheck(gctx, 10*time.Second)
		return nil
	})

	if cfg.Realtime.AppID != "" {
		sweeper := redisport.NewRingSweeper(redisDB, cfg.Realtime.AppID)
		g.Go(func() error {
			return sweeper.Run(gctx, constants.RingSweepInterval)
		})
	}

	g.Go(func() error {
		logger.Info("Widget gateway starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down widget gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()

		// Hijacked sockets are not tracked by Shutdown
		hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
