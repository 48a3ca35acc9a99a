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
	"go.uber.org/multierr"
	"go.uber.org/zap"

	intDatabase "callsignal-backend/internal/database"
	callHandler "callsignal-backend/internal/handler/http/call"
	presenceHandler "callsignal-backend/internal/handler/http/presence"
	wsHandler "callsignal-backend/internal/handler/ws"
	"callsignal-backend/internal/middleware"
	redisRepo "callsignal-backend/internal/repository/redis"
	callService "callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/jwt"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Redis with degraded mode support
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics)
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	// 3. JWT
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)

	// 4. Signaling channel, registry and dispatcher
	signalingHub := wsHandler.NewSignalingHub(cfg.WebSocket, appMetrics, presenceRepo)
	registry := callService.NewRegistry(cfg.Call, signalingHub, appMetrics)
	callSvc := callService.NewService(registry, signalingHub, appMetrics)
	signalingHub.SetReceiver(callSvc)

	// 5. Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	presenceHdlr := presenceHandler.NewHandler(signalingHub, presenceRepo)

	// 6. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatal("Invalid trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.WebSocket.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if presenceRepo.IsDegraded() {
			status = "degraded"
		}
		body := gin.H{
			"status":       status,
			"service":      cfg.Server.ServiceName,
			"active_calls": registry.ActiveCount(),
			"connections":  signalingHub.ConnectionCount(),
			"time":         time.Now().UTC(),
		}
		if online, err := presenceRepo.GetOnlineCount(c.Request.Context()); err == nil {
			body["online_users"] = online
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	rateLimiter := middleware.NewRateLimiter(redisDB, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)

	// Browsers cannot set headers on the upgrade request
	router.GET("/ws",
		middleware.AuthMiddleware(jwtManager, revocationChecker, true),
		rateLimiter.Middleware(),
		signalingHub.ServeWS,
	)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker, false))
	v1.Use(rateLimiter.Middleware())
	{
		v1.GET("/calls/active", callHdlr.GetActiveCall)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.POST("/calls/:id/end", callHdlr.EndCall)

		v1.GET("/presence/:user_id", presenceHdlr.GetPresence)
	}

	// 7. Server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down signaling service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then end calls while their parties can
	// still be told, then drop the sockets.
	shutdownErr := server.Shutdown(shutdownCtx)
	shutdownErr = multierr.Append(shutdownErr, registry.Close(shutdownCtx))
	signalingHub.Close()
	shutdownErr = multierr.Append(shutdownErr, redisDB.Close())

	if shutdownErr != nil {
		logger.Error("Shutdown completed with errors", zap.Error(shutdownErr))
		return
	}
	logger.Info("Signaling service stopped")
}
