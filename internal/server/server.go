package server

import (
	"context"
	"net/http"
	"time"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/handler"
	"github.com/apitrail/apitrail/internal/middleware"
	"github.com/apitrail/apitrail/internal/pkg/logger"
	"github.com/apitrail/apitrail/internal/proxy"
	"github.com/apitrail/apitrail/internal/repository"
	"github.com/apitrail/apitrail/internal/service"
	"github.com/apitrail/apitrail/internal/storage"
	"github.com/apitrail/apitrail/internal/tracking"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router           *gin.Engine
	config           *config.Config
	redis            *storage.RedisClient
	postgres         *storage.Postgres
	trackingService  *service.TrackingService
	authService      *service.AuthService
	authHandler      *handler.AuthHandler
	analyticsHandler *handler.AnalyticsHandler
	upstream         *proxy.Proxy
	httpServer       *http.Server
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	logRepo := repository.NewRequestLogRepository(postgres)
	recentCache := repository.NewRecentLogCache(redis, cfg.Tracking.RecentListMax)
	trackingService := service.NewTrackingService(logRepo, recentCache, cfg.Tracking)
	builder := tracking.NewBuilder(cfg.Tracking, trackingService)

	userRepo := repository.NewUserRepository(postgres)
	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours)

	analyticsService := service.NewAnalyticsService(logRepo)

	s := &Server{
		router:           router,
		config:           cfg,
		redis:            redis,
		postgres:         postgres,
		trackingService:  trackingService,
		authService:      authService,
		authHandler:      handler.NewAuthHandler(authService),
		analyticsHandler: handler.NewAnalyticsHandler(analyticsService, recentCache),
	}

	if cfg.Upstream.Target != "" {
		upstream, err := proxy.New(cfg.Upstream.Target)
		if err != nil {
			return nil, err
		}
		s.upstream = upstream
	}

	s.setupMiddleware(builder)
	s.setupRoutes()

	// Background retention pruning
	go s.runRetention(analyticsService)

	return s, nil
}

func (s *Server) setupMiddleware(builder *tracking.Builder) {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Tracker(builder))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RateLimit(s.redis, s.config.Tracking.AdminRateLimit))
	admin.Use(middleware.RequireAuth(s.authService))
	{
		admin.GET("/analytics", s.analyticsHandler.GetSummary)
		admin.GET("/analytics/timeseries", s.analyticsHandler.GetTimeSeries)
		admin.GET("/logs", s.analyticsHandler.GetLogs)
		admin.GET("/logs/recent", s.analyticsHandler.GetRecentLogs)
		admin.DELETE("/logs", s.analyticsHandler.Cleanup)
	}

	if s.upstream != nil {
		s.router.NoRoute(func(c *gin.Context) {
			s.upstream.Handle(c)
		})
		logger.Info("forwarding unmatched routes to upstream", "target", s.config.Upstream.Target)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	redisHealthy := true
	if err := s.redis.Ping(c.Request.Context()); err != nil {
		redisHealthy = false
		logger.Warn("redis health check failed", "error", err)
	}

	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		logger.Warn("database health check failed", "error", err)
	}

	status := "healthy"
	statusCode := http.StatusOK

	if !redisHealthy || !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "apitrail",
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
		},
	})
}

func (s *Server) runRetention(analytics *service.AnalyticsService) {
	retentionDays := s.config.Tracking.RetentionDays
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		deleted, err := analytics.CleanupOldLogs(ctx, retentionDays)
		cancel()

		if err != nil {
			logger.Error("request log retention cleanup failed", "error", err)
		} else if deleted > 0 {
			logger.Info("pruned old request logs", "deleted", deleted)
		}
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	logger.Info("starting apitrail", "addr", addr, "environment", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	// Flush any queued log entries before exiting
	s.trackingService.Close()

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
