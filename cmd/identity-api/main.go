package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/reachforge/identity-api/api/swagger"
	"github.com/reachforge/identity-api/internal/handler"
	"github.com/reachforge/identity-api/internal/middleware"
	"github.com/reachforge/identity-api/internal/repository"
	"github.com/reachforge/identity-api/internal/service"
	"github.com/reachforge/identity-api/pkg/cache"
	"github.com/reachforge/identity-api/pkg/config"
	"github.com/reachforge/identity-api/pkg/database"
	"github.com/reachforge/identity-api/pkg/logger"
	corsmiddleware "github.com/reachforge/identity-api/pkg/middleware/cors"
	reqidmiddleware "github.com/reachforge/identity-api/pkg/middleware/requestid"
)

// @title Identity API
// @version 1.0.0
// @description Session and token lifecycle service
// @BasePath /api
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	issuer, err := service.NewTokenIssuer(cfg.JWT)
	if err != nil {
		// A missing signing secret must kill the process, not individual calls.
		logr.Sugar().Fatalw("failed to init token issuer", "error", err)
	}

	var throttleRepo service.ThrottleRepository
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, login throttling disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		throttleRepo = repository.NewCacheRepository(redisClient, logr)
	}

	userRepo := repository.NewUserRepository(db)
	credRepo := repository.NewCredentialRepository(db)

	metricsSvc := service.NewMetricsService()
	throttle := service.NewLoginThrottle(throttleRepo, cfg.Auth.MaxLoginAttempts, cfg.Auth.LoginAttemptTTL, logr)
	authSvc := service.NewAuthService(userRepo, credRepo, issuer, throttle, nil, logr, metricsSvc, service.AuthPolicy{
		StrictDeviceCheck: cfg.Auth.StrictDeviceCheck,
	})

	cleanupSvc := service.NewCleanupService(credRepo, cfg.Retention, logr, metricsSvc)
	cleanupSvc.Start(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	{
		auth.POST("/signup", authHandler.Signup)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		protected := auth.Group("")
		protected.Use(middleware.JWT(issuer))
		protected.Use(middleware.SessionGuard(authSvc))
		{
			protected.POST("/logout", authHandler.Logout)
			protected.POST("/logout-all", authHandler.LogoutAll)
			protected.GET("/me", authHandler.Me)
			protected.GET("/sessions", authHandler.Sessions)
			protected.GET("/activity", authHandler.Activity)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
