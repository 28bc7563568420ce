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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/neteye/codocs/cmd/server/internal/api"
	"github.com/neteye/codocs/cmd/server/internal/audit"
	"github.com/neteye/codocs/cmd/server/internal/config"
	"github.com/neteye/codocs/cmd/server/internal/documents"
	"github.com/neteye/codocs/cmd/server/internal/middleware"
	"github.com/neteye/codocs/cmd/server/internal/presence"
	"github.com/neteye/codocs/cmd/server/internal/users"
	"github.com/neteye/codocs/cmd/server/internal/ws"
	"github.com/neteye/codocs/pkg/logger"
)

func main() {
	logInstance, err := logger.Init(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: os.Getenv("ENV"),
		WithSource:  os.Getenv("ENV") != "production",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "collab-server")

	cfg, err := config.LoadConfig()
	if err != nil {
		appLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Redis：在线状态、连接计数、限流与跨实例广播
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(startupCtx).Err(); err != nil {
		appLogger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// PostgreSQL：文档与版本存储
	pool, err := pgxpool.New(startupCtx, cfg.Postgres.URL)
	if err != nil {
		appLogger.Error("postgres pool init failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(startupCtx); err != nil {
		appLogger.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}

	docs := documents.NewService(pool, cfg.WS.VersionKeepCount, appLogger.With("component", "documents"))
	if err := docs.EnsureSchema(startupCtx); err != nil {
		appLogger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	userManager, err := users.NewManager(cfg.Security.UsersDir, []byte(cfg.Security.JWTSecret),
		time.Duration(cfg.Security.TokenTTLMinutes)*time.Minute)
	if err != nil {
		appLogger.Error("users manager init failed", "error", err)
		os.Exit(1)
	}

	auditLogger := audit.New(cfg.Audit.LogPath)
	defer auditLogger.Close()

	// 每个进程一个实例标识，跨实例广播靠它过滤回流
	instanceID := uuid.New().String()
	relay := ws.NewRedisRelay(rdb)
	hub := ws.NewHub(cfg.WS.MaxConnsPerDocUser, relay, instanceID, appLogger.With("component", "hub"))

	presenceStore := presence.NewStore(rdb, cfg.PresenceTTL())
	connLimiter := presence.NewConnLimiter(rdb, cfg.WS.MaxConnsPerDocUser, cfg.PresenceTTL())
	rateLimiter := presence.NewRateLimiter(rdb, cfg.WS.RateLimitMessages,
		time.Duration(cfg.WS.RateLimitWindowSec)*time.Second)

	wsHandler := ws.NewHandler(ws.HandlerDeps{
		Hub:      hub,
		Verifier: userManager,
		Gate:     api.DocumentGateAdapter{Docs: docs},
		Saver:    api.SaverAdapter{Docs: docs},
		Presence: presenceStore,
		Conns:    connLimiter,
		Rate:     rateLimiter,
		Audit:    auditLogger,
		Log:      appLogger.With("component", "ws"),
	}, ws.SessionConfig{
		MaxFrameBytes:          cfg.WS.MaxFrameBytes,
		HeartbeatInterval:      cfg.HeartbeatInterval(),
		OpThrottleInterval:     cfg.OpThrottleInterval(),
		CursorThrottleInterval: cfg.CursorThrottleInterval(),
		SaveDebounce:           cfg.SaveDebounceInterval(),
		AllowedOrigins:         cfg.Security.CORSAllowedOrigins,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())

	api.RegisterRoutes(r, api.RouterDeps{
		Users: userManager,
		Docs:  docs,
		WS:    wsHandler,
		Hub:   hub,
	})

	srv := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		appLogger.Info("server starting", "addr", srv.Addr, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		select {
		case sig := <-quit:
			appLogger.Info("shutdown signal received, shutting down server...", "signal", sig.String())
		case <-gctx.Done():
			// 监听协程已出错，走同一条收尾路径
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("server exited", "error", err)
		os.Exit(1)
	}
	appLogger.Info("server shutdown complete")
}
