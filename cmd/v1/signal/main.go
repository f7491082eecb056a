package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/backend"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/health"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/middleware"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/relay"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/sfu"
	"github.com/flylive/msab/internal/v1/tracing"
	"github.com/flylive/msab/internal/v1/transport"
	"github.com/flylive/msab/internal/v1/types"
)

func main() {
	// .env is for local development only; in deployment everything comes in
	// through the environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "msab-signal", cfg.OTLPEndpoint, cfg.DevelopmentMode)
		if err != nil {
			logging.Fatal(ctx, "Tracer initialization failed", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Warn(shutdownCtx, "Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	// State redis: seats, counters, auth cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Fatal(ctx, "Redis connection failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	// Events redis: the backend publishes on its own DB.
	eventsRdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisEventsDB,
	})
	defer func() { _ = eventsRdb.Close() }()

	var validator types.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "Authentication DISABLED, accepting any token")
		validator = &auth.DevValidator{}
	} else {
		validator = auth.NewService(rdb, cfg.AuthServiceURL, cfg.InternalAPIKey)
	}

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logging.Warn(ctx, "Bus unavailable, running in single-instance mode", zap.Error(err))
		busService = nil
	}

	reg := registry.New()
	backendClient := backend.NewClient(cfg.BackendServiceURL, cfg.InternalAPIKey)

	limiter, err := ratelimit.New(cfg.ChatRateLimit, cfg.GiftRateLimit, rdb)
	if err != nil {
		logging.Fatal(ctx, "Rate limiter initialization failed", zap.Error(err))
	}

	seatStore := seats.NewStore(rdb, cfg.RoomSeatCount)

	pool := sfu.NewPool(cfg.MediaWorkerPath, cfg.MediaWorkerCount, cfg.MediaWorkerBackoffMax)
	if err := pool.Start(); err != nil {
		logging.Fatal(ctx, "Worker pool start failed", zap.Error(err))
	}

	manager := room.NewManager(rdb, reg, busService, seatStore,
		room.PoolProvider{Pool: pool}, backendClient, limiter, room.Options{
			SeatCount:         cfg.RoomSeatCount,
			CloseGrace:        cfg.RoomCloseGrace,
			GiftFlushInterval: cfg.GiftFlushInterval,
			GiftFlushMax:      cfg.GiftFlushMax,
			GiftBufferCap:     cfg.GiftBufferCap,
		})
	pool.SetCrashHandler(func(dead *sfu.Worker) {
		manager.HandleWorkerCrash(dead.RouterIDs())
	})
	manager.Start()

	relayService := relay.New(eventsRdb, reg)
	relayService.Start()

	hub := transport.NewHub(validator, reg, manager, busService, cfg.OriginList())

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("msab-signal"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.OriginList()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, pool, relayService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Signal server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests, then drain sockets, then flush domain state.
	// The pool goes down after the rooms so teardown RPCs still have workers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "HTTP server shutdown failed", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)
	pool.Close()
	relayService.Stop()
	if busService != nil {
		_ = busService.Close()
	}

	logging.Info(ctx, "Server exited")
}
