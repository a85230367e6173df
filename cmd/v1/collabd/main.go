// Command collabd is the signaling broker service (§6): it terminates the
// /signaling WebSocket upgrade, fans out topic-filtered messages within a
// room, proxies puzzle downloads through a source whitelist, and exposes
// health and metrics endpoints for operators.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/xwordcollab/backend/internal/v1/auth"
	"github.com/xwordcollab/backend/internal/v1/bus"
	"github.com/xwordcollab/backend/internal/v1/config"
	"github.com/xwordcollab/backend/internal/v1/health"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/middleware"
	"github.com/xwordcollab/backend/internal/v1/puzzle"
	"github.com/xwordcollab/backend/internal/v1/ratelimit"
	"github.com/xwordcollab/backend/internal/v1/signaling"
	"github.com/xwordcollab/backend/internal/v1/tracing"
	"go.uber.org/zap"
)

func main() {
	envPaths := []string{".env", "../../.env", "../../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingEnabled := false
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "collabd", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			tracingEnabled = true
		}
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		defer busService.Close()
	}

	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	tokenSigner := auth.NewTokenSigner(cfg.ReconnectTokenSecret)

	broker := signaling.NewBroker()
	defer broker.Shutdown(context.Background())

	healthHandler := health.NewHandler(busService)
	puzzleHandler := puzzle.NewHandler(cfg.PuzzleSourceWhitelist, &puzzle.HTTPFetcher{
		Client: &http.Client{Timeout: puzzle.FetchTimeout},
	})

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("collabd"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/signaling", func(c *gin.Context) {
		broker.ServeWS(c, rl, allowedOrigins, tokenSigner)
	})

	puzzleGroup := router.Group("/puzzle")
	puzzleGroup.Use(rl.PuzzleFetchMiddleware())
	puzzleGroup.POST("", puzzleHandler.ServeDownload)

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.DevelopmentMode {
		broker.RegisterTestRoutes(router)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "collabd listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info(ctx, "shutting down collabd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}
}
