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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/watchroom/backend/go/internal/v1/auth"
	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/config"
	"github.com/watchroom/backend/go/internal/v1/extractor"
	"github.com/watchroom/backend/go/internal/v1/gateway"
	"github.com/watchroom/backend/go/internal/v1/health"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/middleware"
	"github.com/watchroom/backend/go/internal/v1/ratelimit"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/tracing"
	"github.com/watchroom/backend/go/internal/v1/users"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "watchroom-server", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Identity validator (Optional) ---
	var identityValidator *auth.Validator
	if cfg.AuthDomain != "" && cfg.AuthAudience != "" {
		identityValidator, err = auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create identity validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Identity validator initialized", "domain", cfg.AuthDomain)
	} else {
		slog.Warn("⚠️  No identity provider configured; sessions are cookie-only")
	}

	sessions := auth.NewSessions(cfg.SessionSecret, identityValidator)

	// --- Message Bus Initialization ---
	// An unreachable Redis is fatal: rooms would silently stop reaching their
	// clients. Single-instance deployments disable Redis explicitly and get
	// the in-process bus instead.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
	} else {
		busService = bus.NewLocalService()
		slog.Info("Running in single-instance mode with the in-process bus (Redis disabled)")
	}

	// --- Rate Limiter ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Room engine and gateway ---
	infoExtractor := extractor.NewService(cfg.ExtractorBaseURL, cfg.ExtractorAPIKey)
	userStore := users.NewMemoryStore()

	roomManager := room.NewManager(busService, infoExtractor, userStore, nil)
	roomManager.AutoCreateTemporary = true
	roomManager.Start(context.Background())

	allowedOrigins := cfg.AllowedOriginList([]string{"http://localhost:3000"})
	clientManager := gateway.NewClientManager(roomManager, busService, sessions, rateLimiter, allowedOrigins)
	clientManager.Start(context.Background())

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("watchroom-server"))

	// Routing
	router.GET("/api/room/:roomName", clientManager.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all sockets, then stop the room loops
	if err := clientManager.Shutdown(ctx); err != nil {
		slog.Error("Error during gateway shutdown:", "error", err)
	}
	if err := roomManager.Shutdown(ctx); err != nil {
		slog.Error("Error during room manager shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close the bus last; nothing publishes after the managers stopped
	if err := busService.Close(); err != nil {
		slog.Error("Failed to close bus:", "error", err)
	} else {
		slog.Info("Bus closed")
	}

	slog.Info("Server exiting")
}
