package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"hangnet/internal/core/services"
	httphandlers "hangnet/internal/handlers/http"
	"hangnet/internal/infrastructure/engine"
	"hangnet/internal/infrastructure/middleware"
	"hangnet/internal/infrastructure/monitoring"
	"hangnet/internal/infrastructure/relay"
	repositories "hangnet/internal/infrastructure/repositories"
	signalgw "hangnet/internal/infrastructure/signal"
	"hangnet/pkg/circuitbreaker"
	"hangnet/pkg/config"
	"hangnet/pkg/logger"
	"hangnet/pkg/retry"
	"hangnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/hangnet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync() //nolint:errcheck

	log := zapLogger.Sugar()
	ctxLog := logger.NewContextLogger(zapLogger)

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "hangnet",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close() //nolint:errcheck

	hangoutRepo := repoFactory.CreateHangoutRepository()
	participantRepo := repoFactory.CreateParticipantRepository()
	hangoutLocker := repoFactory.CreateHangoutLocker()

	// Initialize media engine
	var iceServers []string
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, s.URLs...)
	}
	if len(iceServers) == 0 {
		// Fallback STUN server if not configured
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}

	engineConfig := engine.Config{ICEServers: iceServers}
	engineConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	mediaEngine := engine.NewPionEngine(engineConfig, log)

	// Initialize monitoring
	collector := monitoring.NewPrometheusCollector()

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRepositoryCheck(hangoutRepo, 2*time.Second)
	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 2*time.Second)
	}

	// Initialize broadcast relay egress
	relayDialer := relay.NewDialer(10*time.Second, log)
	broadcastController := services.NewBroadcastController(relayDialer, services.BroadcastOptions{
		Retry: retry.Config{
			MaxAttempts:  cfg.Broadcast.RetryAttempts,
			InitialDelay: cfg.Broadcast.RetryInitialWait,
			MaxDelay:     cfg.Broadcast.RetryMaxWait,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Broadcast.BreakerThreshold,
			Cooldown:         cfg.Broadcast.BreakerCooldown,
		},
	}, collector, log)

	// Initialize services
	authService := services.NewAuthService(cfg.Auth.JWTSecret)
	hangoutService := services.NewHangoutService(
		hangoutRepo,
		participantRepo,
		mediaEngine,
		nil, // membership: creator-only default for private hangouts
		hangoutLocker,
		broadcastController,
		collector,
		services.Options{
			DefaultMaxParticipants: cfg.Hangout.DefaultMaxParticipants,
			NegotiationTimeout:     cfg.WebRTC.NegotiationTimeout,
			WiringTimeout:          cfg.Hangout.WiringTimeout,
		},
		log,
	)

	// Initialize signaling gateway
	gateway := signalgw.NewGateway(hangoutService, authService, signalgw.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		DisconnectGrace:   cfg.Signal.DisconnectGrace,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
		MessagesPerSecond: cfg.RateLimiting.Signal.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiting.Signal.Burst,
	}, log)

	// Initialize HTTP handlers
	tokenHandler := httphandlers.NewTokenHandler(authService)
	hangoutHandler := httphandlers.NewHangoutHandler(hangoutService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(ctxLog))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Public token endpoint, authenticated API, signaling
	tokenHandler.SetupRoutes(router)
	hangoutHandler.SetupRoutes(router, middleware.AuthMiddleware(authService))
	router.GET("/ws", gin.WrapF(gateway.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := 200
		if status.Status != "healthy" {
			code = 503
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"checks":    status.Checks,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil || !healthChecker.IsReady(ctx) {
			payload := gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
			}
			if err != nil {
				payload["error"] = err.Error()
			}
			c.JSON(503, payload)
			return
		}

		c.JSON(200, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting hangnet server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down hangnet server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// End every live hangout so participants get a final room event and
	// records are stamped.
	hangoutService.Shutdown(shutdownCtx)

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Error shutting down tracer", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("hangnet server stopped")
}
