package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicemesh/internal/core/ports"
	"voicemesh/internal/core/services"
	httphandlers "voicemesh/internal/handlers/http"
	"voicemesh/internal/infrastructure/distributed"
	"voicemesh/internal/infrastructure/middleware"
	"voicemesh/internal/infrastructure/monitoring"
	"voicemesh/internal/infrastructure/repositories/memory"
	signalinfra "voicemesh/internal/infrastructure/signal"
	"voicemesh/pkg/config"
	"voicemesh/pkg/logger"
	"voicemesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		os.Getenv("VOICEMESH_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if cfg == nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config file, using defaults", "error", err)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatalw("invalid room catalog", "error", err)
	}

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Signaling transport
	wsServer := signalinfra.NewWebSocketServer(signalinfra.ServerConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageSize:    cfg.Signal.MaxMessageSize,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		MessagesPerSecond: wsMessageRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
	}, zapLogger)

	// Monitoring
	var (
		metrics   ports.MetricsRecorder
		collector *monitoring.PrometheusCollector
	)
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metrics = collector
		wsServer.SetMetrics(collector)
	}

	// Optional presence mirror
	var opts []services.RegistryOption
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(rootCtx, distributed.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Warnw("failed to connect to Redis, presence mirror disabled", "error", err)
		} else {
			bus := distributed.NewEventBus(redisClient, uuid.NewString(), cfg.Redis.Channel, log.Named("presence"))
			opts = append(opts, services.WithPresenceMirror(bus))
			go func() {
				err := bus.Subscribe(rootCtx, func(ev *distributed.Event) error {
					log.Debugw("remote presence event",
						"type", ev.Type,
						"instance_id", ev.InstanceID,
						"room_id", ev.RoomID,
					)
					return nil
				})
				if err != nil && rootCtx.Err() == nil {
					log.Warnw("presence subscription ended", "error", err)
				}
			}()
		}
	}

	// Registry
	participants := memory.NewMemoryParticipantRepository()
	registry := services.NewRoomRegistry(catalog, participants, wsServer, metrics, log.Named("registry"), opts...)
	wsServer.SetRegistry(registry)

	sweeper := services.NewSweeper(registry, cfg.Presence.SweepInterval, cfg.Presence.InactivityTimeout, log.Named("sweeper"))
	sweeper.Start(rootCtx)

	if collector != nil {
		go collector.RunRoomMetrics(rootCtx, registry.RoomStats, cfg.Monitoring.MetricsInterval)
	}

	// Health checks
	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddRepositoryCheck(participants, time.Minute, 2*time.Second)
	health.AddRegistryCheck(registry, catalog.Len(), time.Minute, 2*time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(rootCtx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger.Named("http"))))
	router.Use(middleware.ErrorHandlerMiddleware(log))

	router.GET("/ws", middleware.NewWebSocketRateLimitMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/ws/health", gin.WrapF(wsServer.HealthCheck))

	api := router.Group("/")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewRoomHandler(catalog, registry).SetupRoutes(api)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
			"failing":     health.Failing(),
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.GetReadinessStatus(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting voicemesh signaling server",
			"address", cfg.Server.Address,
			"rooms", catalog.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down voicemesh signaling server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	sweeper.Stop()
	stop()

	// Shutdown HTTP server gracefully. Hijacked websocket connections are not
	// tracked by the server and are closed separately.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
	wsServer.Shutdown()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("voicemesh signaling server stopped")
}

// wsMessageRate is the per-connection message rate, or zero when rate
// limiting is off.
func wsMessageRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
