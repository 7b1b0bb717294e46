package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/feedpulse/internal/adapter/httpserver"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/adapter/redis"
	"github.com/pscheid92/feedpulse/internal/adapter/websocket"
	"github.com/pscheid92/feedpulse/internal/app"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/config"
	"github.com/pscheid92/feedpulse/internal/platform/logging"
	"github.com/pscheid92/feedpulse/internal/platform/version"
	"github.com/pscheid92/feedpulse/internal/realtime"
	goredis "github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout    = 10 * time.Second
	redisStartTimeout  = 30 * time.Second
	circuitBreakerWait = 30 * time.Second
)

type components struct {
	stopReporter context.CancelFunc
	server       *httpserver.Server
	websocket    *websocket.Handler
	router       *realtime.Router
	relay        *redis.Relay
	redis        *goredis.Client
}

func runGracefulShutdown(c components) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")
		c.stopReporter()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if err := c.websocket.Shutdown(shutdownCtx); err != nil {
			slog.Error("WebSocket shutdown error", "error", err)
		}

		// The relay drains into the router, so it stops first.
		if c.relay != nil {
			c.relay.Stop()
		}
		c.router.Stop()

		if c.redis != nil {
			if err := c.redis.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRelay connects to Redis and starts the cross-instance relay in front
// of the local router. Without REDIS_URL the router is the deliverer.
func setupRelay(cfg *config.Config, router *realtime.Router, reg prometheus.Registerer) (domain.Deliverer, *redis.Relay, *goredis.Client, []httpserver.HealthCheck) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running single-instance")
		return router, nil, nil, nil
	}

	redisMetrics := metrics.NewRedisMetrics(reg)

	ctx, cancel := context.WithTimeout(context.Background(), redisStartTimeout)
	defer cancel()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(redisMetrics),
		redis.NewCircuitBreakerHook(circuitBreakerWait, redisMetrics),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	relay := redis.NewRelay(rdb, cfg.RedisChannel, router, redisMetrics)
	if err := relay.Start(ctx); err != nil {
		slog.Error("Failed to start Redis relay", "channel", cfg.RedisChannel, "error", err)
		os.Exit(1)
	}

	checks := []httpserver.HealthCheck{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}}
	return relay, relay, rdb, checks
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	reg := metrics.NewRegistry()
	realtimeMetrics := metrics.NewRealtimeMetrics(reg)

	registry := realtime.NewRegistry(realtimeMetrics)
	router := realtime.NewRouter(registry, clock, realtime.RouterOptions{
		QueueSize:   cfg.DeliveryQueueSize,
		Concurrency: cfg.DeliveryConcurrency,
		SendTimeout: cfg.SendTimeout,
	}, realtimeMetrics)

	deliverer, relay, rdb, healthChecks := setupRelay(cfg, router, reg)

	limits := websocket.NewConnectionLimits(websocket.LimitsConfig{
		MaxConnections:      cfg.MaxWebSocketConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ConnectionsPerSec:   cfg.ConnectionRate,
		Burst:               cfg.ConnectionBurst,
	}, clock)

	wsHandler := websocket.NewHandler(websocket.HandlerConfig{
		AppURL:           cfg.AppURL,
		AllowedOrigins:   cfg.Origins(),
		IsDevelopment:    !cfg.IsProduction(),
		ClientBufferSize: cfg.ClientBufferSize,
	}, registry, deliverer, limits, clock, metrics.NewWebSocketMetrics(reg))

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Deliverer:    deliverer,
		Stats:        registry,
		Notifier:     app.NewNotifier(deliverer, clock),
		WebSocket:    wsHandler.ServeWS,
		Metrics:      reg,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		HealthChecks: healthChecks,
		Clock:        clock,
	})

	reportCtx, stopReporter := context.WithCancel(context.Background())
	go app.NewStatsReporter(registry, router, clock, cfg.StatsInterval).Run(reportCtx)

	done := runGracefulShutdown(components{
		stopReporter: stopReporter,
		server:       srv,
		websocket:    wsHandler,
		router:       router,
		relay:        relay,
		redis:        rdb,
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
