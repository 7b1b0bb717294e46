package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/app"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/config"
	"github.com/pscheid92/feedpulse/internal/realtime"
	"golang.org/x/sync/singleflight"
)

type statsProvider interface {
	Stats() realtime.Stats
}

type notifier interface {
	MessageSent(ctx context.Context, msg app.Message) error
	PostCreated(ctx context.Context, post json.RawMessage) error
	PostUpdated(ctx context.Context, postID, actorID string, data json.RawMessage) error
	LikeToggled(ctx context.Context, postID, userID string) error
	CommentAdded(ctx context.Context, postID string, c app.Comment) error
	CommentRemoved(ctx context.Context, postID string, c app.Comment) error
	UserUpdated(ctx context.Context, userID string, data json.RawMessage) error
}

// Deps are the collaborators the HTTP surface is built on. Metrics and
// HTTPMetrics may be nil.
type Deps struct {
	Deliverer    domain.Deliverer
	Stats        statsProvider
	Notifier     notifier
	WebSocket    echo.HandlerFunc
	Metrics      *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	HealthChecks []HealthCheck
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	deliverer domain.Deliverer
	stats     statsProvider
	notifier  notifier

	websocketHandler echo.HandlerFunc
	metricsRegistry  *prometheus.Registry
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	checkRounds  singleflight.Group
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:             e,
		config:           cfg,
		deliverer:        deps.Deliverer,
		stats:            deps.Stats,
		notifier:         deps.Notifier,
		websocketHandler: deps.WebSocket,
		metricsRegistry:  deps.Metrics,
		httpMetrics:      deps.HTTPMetrics,
		healthChecks:     deps.HealthChecks,
		clock:            clock,
		startTime:        clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware chain without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
