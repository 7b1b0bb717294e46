package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
)

const apiBodyLimit = "1M"

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "no-referrer",
	}))

	s.registerHealthRoutes()

	if s.websocketHandler != nil {
		s.echo.GET("/ws", s.websocketHandler)
	}
	if s.metricsRegistry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.metricsRegistry)))
	}

	api := s.echo.Group("/api", middleware.BodyLimit(apiBodyLimit))
	s.registerEventRoutes(api, s.groupMiddleware(groupLimit{
		group: "events",
		rate:  s.config.APIRate,
		burst: s.config.APIBurst,
	})...)
	s.registerNotifyRoutes(api, s.groupMiddleware(groupLimit{
		group: "notify",
		rate:  s.config.NotifyRate,
		burst: s.config.NotifyBurst,
	})...)
}

// groupMiddleware builds the chain the routes of one API group run behind.
// Metrics wrap error rendering so they observe the final status.
func (s *Server) groupMiddleware(limit groupLimit) []echo.MiddlewareFunc {
	var chain []echo.MiddlewareFunc
	if s.httpMetrics != nil {
		chain = append(chain, s.httpMetrics.Middleware(limit.group))
		limit.onDeny = s.httpMetrics.RateLimited
	}
	return append(chain, ErrorHandlingMiddleware(), newRateLimiter(limit))
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
