package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/feedpulse/internal/platform/errors"
	"github.com/pscheid92/feedpulse/internal/platform/logging"
	"golang.org/x/time/rate"
)

const (
	maxFrameSize        = 64 * 1024
	defaultInboundRate  = 20
	defaultInboundBurst = 40
	shutdownReason      = "server shutting down"
)

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	AppURL           string
	AllowedOrigins   []string
	IsDevelopment    bool
	ClientBufferSize int
	InboundRate      float64
	InboundBurst     int
}

// Handler upgrades HTTP requests to websocket connections, registers them with
// the realtime registry and applies their inbound frames.
type Handler struct {
	registry  ConnectionRegistry
	deliverer domain.Deliverer
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader
	clock     clockwork.Clock
	cfg       HandlerConfig
	metrics   *metrics.WebSocketMetrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates the websocket handler. m may be nil.
func NewHandler(cfg HandlerConfig, registry ConnectionRegistry, deliverer domain.Deliverer, limits *ConnectionLimits, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Handler {
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = defaultInboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = defaultInboundBurst
	}

	return &Handler{
		registry:  registry,
		deliverer: deliverer,
		limits:    limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.AllowedOrigins, cfg.IsDevelopment),
		},
		clock:   clock,
		cfg:     cfg,
		metrics: m,
		clients: make(map[*client]struct{}),
	}
}

// ServeWS handles GET /ws. It blocks for the lifetime of the connection.
func (h *Handler) ServeWS(c echo.Context) error {
	ip := c.RealIP()

	if ok, reason := h.limits.Acquire(ip); !ok {
		h.reject(string(reason))
		slog.WarnContext(c.Request().Context(), "WebSocket connection rejected", "remote_ip", ip, "reason", reason)
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("server at connection capacity", nil)
		}
		return apperrors.RateLimitedError("too many connections").WithContext("reason", string(reason))
	}
	defer h.limits.Release(ip)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the HTTP error response.
		h.reject("upgrade_failed")
		slog.WarnContext(c.Request().Context(), "WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	cl := newClient(conn, h.clock, h.cfg.ClientBufferSize, h.metrics)
	if !h.track(cl) {
		cl.Close(shutdownReason)
		return nil
	}
	defer h.untrack(cl)

	id := h.registry.Register(cl)
	logger := logging.WithConnection(slog.Default(), id.String())
	logger.Info("WebSocket connected", "remote_ip", ip)

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}

	defer func() {
		h.registry.Remove(id)
		cl.stop()
		logger.Info("WebSocket disconnected")
	}()

	h.readLoop(conn, cl, newSession(id, h.registry, h.deliverer, logger))
	return nil
}

func (h *Handler) readLoop(conn *websocket.Conn, cl *client, s *session) {
	conn.SetReadLimit(maxFrameSize)
	limiter := rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		cl.updateReadDeadline()
		cl.recordActivity()

		if msgType != websocket.TextMessage {
			h.inbound("binary", "ignored")
			continue
		}
		if !limiter.AllowN(h.clock.Now(), 1) {
			h.inbound("", "throttled")
			s.logger.Warn("Inbound frame rate exceeded, dropping frame")
			continue
		}

		ctx := correlation.WithID(context.Background(), correlation.NewID())
		frameType, err := s.handle(ctx, data)
		switch {
		case err == nil:
			h.inbound(frameType, "ok")
		case errors.Is(err, domain.ErrUnknownMessage):
			h.inbound("unknown", "unknown")
			s.logger.WarnContext(ctx, "Unknown inbound frame ignored", "frame_type", frameType)
		default:
			h.inbound(frameType, "invalid")
			s.logger.WarnContext(ctx, "Malformed inbound frame ignored", "frame_type", frameType, "error", err)
		}
	}
}

// Shutdown closes every connection with a close frame and waits for the
// connection handlers to return or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		cl.Close(shutdownReason)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("WebSocket connections closed", "count", len(clients))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[cl] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.RejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) inbound(frameType, result string) {
	if h.metrics == nil {
		return
	}
	switch frameType {
	case msgSetUser, msgUnsetUser, msgWatchUser, msgUnwatch, msgTopicJoin, msgTopicLeave,
		msgPostAdded, msgPostUpdate, msgChatSend, "binary", "unknown", "":
	default:
		frameType = "other"
	}
	h.metrics.InboundFrames.WithLabelValues(frameType, result).Inc()
}
