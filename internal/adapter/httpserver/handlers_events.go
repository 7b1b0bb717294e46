package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/feedpulse/internal/domain"
	apperrors "github.com/pscheid92/feedpulse/internal/platform/errors"
)

type publishEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Target  domain.Target   `json:"target"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

func (s *Server) registerEventRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.POST("/events", s.handlePublishEvent, mw...)
	api.GET("/realtime/stats", s.handleStats, mw...)
}

// handlePublishEvent accepts a fully addressed event from a trusted producer.
func (s *Server) handlePublishEvent(c echo.Context) error {
	var req publishEventRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	if req.Type == "" {
		return apperrors.ValidationError("event type is required")
	}
	if err := req.Target.Validate(); err != nil {
		return apperrors.ValidationError(err.Error()).WithContext("event_type", req.Type)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return apperrors.ValidationError("payload must be valid JSON")
	}

	s.deliverer.Deliver(c.Request().Context(), domain.Event{
		Type:    req.Type,
		Payload: req.Payload,
		Target:  req.Target,
	})

	return accepted(c)
}

func (s *Server) handleStats(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.stats.Stats()); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}

func bindJSON(c echo.Context, dst any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(dst); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return WrapHTTPError(httpErr)
		}
		return apperrors.ValidationError("request body must be valid JSON")
	}
	return nil
}

func readRawJSON(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := bindJSON(c, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func accepted(c echo.Context) error {
	if err := c.JSON(http.StatusAccepted, acceptedResponse{Status: "accepted"}); err != nil {
		return fmt.Errorf("failed to write accepted response: %w", err)
	}
	return nil
}
