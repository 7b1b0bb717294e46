package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/feedpulse/internal/app"
)

type likeRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) registerNotifyRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	notify := api.Group("/notify", mw...)
	notify.POST("/messages", s.handleMessageSent)
	notify.POST("/posts", s.handlePostCreated)
	notify.POST("/posts/:id", s.handlePostUpdated)
	notify.POST("/posts/:id/likes", s.handleLikeToggled)
	notify.POST("/posts/:id/comments", s.handleCommentAdded)
	notify.DELETE("/posts/:id/comments", s.handleCommentRemoved)
	notify.POST("/users/:id", s.handleUserUpdated)
}

func (s *Server) handleMessageSent(c echo.Context) error {
	var msg app.Message
	if err := bindJSON(c, &msg); err != nil {
		return err
	}
	if err := s.notifier.MessageSent(c.Request().Context(), msg); err != nil {
		return err
	}
	return accepted(c)
}

func (s *Server) handlePostCreated(c echo.Context) error {
	post, err := readRawJSON(c)
	if err != nil {
		return err
	}
	if err := s.notifier.PostCreated(c.Request().Context(), post); err != nil {
		return err
	}
	return accepted(c)
}

// handlePostUpdated takes the acting user from ?actor= so their own clients
// are skipped.
func (s *Server) handlePostUpdated(c echo.Context) error {
	data, err := readRawJSON(c)
	if err != nil {
		return err
	}
	if err := s.notifier.PostUpdated(c.Request().Context(), c.Param("id"), c.QueryParam("actor"), data); err != nil {
		return err
	}
	return accepted(c)
}

func (s *Server) handleLikeToggled(c echo.Context) error {
	var req likeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := s.notifier.LikeToggled(c.Request().Context(), c.Param("id"), req.UserID); err != nil {
		return err
	}
	return accepted(c)
}

func (s *Server) handleCommentAdded(c echo.Context) error {
	var comment app.Comment
	if err := bindJSON(c, &comment); err != nil {
		return err
	}
	if err := s.notifier.CommentAdded(c.Request().Context(), c.Param("id"), comment); err != nil {
		return err
	}
	return accepted(c)
}

func (s *Server) handleCommentRemoved(c echo.Context) error {
	var comment app.Comment
	if err := bindJSON(c, &comment); err != nil {
		return err
	}
	if err := s.notifier.CommentRemoved(c.Request().Context(), c.Param("id"), comment); err != nil {
		return err
	}
	return accepted(c)
}

func (s *Server) handleUserUpdated(c echo.Context) error {
	data, err := readRawJSON(c)
	if err != nil {
		return err
	}
	if err := s.notifier.UserUpdated(c.Request().Context(), c.Param("id"), data); err != nil {
		return err
	}
	return accepted(c)
}
