// Feedback HTTP handlers.
//
// This file exposes the REST endpoint for submitting feedback on assistant
// turns:
//   - POST /messages/{id}/feedback  (create feedback)
//
// Handlers in this file are transport-thin: they validate input, delegate to
// application services, and translate domain/service errors into HTTP results.
// Feedback values are constrained to {-1, +1} to represent negative/positive
// reactions respectively. The calling session identifies itself with the
// X-Session-ID header and may only rate assistant turns it owns.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"citrus-guidance-backend/internal/services"
)

// LeaveFeedbackRequest is the JSON payload for creating feedback on a turn.
//
// Value must be one of:
//   - +1 : positive feedback
//   - -1 : negative feedback
//
// The binding tag enforces the domain constraint at the transport layer.
type LeaveFeedbackRequest struct {
	// Value is the feedback signal: +1 (positive) or -1 (negative).
	Value int `json:"value" binding:"required,oneof=-1 1" example:"1"`
}

// LeaveFeedback godoc
// @ID          leaveFeedback
// @Summary     Leave feedback on an assistant turn
// @Description Records positive (+1) or negative (-1) feedback for an assistant turn.
// @Tags        Feedback
// @Accept      json
// @Produce     json
//
// @Param       X-Session-ID  header  string  true  "Session that owns the turn"  example(farmer-042)
// @Param       id            path    string  true  "Turn ID (UUID)"              format(uuid) example(fa4dfbe0-c3bf-47bd-b32f-d7de221cf43b)
// @Param       body          body    handlers.LeaveFeedbackRequest true "Feedback payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     403  {object} handlers.ErrorResponse "Not allowed to leave feedback"
// @Failure     404  {object} handlers.ErrorResponse "Turn not found"
// @Failure     409  {object} handlers.ErrorResponse "Feedback already exists"
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /messages/{id}/feedback [post]
func (h *Handlers) LeaveFeedback(c *gin.Context) {
	var req LeaveFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value must be -1 or 1")
		return
	}

	sid := strings.TrimSpace(c.GetHeader("X-Session-ID"))
	if !sessionIDRe.MatchString(sid) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-Session-ID header required")
		return
	}

	turnID := c.Param("id")
	if _, err := uuid.Parse(turnID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "turn id must be a UUID")
		return
	}

	if err := h.fbSvc.Leave(c.Request.Context(), sid, turnID, req.Value); err != nil {
		switch {
		case errors.Is(err, services.ErrTurnNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "turn not found")
		case errors.Is(err, services.ErrInvalidFeedback):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value must be -1 or 1")
		case errors.Is(err, services.ErrForbiddenFeedback):
			fail(c, http.StatusForbidden, ErrCodeForbidden, "cannot leave feedback on this turn")
		case errors.Is(err, services.ErrDuplicateFeedback):
			fail(c, http.StatusConflict, ErrCodeConflict, "feedback already exists")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	noContent(c)
}
