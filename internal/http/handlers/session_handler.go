// Session HTTP handlers.
//
// This file exposes REST endpoints for chat sessions:
//   - POST   /sessions/{id}/messages   (continue the chat; ?stream=true for SSE)
//   - GET    /sessions/{id}/messages   (list paginated turns, ETag support)
//   - DELETE /sessions/{id}            (purge every turn of the session)
//   - POST   /maintenance/turns/purge  (retention sweep across all sessions)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (ChatService, ConversationContext)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (session, key), the handler returns that recorded
// assistant turn and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/repo"
	"citrus-guidance-backend/internal/services"
	"citrus-guidance-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat continuation operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ChatService interface {
	// Continue runs one chat turn; onDelta enables streaming when non-nil.
	Continue(ctx context.Context, sessionID, message string, onDelta func(delta string) error) (*services.ChatResult, error)
	// HistoryPage returns a page of the session's turns and the total count.
	HistoryPage(ctx context.Context, sessionID string, page, pageSize int) ([]domain.Turn, int64, error)
	// SessionStats returns turn count and latest timestamp for ETag derivation.
	SessionStats(ctx context.Context, sessionID string) (int64, *time.Time, error)
}

// RetentionService defines the purge operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RetentionService interface {
	// PurgeSession deletes every turn of the session, returning the count.
	PurgeSession(ctx context.Context, sessionID string) (int64, error)
	// PurgeOlderThan deletes turns older than the given number of days.
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

// FeedbackService defines operations to capture feedback on assistant turns.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type FeedbackService interface {
	// Leave submits a feedback value (-1 or 1) for turnID by sessionID.
	Leave(ctx context.Context, sessionID, turnID string, value int) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for sessions, guidance, and feedback.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	chatSvc ChatService
	retSvc  RetentionService
	gdSvc   GuidanceService
	fbSvc   FeedbackService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(chatSvc ChatService, retSvc RetentionService, gdSvc GuidanceService, fbSvc FeedbackService) *Handlers {
	return &Handlers{chatSvc: chatSvc, retSvc: retSvc, gdSvc: gdSvc, fbSvc: fbSvc}
}

// sessionIDRe bounds the caller-chosen opaque session identifier: printable,
// URL-safe, 1-128 chars.
var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// sessionID extracts and validates the ":id" path parameter. The second
// return value is false when the identifier is malformed (the response has
// already been written).
func sessionID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if !sessionIDRe.MatchString(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be 1-128 URL-safe characters")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// PostMessageRequest is the JSON payload for continuing a chat.
//
// Content is normalized by the handler (line endings and excessive blank lines)
// before being passed to the service layer. The service also enforces a
// maximum rune count, which can be configured in ChatService.
type PostMessageRequest struct {
	// Content is the user message. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"The spots on my calamansi leaves turned brown with yellow halos, what should I do?"`
}

// PostMessageResponse is the JSON envelope for a completed chat turn.
type PostMessageResponse struct {
	// Reply is the assistant turn created as a result of the request.
	Reply *domain.Turn `json:"reply"`
	// DurationMS measures the model call in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListTurnsResponse contains a page of session turns and pagination metadata.
// Turns are ordered newest-first for history display.
type ListTurnsResponse struct {
	Turns      []domain.Turn `json:"turns"`
	Pagination Pagination    `json:"pagination"`
}

// DeleteSessionResponse reports how many turns a session purge removed.
type DeleteSessionResponse struct {
	Deleted int64 `json:"deleted"`
}

// PurgeResponse reports the outcome of a retention sweep.
type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
	Days    int   `json:"days"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxMessageRunes inspects the concrete ChatService for a configured
// message-length limit. If unavailable, it returns a conservative fallback.
func discoverMaxMessageRunes(chatSvc ChatService) int {
	const fallback = 4000
	if cs, ok := chatSvc.(*services.ChatService); ok {
		if cs.MaxMessageRunes > 0 {
			return cs.MaxMessageRunes
		}
	}
	return fallback
}

// getIdempotencyKey extracts an idempotency key if an upstream middleware has
// already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func getIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

// sanitizeSSE escapes newlines so a payload stays within one SSE data line.
func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Continue a chat session
// @Description Appends a user message to the session and generates an assistant reply.
// @Description With ?stream=true the reply is delivered as Server-Sent Events (text deltas,
// @Description then an `event: done` carrying the completed turn).
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Session ID (opaque, URL-safe)"  example(farmer-042)
// @Param       stream           query   bool    false "Stream the reply as SSE"        default(false)
// @Param       body             body    handlers.PostMessageRequest  true  "User message payload"
//
// @Success     200  {object}  handlers.PostMessageResponse  "Assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse        "Model unavailable"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	sid, okID := sessionID(c)
	if !okID {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxMessageRunes(h.chatSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	if c.Query("stream") == "true" {
		h.streamMessage(c, sid, content)
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := getIdempotencyKey(c)
	if idemKey != "" {
		if db := h.chatDB(); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, sid, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetTurn(ctx, db, rec.TurnID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, PostMessageResponse{Reply: prev})
					return
				}
			}
		}
	}

	// Normal processing (service has a second guard for length).
	res, err := h.chatSvc.Continue(ctx, sid, content, nil)
	if err != nil {
		h.failChat(c, err, maxRunes)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if db := h.chatDB(); db != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, db, sid, idemKey, res.AssistantTurn.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{
		Reply:      res.AssistantTurn,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// streamMessage delivers the assistant reply as Server-Sent Events: one
// `data:` line per text delta, then `event: done` carrying the completed
// turn, or `event: error` when generation fails. The assistant turn is
// persisted by the service once generation completes, even if the client
// disconnects mid-stream.
func (h *Handlers) streamMessage(c *gin.Context, sid, content string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, okF := c.Writer.(http.Flusher)
	if !okF {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "stream not supported")
		return
	}

	res, err := h.chatSvc.Continue(c.Request.Context(), sid, content, func(delta string) error {
		if _, writeErr := c.Writer.Write([]byte("data: " + sanitizeSSE(delta) + "\n\n")); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if _, writeErr := c.Writer.Write([]byte("event: error\ndata: " + sanitizeSSE(errMessageFor(err)) + "\n\n")); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	meta, _ := json.Marshal(PostMessageResponse{
		Reply:      res.AssistantTurn,
		DurationMS: res.Duration.Milliseconds(),
	})
	if _, writeErr := c.Writer.Write([]byte("event: done\ndata: " + sanitizeSSE(string(meta)) + "\n\n")); writeErr == nil {
		flusher.Flush()
	}
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List turns in a session
// @Description Returns a paginated list of turns for the given session, newest first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Sessions
// @Produce     json
//
// @Param       id             path   string  true  "Session ID (opaque, URL-safe)"  example(farmer-042)
// @Param       If-None-Match  header string  false "Return 304 if ETag matches"     example(W/\"abc123\")
// @Param       page           query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTurnsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	sid, okID := sessionID(c)
	if !okID {
		return
	}

	// ETag pre-check (best effort).
	count, maxTS, err := h.chatSvc.SessionStats(ctx, sid)
	if err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"turns:%s:%d:%d"`, sid, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.chatSvc.HistoryPage(ctx, sid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListTurnsResponse{
		Turns: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Purge a session
// @Description Deletes every turn of the session and returns the deleted count.
// @Tags        Sessions
// @Produce     json
//
// @Param       id  path  string  true  "Session ID (opaque, URL-safe)"  example(farmer-042)
//
// @Success     200  {object} handlers.DeleteSessionResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id} [delete]
func (h *Handlers) DeleteSession(c *gin.Context) {
	sid, okID := sessionID(c)
	if !okID {
		return
	}

	n, err := h.retSvc.PurgeSession(c.Request.Context(), sid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodePurgeFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, DeleteSessionResponse{Deleted: n})
}

// PurgeTurns godoc
// @ID          purgeTurns
// @Summary     Retention sweep
// @Description Deletes every turn older than the given number of days, across all sessions.
// @Tags        Maintenance
// @Produce     json
//
// @Param       days  query  int  false  "Retention horizon in days"  minimum(1) default(30)
//
// @Success     200  {object} handlers.PurgeResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /maintenance/turns/purge [post]
func (h *Handlers) PurgeTurns(c *gin.Context) {
	days := utils.AtoiDefault(c.Query("days"), 30)
	if days < 1 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "days must be >= 1")
		return
	}

	n, err := h.retSvc.PurgeOlderThan(c.Request.Context(), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodePurgeFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, PurgeResponse{Deleted: n, Days: days})
}

// chatDB exposes the concrete service's DB handle for idempotency bookkeeping.
func (h *Handlers) chatDB() *gorm.DB {
	if cs, okSvc := h.chatSvc.(*services.ChatService); okSvc {
		return cs.DB
	}
	return nil
}

// failChat maps chat service errors onto HTTP responses.
func (h *Handlers) failChat(c *gin.Context, err error, maxRunes int) {
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrMessageTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
	case isGatewayUnavailable(err):
		fail(c, http.StatusServiceUnavailable, ErrCodeChatFailed, "the assistant is unavailable right now, please try again")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeChatFailed, err.Error())
	}
}

// errMessageFor renders a client-safe message for SSE error events.
func errMessageFor(err error) string {
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		return "content required"
	case errors.Is(err, services.ErrMessageTooLong):
		return "content too long"
	case isGatewayUnavailable(err):
		return "the assistant is unavailable right now, please try again"
	default:
		return "chat failed"
	}
}
