// Package services – ChatService
//
// This file implements ChatService, the application-level component that
// owns chat continuation for a session. It validates the user message,
// persists the user turn, builds the prompt from the conversation window,
// dispatches the model call (streaming or non-streaming), and persists the
// assistant turn once generation completes.
//
// The user turn is written before the model call is dispatched so that
// context windows built by concurrent requests on the same session stay
// monotonically consistent. A gateway failure is terminal for the call:
// chat has no stored answer to fall back on.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include session identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ModelGateway defines the model-call contract required by the chat and
// guidance services. *llm.Gateway satisfies it; tests substitute fakes.
type ModelGateway interface {
	// Complete performs one non-streaming completion.
	Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Reply, error)

	// CompleteStreaming performs one streaming completion, forwarding text
	// deltas to onDelta and returning the reassembled reply.
	CompleteStreaming(ctx context.Context, messages []llm.Message, opts llm.Options, onDelta func(delta string) error) (*llm.Reply, error)

	// HealthCheck reports whether the upstream endpoint is reachable.
	HealthCheck(ctx context.Context) bool
}

// ChatResult is the outcome of one chat continuation.
type ChatResult struct {
	// Content is the assistant reply text, disclaimer included.
	Content string
	// ModelID identifies the model that produced the reply.
	ModelID string
	// Duration measures the model call, excluding persistence.
	Duration time.Duration
	// UserTurn and AssistantTurn are the two rows written for this exchange.
	UserTurn      *domain.Turn
	AssistantTurn *domain.Turn
}

// ChatService coordinates message validation, turn persistence, and model
// dispatch for chat continuation.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Turns is the turn repository used by this service.
	Turns TurnStore
	// Window supplies the bounded prompt window.
	Window *ConversationContext
	// Gateway owns the external model call.
	Gateway ModelGateway

	// MaxMessageRunes caps user messages by rune length. Zero disables the cap.
	MaxMessageRunes int
	// Options are merged over the gateway defaults on every call.
	Options llm.Options
}

// NewChatService constructs a ChatService with a sane message-length cap.
func NewChatService(db *gorm.DB, turns TurnStore, window *ConversationContext, gw ModelGateway) *ChatService {
	return &ChatService{
		DB:              db,
		Turns:           turns,
		Window:          window,
		Gateway:         gw,
		MaxMessageRunes: 4000,
	}
}

// Continue runs one chat turn for the session. When onDelta is non-nil the
// model call streams and each text delta is forwarded to it; otherwise the
// call is a single round trip.
//
// Sequence: validate → fetch window → persist user turn → model call →
// persist assistant turn. The assistant turn is written after generation
// completes even when the delta consumer stopped early (client disconnect),
// so the stored transcript always reflects what the model produced.
func (s *ChatService) Continue(ctx context.Context, sessionID, message string, onDelta func(delta string) error) (*ChatResult, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Continue",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Bool("stream", onDelta != nil),
		),
	)
	defer span.End()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(message) > s.MaxMessageRunes {
		return nil, ErrMessageTooLong
	}

	// Window before the user turn is written: the prompt assembler appends
	// the new message itself.
	window, err := s.Window.RecentWindow(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	userTurn, err := s.Turns.Append(ctx, s.DB, sessionID, domain.RoleUser, message, "")
	if err != nil {
		return nil, err
	}

	messages := llm.BuildChatPrompt(window, message)

	start := time.Now()
	var reply *llm.Reply
	if onDelta != nil {
		reply, err = s.Gateway.CompleteStreaming(ctx, messages, s.Options, onDelta)
	} else {
		reply, err = s.Gateway.Complete(ctx, messages, s.Options)
	}
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	assistantTurn, err := s.Turns.Append(ctx, s.DB, sessionID, domain.RoleAssistant, reply.Content, reply.ModelID)
	if err != nil {
		return nil, err
	}

	return &ChatResult{
		Content:       reply.Content,
		ModelID:       reply.ModelID,
		Duration:      elapsed,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
	}, nil
}

// HistoryPage returns paginated turns for a session, newest-first.
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ChatService) HistoryPage(ctx context.Context, sessionID string, page, pageSize int) ([]domain.Turn, int64, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "HistoryPage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Turns.Count(ctx, s.DB, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Turn{}, 0, nil
	}

	items, err := s.Turns.Page(ctx, s.DB, sessionID, offset, pageSize)
	return items, total, err
}

// SessionStats returns the turn count and latest CreatedAt for the session,
// used by the handler layer to derive a weak ETag.
func (s *ChatService) SessionStats(ctx context.Context, sessionID string) (int64, *time.Time, error) {
	return s.Turns.Stats(ctx, s.DB, sessionID)
}
