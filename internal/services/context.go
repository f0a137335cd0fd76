// Package services – ConversationContext
//
// A read-mostly view over the turn store: the bounded, time-ordered window
// of a session's most recent turns used to build chat prompts, plus the two
// retention operations (session purge and age-based sweep). The window is
// ephemeral: it is derived per request and never persisted.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
)

// DefaultWindowSize is the number of prior turns included in a chat prompt
// when the caller does not override it.
const DefaultWindowSize = 8

// TurnStore defines the repository contract required by the conversation
// context and the chat service. Implementations persist the append-only turn
// log.
type TurnStore interface {
	// Append inserts one immutable turn.
	Append(ctx context.Context, db *gorm.DB, sessionID, role, content, modelID string) (*domain.Turn, error)

	// Recent returns up to limit turns for the session, newest-first.
	Recent(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]domain.Turn, error)

	// Get fetches a single turn by ID.
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.Turn, error)

	// Page returns a page of the session's turns, newest-first.
	Page(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Turn, error)

	// Count returns the total number of turns for pagination.
	Count(ctx context.Context, db *gorm.DB, sessionID string) (int64, error)

	// Stats returns the turn count and latest CreatedAt for conditional
	// responses on the history endpoint.
	Stats(ctx context.Context, db *gorm.DB, sessionID string) (int64, *time.Time, error)

	// DeleteSession removes every turn of the session, returning the count.
	DeleteSession(ctx context.Context, db *gorm.DB, sessionID string) (int64, error)

	// DeleteOlderThan removes every turn created strictly before cutoff,
	// returning the count.
	DeleteOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// ConversationContext provides the bounded prompt window and retention
// operations over the turn store.
type ConversationContext struct {
	DB    *gorm.DB
	Turns TurnStore

	// WindowSize bounds RecentWindow when the caller passes limit <= 0.
	WindowSize int
}

// NewConversationContext constructs a ConversationContext with the default
// window size.
func NewConversationContext(db *gorm.DB, turns TurnStore) *ConversationContext {
	return &ConversationContext{DB: db, Turns: turns, WindowSize: DefaultWindowSize}
}

// RecentWindow returns the limit most recent turns of the session in
// chronological order (oldest first), ready for prompt assembly. The store
// selects newest-first; the slice is reversed here.
func (c *ConversationContext) RecentWindow(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = c.WindowSize
	}
	if limit <= 0 {
		limit = DefaultWindowSize
	}
	turns, err := c.Turns.Recent(ctx, c.DB, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// PurgeSession deletes every turn of the session and returns the count.
func (c *ConversationContext) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	return c.Turns.DeleteSession(ctx, c.DB, sessionID)
}

// PurgeOlderThan deletes every turn created strictly before now minus the
// given number of days, across all sessions, and returns the count.
func (c *ConversationContext) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return c.Turns.DeleteOlderThan(ctx, c.DB, cutoff)
}
