// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Turn model:
// the append-only conversation log, bounded window reads, and retention
// deletes.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - When a turn is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// AppendTurn inserts a new immutable turn row for the session. The ID is a
// randomly generated UUID and CreatedAt is set to UTC now.
func AppendTurn(ctx context.Context, db *gorm.DB, sessionID, role, content, modelID string) (*domain.Turn, error) {
	t := &domain.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ModelID:   modelID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// RecentTurns returns up to limit turns for the session, selected
// newest-first (CreatedAt DESC, ID DESC). Callers that need chronological
// order reverse the slice (see services.ConversationContext).
func RecentTurns(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]domain.Turn, error) {
	var out []domain.Turn
	q := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListTurnsPage returns a paginated slice ordered newest-first for history
// display.
func ListTurnsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Turn, error) {
	var out []domain.Turn
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountTurns uses a raw COUNT so a missing table surfaces as an error.
func CountTurns(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM turns WHERE session_id = ?", sessionID).
		Scan(&total).Error
	return total, err
}

// GetTurn fetches a turn by ID.
func GetTurn(ctx context.Context, db *gorm.DB, id string) (*domain.Turn, error) {
	var t domain.Turn
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteSessionTurns removes every turn of a session and returns the number
// of rows deleted.
func DeleteSessionTurns(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.Turn{})
	return res.RowsAffected, res.Error
}

// DeleteTurnsBefore removes every turn with CreatedAt strictly before the
// cutoff, across all sessions, and returns the number of rows deleted.
// Turns created exactly at the cutoff are retained.
func DeleteTurnsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.Turn{})
	return res.RowsAffected, res.Error
}
