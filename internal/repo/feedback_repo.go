// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// TurnFeedback model.
//
// The repository follows a "thin" approach: it performs persistence and
// simple query composition, leaving business rules to the services package.
// Duplicate feedback (same turn_id, session_id) relies on the database
// unique constraint and is returned as a raw DB error; the service layer
// translates it into a domain error.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
)

// CreateTurnFeedback inserts a feedback row for the given turn and session.
//
// The combination (turn_id, session_id) must be unique, enforced by the
// database schema. Value must be -1 or 1; validation is enforced at higher
// layers and via the DB check constraint.
func CreateTurnFeedback(ctx context.Context, db *gorm.DB, turnID, sessionID string, value int) error {
	fb := &domain.TurnFeedback{
		ID:        uuid.NewString(),
		TurnID:    turnID,
		SessionID: sessionID,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(fb).Error
}
