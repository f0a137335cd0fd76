// Package services – FeedbackService
//
// This file implements the FeedbackService, which governs how a session
// leaves feedback (-1 or +1) on assistant turns. It enforces business rules
// (turn existence, session ownership, assistant-only restriction,
// uniqueness) and persists feedback atomically. Service-level errors
// (ErrInvalidFeedback, ErrTurnNotFound, ErrForbiddenFeedback,
// ErrDuplicateFeedback) are returned for predictable cases so handlers can
// map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/repo"
)

// FeedbackService implements the use-cases around turn feedback.
// It validates the operation (ownership, turn role, uniqueness) and persists
// the feedback using the provided GORM handle. The service is context-aware
// and opens its own transaction per call.
type FeedbackService struct {
	// DB is the database handle used for all feedback operations.
	DB *gorm.DB
}

// Leave records a feedback value for turnID on behalf of sessionID.
//
// Semantics and validation:
//   - value must be exactly -1 (negative) or 1 (positive); otherwise ErrInvalidFeedback.
//   - turnID must exist; otherwise ErrTurnNotFound.
//   - The turn must belong to sessionID; otherwise ErrForbiddenFeedback.
//   - Feedback is allowed only on assistant turns; user and system turns are
//     rejected with ErrForbiddenFeedback.
//   - A session may leave at most one feedback per turn; attempting to do so
//     again yields ErrDuplicateFeedback.
//
// The existence/ownership checks and the insert run inside one transaction.
func (s *FeedbackService) Leave(ctx context.Context, sessionID, turnID string, value int) error {
	if value != -1 && value != 1 {
		return ErrInvalidFeedback
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		turn, err := repo.GetTurn(ctx, tx, turnID)
		if err != nil {
			if isNotFound(err) {
				return ErrTurnNotFound
			}
			return err
		}

		if turn.SessionID != sessionID {
			return ErrForbiddenFeedback
		}
		if turn.Role != domain.RoleAssistant {
			return ErrForbiddenFeedback
		}

		fb := &domain.TurnFeedback{
			ID:        uuid.NewString(),
			TurnID:    turnID,
			SessionID: sessionID,
			Value:     value,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(fb).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
				return ErrDuplicateFeedback
			}
			return err
		}
		return nil
	})
}

// isNotFound treats repo-level not found sentinels as "not found" in a
// driver-agnostic way. It also checks gorm.ErrRecordNotFound for safety.
func isNotFound(err error) bool {
	if errors.Is(err, repo.ErrNotFound) {
		return true
	}
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
