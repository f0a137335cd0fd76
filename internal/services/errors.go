// Package services defines the business logic for chat continuation,
// guidance generation, retention, and feedback. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrEmptyMessage is returned when a chat continuation request contains
	// an empty message.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when a chat message exceeds the maximum
	// configured rune length.
	ErrMessageTooLong = errors.New("message too long")

	// ErrGuidanceUnavailable is terminal: the gateway failed and no stored
	// baseline exists for the requested disease, so there is nothing safe to
	// return.
	ErrGuidanceUnavailable = errors.New("guidance unavailable right now")

	// ErrRecommendationNotFound indicates that no stored baseline exists for
	// the requested disease key.
	ErrRecommendationNotFound = errors.New("recommendation not found")

	// ErrInvalidRecommendation is returned when a curated baseline upsert
	// fails the required-field invariant.
	ErrInvalidRecommendation = errors.New("recommendation missing required fields")

	// ErrTurnNotFound indicates that the requested turn does not exist.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrInvalidFeedback is returned when a feedback value is outside the
	// allowed set (-1 or 1).
	ErrInvalidFeedback = errors.New("feedback value must be -1 or 1")

	// ErrForbiddenFeedback is returned when a session attempts to rate a
	// turn it does not own or a turn that is not an assistant reply.
	ErrForbiddenFeedback = errors.New("cannot leave feedback on this turn")

	// ErrDuplicateFeedback is returned when a session rates the same turn
	// twice.
	ErrDuplicateFeedback = errors.New("feedback already exists")
)
