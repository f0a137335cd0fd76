// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Recommendation model: baseline lookup by normalized disease key and the
// atomic upsert used when curating or caching AI-generated guidance.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"citrus-guidance-backend/internal/domain"
)

// FindRecommendationByKey fetches the stored recommendation for a normalized
// disease key, or ErrNotFound when no baseline exists.
func FindRecommendationByKey(ctx context.Context, db *gorm.DB, diseaseKey string) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	err := db.WithContext(ctx).
		Where("disease_key = ?", diseaseKey).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertRecommendation inserts the recommendation or, when a row for its
// disease key already exists, replaces that row's content in a single
// statement. The lookup-and-write is atomic at the database level.
func UpsertRecommendation(ctx context.Context, db *gorm.DB, rec *domain.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "disease_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"disease_name", "severity", "summary",
				"symptoms", "causes", "treatment_steps", "prevention_steps",
				"when_to_escalate", "enhanced_treatment", "enhanced_prevention",
				"additional_notes", "disclaimer", "source", "updated_at",
			}),
		}).
		Create(rec).Error
}
