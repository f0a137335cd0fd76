// Package services – GuidanceService
//
// This file implements GuidanceService, which answers "give me guidance for
// disease X". It normalizes the disease key, optionally folds a stored
// baseline into the prompt context, calls the model gateway, parses the
// reply into a structured recommendation, and applies the fallback chain
// when the gateway is unavailable: stored baseline (source
// `database-fallback`) if one exists, otherwise a terminal
// ErrGuidanceUnavailable. Parse failures never surface; the parser absorbs
// them into a canonical safe object.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/llm"
	"citrus-guidance-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecommendationStore defines the repository contract required by
// GuidanceService. FindByKey returns repo.ErrNotFound when no row exists.
type RecommendationStore interface {
	// FindByKey fetches the stored recommendation for a normalized key.
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Recommendation, error)

	// Upsert inserts or replaces the recommendation keyed by DiseaseKey.
	Upsert(ctx context.Context, db *gorm.DB, rec *domain.Recommendation) error
}

// GuidanceResult is the outcome of one recommendation generation.
type GuidanceResult struct {
	// Recommendation is always valid: required lists non-empty, disclaimer set.
	Recommendation *domain.Recommendation
	// Degraded is set when the gateway failed and a stored baseline was
	// served instead of fresh guidance.
	Degraded bool
}

// GuidanceService generates structured disease recommendations and manages
// stored baselines.
type GuidanceService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Recs is the recommendation repository used by this service.
	Recs RecommendationStore
	// Gateway owns the external model call.
	Gateway ModelGateway

	// Options are merged over the gateway defaults on every call.
	Options llm.Options
}

// NewGuidanceService constructs a GuidanceService.
func NewGuidanceService(db *gorm.DB, recs RecommendationStore, gw ModelGateway) *GuidanceService {
	return &GuidanceService{DB: db, Recs: recs, Gateway: gw}
}

// Generate produces a recommendation for the disease.
//
// With enhanceExisting set and a baseline present, the baseline's summary
// and severity seed the prompt context and the AI result is merged into the
// baseline: canonical fields stay, AI steps not already present become
// EnhancedTreatment/EnhancedPrevention (exact string equality), and the
// result carries source `ai-enhanced`. Without a baseline the parsed result
// is returned verbatim with source `ai-generated`. On gateway failure the
// baseline is served with source `database-fallback` and the Degraded flag,
// or ErrGuidanceUnavailable when there is no baseline.
func (s *GuidanceService) Generate(ctx context.Context, diseaseKey string, gctx llm.GuidanceContext, enhanceExisting bool) (*GuidanceResult, error) {
	tr := otel.Tracer("services/GuidanceService")
	ctx, span := tr.Start(ctx, "Generate",
		trace.WithAttributes(
			attribute.String("disease.key", diseaseKey),
			attribute.Bool("enhance", enhanceExisting),
		),
	)
	defer span.End()

	key := llm.NormalizeDiseaseKey(diseaseKey)
	if key == "" {
		return nil, ErrGuidanceUnavailable
	}

	var baseline *domain.Recommendation
	if enhanceExisting {
		b, err := s.Recs.FindByKey(ctx, s.DB, key)
		switch {
		case err == nil:
			baseline = b
			if gctx.BaselineSummary == "" {
				gctx.BaselineSummary = b.Summary
			}
			if gctx.Severity == "" {
				gctx.Severity = b.Severity
			}
		case errors.Is(err, repo.ErrNotFound):
			// No baseline: fall through to plain generation.
		default:
			return nil, err
		}
	}

	messages := llm.BuildRecommendationPrompt(key, gctx)
	reply, err := s.Gateway.Complete(ctx, messages, s.Options)
	if err != nil {
		if baseline != nil {
			served := *baseline
			served.Source = domain.SourceDatabaseFallback
			served.Disclaimer = llm.Disclaimer
			return &GuidanceResult{Recommendation: &served, Degraded: true}, nil
		}
		return nil, ErrGuidanceUnavailable
	}

	rec := llm.Parse(reply.Content)
	rec.DiseaseKey = key
	if rec.DiseaseName == "" {
		rec.DiseaseName = llm.DisplayName(key)
	}

	if baseline != nil {
		return &GuidanceResult{Recommendation: mergeWithBaseline(baseline, rec)}, nil
	}

	rec.Source = domain.SourceAIGenerated
	return &GuidanceResult{Recommendation: rec}, nil
}

// Baseline returns the stored recommendation for the disease, or
// ErrRecommendationNotFound.
func (s *GuidanceService) Baseline(ctx context.Context, diseaseKey string) (*domain.Recommendation, error) {
	key := llm.NormalizeDiseaseKey(diseaseKey)
	if key == "" {
		return nil, ErrRecommendationNotFound
	}
	rec, err := s.Recs.FindByKey(ctx, s.DB, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRecommendationNotFound
	}
	return rec, err
}

// SaveBaseline upserts a curated recommendation for the disease. The key is
// normalized, the source forced to `curated`, and the disclaimer attached;
// a recommendation failing the required-field invariant is rejected.
func (s *GuidanceService) SaveBaseline(ctx context.Context, diseaseKey string, rec *domain.Recommendation) error {
	tr := otel.Tracer("services/GuidanceService")
	ctx, span := tr.Start(ctx, "SaveBaseline",
		trace.WithAttributes(attribute.String("disease.key", diseaseKey)),
	)
	defer span.End()

	key := llm.NormalizeDiseaseKey(diseaseKey)
	if key == "" {
		return ErrInvalidRecommendation
	}
	rec.DiseaseKey = key
	if rec.DiseaseName == "" {
		rec.DiseaseName = llm.DisplayName(key)
	}
	rec.Source = domain.SourceCurated
	rec.Disclaimer = llm.Disclaimer
	if !rec.HasRequiredFields() {
		return ErrInvalidRecommendation
	}
	return s.Recs.Upsert(ctx, s.DB, rec)
}

// mergeWithBaseline folds an AI result into a stored baseline: canonical
// baseline fields are kept, AI treatment/prevention steps not already in
// the baseline land in the Enhanced lists, and AI notes are carried over.
func mergeWithBaseline(baseline, ai *domain.Recommendation) *domain.Recommendation {
	merged := *baseline
	merged.EnhancedTreatment = stepsNotIn(ai.TreatmentSteps, baseline.TreatmentSteps)
	merged.EnhancedPrevention = stepsNotIn(ai.PreventionSteps, baseline.PreventionSteps)
	if ai.AdditionalNotes != "" {
		merged.AdditionalNotes = ai.AdditionalNotes
	}
	merged.Source = domain.SourceAIEnhanced
	merged.Disclaimer = llm.Disclaimer
	return &merged
}

// stepsNotIn returns the steps absent from have, compared by exact string
// equality, preserving order.
func stepsNotIn(steps, have []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, h := range have {
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(steps))
	for _, st := range steps {
		if _, ok := seen[st]; !ok {
			out = append(out, st)
		}
	}
	return out
}
