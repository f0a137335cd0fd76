package repo

import (
	"context"
	"testing"

	"citrus-guidance-backend/internal/domain"
)

func sampleRecommendation(key string) *domain.Recommendation {
	return &domain.Recommendation{
		DiseaseKey:      key,
		DiseaseName:     "Citrus Canker",
		Summary:         "Likely bacterial canker on young flush.",
		Symptoms:        []string{"Raised corky lesions with yellow halos"},
		Causes:          []string{"Xanthomonas citri spread by wind-driven rain"},
		TreatmentSteps:  []string{"Prune infected twigs", "Protect new flush"},
		PreventionSteps: []string{"Use windbreaks", "Disinfect tools"},
		WhenToEscalate:  []string{"Lesions appear on fruit"},
		Disclaimer:      "Guidance only — confirm with a local agriculture technician/DA office for accurate diagnosis and treatment.",
		Source:          domain.SourceCurated,
	}
}

func TestFindRecommendationByKey_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := FindRecommendationByKey(context.Background(), db, "absent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRecommendation_InsertThenFind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := sampleRecommendation("citrus-canker")
	if err := UpsertRecommendation(ctx, db, rec); err != nil {
		t.Fatalf("UpsertRecommendation: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("identity/timestamps not populated: %+v", rec)
	}

	got, err := FindRecommendationByKey(ctx, db, "citrus-canker")
	if err != nil {
		t.Fatalf("FindRecommendationByKey: %v", err)
	}
	if got.Summary != rec.Summary || got.Source != domain.SourceCurated {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.TreatmentSteps) != 2 || got.TreatmentSteps[0] != "Prune infected twigs" {
		t.Fatalf("JSON list column mismatch: %v", got.TreatmentSteps)
	}
}

func TestUpsertRecommendation_ReplacesExistingRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := sampleRecommendation("black-spot")
	if err := UpsertRecommendation(ctx, db, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := sampleRecommendation("black-spot")
	second.Summary = "Updated summary after field review."
	second.Source = domain.SourceAIEnhanced
	second.EnhancedTreatment = []string{"Remove fallen leaves promptly"}
	if err := UpsertRecommendation(ctx, db, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := FindRecommendationByKey(ctx, db, "black-spot")
	if err != nil {
		t.Fatalf("FindRecommendationByKey: %v", err)
	}
	if got.Summary != "Updated summary after field review." || got.Source != domain.SourceAIEnhanced {
		t.Fatalf("row not replaced: %+v", got)
	}
	if len(got.EnhancedTreatment) != 1 {
		t.Fatalf("enhancement column not replaced: %v", got.EnhancedTreatment)
	}

	// Still a single row for the key.
	var n int64
	if err := db.Model(&domain.Recommendation{}).Where("disease_key = ?", "black-spot").Count(&n).Error; err != nil || n != 1 {
		t.Fatalf("row count = %d, %v; want 1", n, err)
	}
}
