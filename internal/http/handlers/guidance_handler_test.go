package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/llm"
	"citrus-guidance-backend/internal/services"
)

type fakeGuidanceService struct {
	result *services.GuidanceResult
	genErr error

	baseline    *domain.Recommendation
	baselineErr error

	saveErr error

	gotDisease string
	gotCtx     llm.GuidanceContext
	gotEnhance bool
	savedRec   *domain.Recommendation
}

func (f *fakeGuidanceService) Generate(_ context.Context, disease string, gctx llm.GuidanceContext, enhance bool) (*services.GuidanceResult, error) {
	f.gotDisease, f.gotCtx, f.gotEnhance = disease, gctx, enhance
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.result, nil
}

func (f *fakeGuidanceService) Baseline(_ context.Context, disease string) (*domain.Recommendation, error) {
	f.gotDisease = disease
	return f.baseline, f.baselineErr
}

func (f *fakeGuidanceService) SaveBaseline(_ context.Context, disease string, rec *domain.Recommendation) error {
	f.gotDisease, f.savedRec = disease, rec
	return f.saveErr
}

func sampleGuidance() *domain.Recommendation {
	return &domain.Recommendation{
		DiseaseKey:      "citrus-canker",
		DiseaseName:     "Citrus Canker",
		Severity:        "moderate",
		Summary:         "Bacterial lesions on leaves and fruit.",
		Symptoms:        []string{"Raised corky lesions"},
		Causes:          []string{"Xanthomonas citri"},
		TreatmentSteps:  []string{"Remove infected shoots"},
		PreventionSteps: []string{"Use windbreaks"},
		WhenToEscalate:  []string{"Fruit drop"},
		Disclaimer:      llm.Disclaimer,
		Source:          domain.SourceAIGenerated,
	}
}

func newGuidanceRouter(gd *fakeGuidanceService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(&fakeChatService{}, &fakeRetentionService{}, gd, nil)
	r := gin.New()
	r.POST("/guidance/:disease", h.GenerateGuidance)
	r.GET("/guidance/:disease", h.GetGuidance)
	r.PUT("/guidance/:disease", h.PutGuidance)
	return r
}

func TestGenerateGuidance_Happy(t *testing.T) {
	gd := &fakeGuidanceService{result: &services.GuidanceResult{Recommendation: sampleGuidance()}}
	r := newGuidanceRouter(gd)

	body := `{"severity":"severe","confidence":0.87,"context":"after heavy rain","enhance":true}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/guidance/citrus-canker", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp GuidanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Recommendation == nil || resp.Recommendation.DiseaseKey != "citrus-canker" {
		t.Fatalf("recommendation missing: %+v", resp)
	}
	if resp.Degraded {
		t.Fatalf("degraded must be false on a fresh generation")
	}
	if gd.gotDisease != "citrus-canker" || !gd.gotEnhance {
		t.Fatalf("service got disease=%q enhance=%v", gd.gotDisease, gd.gotEnhance)
	}
	if gd.gotCtx.Severity != "severe" || gd.gotCtx.FreeText != "after heavy rain" {
		t.Fatalf("hints not forwarded: %+v", gd.gotCtx)
	}
	if gd.gotCtx.Confidence == nil || *gd.gotCtx.Confidence != 0.87 {
		t.Fatalf("confidence not forwarded: %v", gd.gotCtx.Confidence)
	}
}

func TestGenerateGuidance_EmptyBodyOK(t *testing.T) {
	gd := &fakeGuidanceService{result: &services.GuidanceResult{Recommendation: sampleGuidance()}}
	r := newGuidanceRouter(gd)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/guidance/citrus-canker", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; an empty body means plain generation", w.Code)
	}
	if gd.gotEnhance {
		t.Fatalf("enhance must default to false")
	}
}

func TestGenerateGuidance_Degraded(t *testing.T) {
	rec := sampleGuidance()
	rec.Source = domain.SourceDatabaseFallback
	gd := &fakeGuidanceService{result: &services.GuidanceResult{Recommendation: rec, Degraded: true}}
	r := newGuidanceRouter(gd)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/guidance/citrus-canker", nil)
	r.ServeHTTP(w, req)

	var resp GuidanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.Degraded {
		t.Fatalf("degraded flag must surface: %s", w.Body.String())
	}
}

func TestGenerateGuidance_BadInput(t *testing.T) {
	gd := &fakeGuidanceService{result: &services.GuidanceResult{Recommendation: sampleGuidance()}}
	r := newGuidanceRouter(gd)

	cases := []struct {
		name string
		body string
	}{
		{"confidence above 1", `{"confidence":1.5}`},
		{"confidence below 0", `{"confidence":-0.1}`},
		{"broken json", `{"severity":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/guidance/scab", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d; want 400", w.Code)
			}
		})
	}
}

func TestGenerateGuidance_Unavailable(t *testing.T) {
	gd := &fakeGuidanceService{genErr: services.ErrGuidanceUnavailable}
	r := newGuidanceRouter(gd)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/guidance/melanose", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Code != ErrCodeGuidanceUnavailable {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}

func TestGetGuidance(t *testing.T) {
	gd := &fakeGuidanceService{baseline: sampleGuidance()}
	r := newGuidanceRouter(gd)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/guidance/citrus-canker", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp GuidanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Recommendation == nil {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestGetGuidance_NotFound(t *testing.T) {
	gd := &fakeGuidanceService{baselineErr: services.ErrRecommendationNotFound}
	r := newGuidanceRouter(gd)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/guidance/unknown", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Code != ErrCodeNotFound {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}

func TestPutGuidance(t *testing.T) {
	gd := &fakeGuidanceService{}
	r := newGuidanceRouter(gd)

	body := `{
		"disease_name": "Citrus Canker",
		"severity": "moderate",
		"summary": "Bacterial lesions.",
		"symptoms": ["Raised corky lesions"],
		"causes": ["Xanthomonas citri"],
		"treatment_steps": ["Remove infected shoots"],
		"prevention_steps": ["Use windbreaks"],
		"when_to_escalate": ["Fruit drop"]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/guidance/citrus%20canker", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	// Normalization happens in the service; the handler forwards the raw param.
	if gd.gotDisease != "citrus canker" {
		t.Fatalf("disease forwarded = %q", gd.gotDisease)
	}
	if gd.savedRec == nil || gd.savedRec.Summary != "Bacterial lesions." {
		t.Fatalf("saved rec = %+v", gd.savedRec)
	}
}

func TestPutGuidance_MissingLists(t *testing.T) {
	r := newGuidanceRouter(&fakeGuidanceService{})

	// prevention_steps absent, rejected by binding.
	body := `{
		"summary": "Bacterial lesions.",
		"symptoms": ["x"],
		"causes": ["x"],
		"treatment_steps": ["x"],
		"when_to_escalate": ["x"]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/guidance/citrus-canker", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestPutGuidance_ServiceRejects(t *testing.T) {
	gd := &fakeGuidanceService{saveErr: services.ErrInvalidRecommendation}
	r := newGuidanceRouter(gd)

	body := `{
		"summary": "s",
		"symptoms": ["x"],
		"causes": ["x"],
		"treatment_steps": ["x"],
		"prevention_steps": ["x"],
		"when_to_escalate": ["x"]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/guidance/--", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Code != ErrCodeBadRequest {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}
