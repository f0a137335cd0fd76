// Guidance HTTP handlers.
//
// This file exposes REST endpoints for disease recommendations:
//   - POST /guidance/{disease}   (generate, optionally enhancing a stored baseline)
//   - GET  /guidance/{disease}   (stored baseline lookup)
//   - PUT  /guidance/{disease}   (upsert a curated baseline)
//
// The disease path parameter is normalized by the service layer (lowercase,
// hyphenated), so "BLACK SPOT", "black spot", and "black-spot" address the
// same recommendation.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/llm"
	"citrus-guidance-backend/internal/services"
)

// GuidanceService defines recommendation operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type GuidanceService interface {
	// Generate produces a recommendation for the disease, with fallback policy.
	Generate(ctx context.Context, disease string, gctx llm.GuidanceContext, enhance bool) (*services.GuidanceResult, error)
	// Baseline returns the stored recommendation for the disease.
	Baseline(ctx context.Context, disease string) (*domain.Recommendation, error)
	// SaveBaseline upserts a curated recommendation for the disease.
	SaveBaseline(ctx context.Context, disease string, rec *domain.Recommendation) error
}

//
// DTOs
//

// GenerateGuidanceRequest is the JSON payload for recommendation generation.
// All fields are optional hints folded into the model prompt.
type GenerateGuidanceRequest struct {
	// Severity of the observed infection (e.g. "mild", "moderate", "severe").
	Severity string `json:"severity" example:"moderate"`
	// Confidence of the upstream disease classification, in [0,1].
	Confidence *float64 `json:"confidence" example:"0.87"`
	// Context carries free-text observations from the field.
	Context string `json:"context" example:"Spots appeared after two weeks of heavy rain."`
	// Enhance folds a stored baseline into the generation when one exists.
	Enhance bool `json:"enhance" example:"true"`
}

// GuidanceResponse wraps a generated or stored recommendation.
type GuidanceResponse struct {
	Recommendation *domain.Recommendation `json:"recommendation"`
	// Degraded is set when the model was unavailable and a stored baseline
	// was served instead of fresh guidance.
	Degraded bool `json:"degraded,omitempty"`
}

// PutGuidanceRequest is the JSON payload for upserting a curated baseline.
// The five list fields plus Summary are required for a valid recommendation.
type PutGuidanceRequest struct {
	DiseaseName     string   `json:"disease_name" example:"Citrus Canker"`
	Severity        string   `json:"severity" example:"moderate"`
	Summary         string   `json:"summary" binding:"required,min=1"`
	Symptoms        []string `json:"symptoms" binding:"required,min=1"`
	Causes          []string `json:"causes" binding:"required,min=1"`
	TreatmentSteps  []string `json:"treatment_steps" binding:"required,min=1"`
	PreventionSteps []string `json:"prevention_steps" binding:"required,min=1"`
	WhenToEscalate  []string `json:"when_to_escalate" binding:"required,min=1"`
	AdditionalNotes string   `json:"additional_notes"`
}

//
// Handlers
//

// GenerateGuidance godoc
// @ID          generateGuidance
// @Summary     Generate a disease recommendation
// @Description Generates structured guidance for a citrus-leaf disease using the model.
// @Description With enhance=true an existing stored baseline is folded in and the result
// @Description carries AI-only steps in the enhanced fields. When the model is unavailable
// @Description a stored baseline is served with degraded=true; with no baseline the call
// @Description fails with 503.
// @Tags        Guidance
// @Accept      json
// @Produce     json
//
// @Param       disease  path  string  true  "Disease name or key"  example(citrus-canker)
// @Param       body     body  handlers.GenerateGuidanceRequest  false  "Generation hints"
//
// @Success     200  {object} handlers.GuidanceResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     503  {object} handlers.ErrorResponse "Guidance unavailable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /guidance/{disease} [post]
func (h *Handlers) GenerateGuidance(c *gin.Context) {
	disease := strings.TrimSpace(c.Param("disease"))
	if disease == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "disease required")
		return
	}

	// Body is optional; an empty body means plain generation.
	var req GenerateGuidanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "confidence must be in [0,1]")
		return
	}

	gctx := llm.GuidanceContext{
		Severity:   strings.TrimSpace(req.Severity),
		Confidence: req.Confidence,
		FreeText:   strings.TrimSpace(req.Context),
	}

	res, err := h.gdSvc.Generate(c.Request.Context(), disease, gctx, req.Enhance)
	if err != nil {
		if errors.Is(err, services.ErrGuidanceUnavailable) {
			fail(c, http.StatusServiceUnavailable, ErrCodeGuidanceUnavailable, "guidance unavailable right now")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, GuidanceResponse{
		Recommendation: res.Recommendation,
		Degraded:       res.Degraded,
	})
}

// GetGuidance godoc
// @ID          getGuidance
// @Summary     Look up a stored baseline
// @Description Returns the stored recommendation for the disease, if one exists.
// @Tags        Guidance
// @Produce     json
//
// @Param       disease  path  string  true  "Disease name or key"  example(citrus-canker)
//
// @Success     200  {object} handlers.GuidanceResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "No baseline stored"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /guidance/{disease} [get]
func (h *Handlers) GetGuidance(c *gin.Context) {
	disease := strings.TrimSpace(c.Param("disease"))
	if disease == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "disease required")
		return
	}

	rec, err := h.gdSvc.Baseline(c.Request.Context(), disease)
	if err != nil {
		if errors.Is(err, services.ErrRecommendationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no baseline stored for this disease")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, GuidanceResponse{Recommendation: rec})
}

// PutGuidance godoc
// @ID          putGuidance
// @Summary     Upsert a curated baseline
// @Description Stores or replaces the curated recommendation for the disease.
// @Description The source is forced to `curated` and the safety disclaimer attached.
// @Tags        Guidance
// @Accept      json
// @Produce     json
//
// @Param       disease  path  string  true  "Disease name or key"  example(citrus-canker)
// @Param       body     body  handlers.PutGuidanceRequest  true  "Curated recommendation"
//
// @Success     200  {object} handlers.GuidanceResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /guidance/{disease} [put]
func (h *Handlers) PutGuidance(c *gin.Context) {
	disease := strings.TrimSpace(c.Param("disease"))
	if disease == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "disease required")
		return
	}

	var req PutGuidanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "summary and all step lists are required")
		return
	}

	rec := &domain.Recommendation{
		DiseaseName:     strings.TrimSpace(req.DiseaseName),
		Severity:        strings.TrimSpace(req.Severity),
		Summary:         strings.TrimSpace(req.Summary),
		Symptoms:        req.Symptoms,
		Causes:          req.Causes,
		TreatmentSteps:  req.TreatmentSteps,
		PreventionSteps: req.PreventionSteps,
		WhenToEscalate:  req.WhenToEscalate,
		AdditionalNotes: strings.TrimSpace(req.AdditionalNotes),
	}

	if err := h.gdSvc.SaveBaseline(c.Request.Context(), disease, rec); err != nil {
		if errors.Is(err, services.ErrInvalidRecommendation) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recommendation missing required fields")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, GuidanceResponse{Recommendation: rec})
}

// isGatewayUnavailable reports whether the error chain stems from the model
// gateway being unreachable or answering non-2xx.
func isGatewayUnavailable(err error) bool {
	return errors.Is(err, llm.ErrUnavailable)
}
