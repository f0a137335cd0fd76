// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"citrus-guidance-backend/internal/config"
	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/http/handlers"
	"citrus-guidance-backend/internal/http/middleware"
	"citrus-guidance-backend/internal/repo"
	"citrus-guidance-backend/internal/services"
)

// turnStoreShim adapts the repository free functions to the services.TurnStore
// interface expected by the chat service and conversation context. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type turnStoreShim struct{}

// Append proxies repo.AppendTurn.
func (turnStoreShim) Append(ctx context.Context, db *gorm.DB, sessionID, role, content, modelID string) (*domain.Turn, error) {
	return repo.AppendTurn(ctx, db, sessionID, role, content, modelID)
}

// Recent proxies repo.RecentTurns.
func (turnStoreShim) Recent(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]domain.Turn, error) {
	return repo.RecentTurns(ctx, db, sessionID, limit)
}

// Get proxies repo.GetTurn.
func (turnStoreShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Turn, error) {
	return repo.GetTurn(ctx, db, id)
}

// Page proxies repo.ListTurnsPage (pagination support).
func (turnStoreShim) Page(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Turn, error) {
	return repo.ListTurnsPage(ctx, db, sessionID, offset, limit)
}

// Count proxies repo.CountTurns (pagination support).
func (turnStoreShim) Count(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	return repo.CountTurns(ctx, db, sessionID)
}

// Stats proxies repo.SessionStats (ETag support).
func (turnStoreShim) Stats(ctx context.Context, db *gorm.DB, sessionID string) (int64, *time.Time, error) {
	return repo.SessionStats(ctx, db, sessionID)
}

// DeleteSession proxies repo.DeleteSessionTurns.
func (turnStoreShim) DeleteSession(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	return repo.DeleteSessionTurns(ctx, db, sessionID)
}

// DeleteOlderThan proxies repo.DeleteTurnsBefore.
func (turnStoreShim) DeleteOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.DeleteTurnsBefore(ctx, db, cutoff)
}

// recommendationStoreShim adapts the repository free functions to the
// services.RecommendationStore interface expected by the guidance service.
type recommendationStoreShim struct{}

// FindByKey proxies repo.FindRecommendationByKey.
func (recommendationStoreShim) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Recommendation, error) {
	return repo.FindRecommendationByKey(ctx, db, key)
}

// Upsert proxies repo.UpsertRecommendation.
func (recommendationStoreShim) Upsert(ctx context.Context, db *gorm.DB, rec *domain.Recommendation) error {
	return repo.UpsertRecommendation(ctx, db, rec)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. gzip (SSE endpoints excluded so deltas flush immediately)
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per session/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, gw services.ModelGateway, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) gzip everywhere except the streaming chat endpoint
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`/sessions/.+/messages`}),
	))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, sessionID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, sessionID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 9) Token-bucket rate limiter per session/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySessionOrIP())
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Session-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Session-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health, including a best-effort model endpoint probe
	r.GET("/health", func(c *gin.Context) {
		model := "unreachable"
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if gw != nil && gw.HealthCheck(probeCtx) {
			model = "ok"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_gateway": model})
	})

	// Swagger UI (behind config flag)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/gateway
	window := services.NewConversationContext(db, turnStoreShim{})
	if cfg.ChatWindowSize > 0 {
		window.WindowSize = cfg.ChatWindowSize
	}

	chatSvc := services.NewChatService(db, turnStoreShim{}, window, gw)
	if cfg.MaxMessageRunes > 0 {
		chatSvc.MaxMessageRunes = cfg.MaxMessageRunes
	}

	gdSvc := services.NewGuidanceService(db, recommendationStoreShim{}, gw)
	fbSvc := &services.FeedbackService{DB: db}
	h := handlers.New(chatSvc, window, gdSvc, fbSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Sessions
		api.POST("/sessions/:id/messages", h.PostMessage)
		api.GET("/sessions/:id/messages", h.ListMessages)
		api.DELETE("/sessions/:id", h.DeleteSession)

		// Guidance
		api.POST("/guidance/:disease", h.GenerateGuidance)
		api.GET("/guidance/:disease", h.GetGuidance)
		api.PUT("/guidance/:disease", h.PutGuidance)

		// Feedback
		api.POST("/messages/:id/feedback", h.LeaveFeedback)

		// Maintenance
		api.POST("/maintenance/turns/purge", h.PurgeTurns)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
