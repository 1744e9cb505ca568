// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// authentication, idempotency, rate limiting, CORS, and security headers.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic router setup; all dependencies injected
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/owencairns/ad-generator-sub000/internal/config"
	"github.com/owencairns/ad-generator-sub000/internal/http/handlers"
	"github.com/owencairns/ad-generator-sub000/internal/http/middleware"
	"github.com/owencairns/ad-generator-sub000/internal/observer"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/storage"
)

// Deps are the collaborators mounted by RegisterRoutes.
type Deps struct {
	Generations handlers.GenerationService
	Records     handlers.RecordService
	Chat        handlers.ChatService
	Watch       observer.Source

	// Verify checks Firebase ID tokens. Nil serves every request anonymously.
	Verify middleware.TokenVerifier
	// FilesDir is served under storage.LocalFilesPath when set.
	FilesDir string
}

// idempotencyLedger adapts the repository free functions to the
// middleware.IdempotencyStore interface.
type idempotencyLedger struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup proxies repo.GetIdempotency; a miss is (nil, nil).
func (l idempotencyLedger) Lookup(ctx context.Context, userID, scope, key string, now time.Time) (*middleware.StoredResponse, error) {
	rec, err := repo.GetIdempotency(ctx, l.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &middleware.StoredResponse{Status: rec.StatusCode, Body: rec.Response}, nil
}

// Save proxies repo.SaveIdempotency. A concurrent duplicate already holds an
// equivalent response, so it is not an error.
func (l idempotencyLedger) Save(ctx context.Context, userID, scope, key string, resp middleware.StoredResponse) error {
	_, err := repo.SaveIdempotency(ctx, l.db, userID, scope, key, resp.Status, resp.Body, l.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// eventsPath matches the SSE route, which must not be gzipped, rate limited
// per poll, or timed by the latency histogram.
var eventsPath = regexp.MustCompile(`/generations/[^/]+/[^/]+/events$`)

// imagePath matches the routes that call the image model.
var imagePath = regexp.MustCompile(`/(generate/generate-image|edit)$`)

// imageRequestCost is the rate-limit charge for one image model call.
const imageRequestCost = 3

// isPublic reports paths served without authentication or rate limiting.
func isPublic(p string) bool {
	return p == "/health" || p == "/metrics" || strings.HasPrefix(p, storage.LocalFilesPath+"/")
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. db backs the idempotency ledger.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (base64 image uploads are large)
//  6. Gzip, except the event stream
//  7. Metrics
//  8. Auth: Firebase ID token, path owner check
//  9. Idempotency ledger (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user/IP, bypass on replay)
//  11. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Goog-Api-Key", "X-Firebase-AppCheck"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(cfg.MaxBodyBytes))

	// 6) Compression; SSE frames must reach the client unbuffered
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{eventsPath.String()})))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Authentication (skipped entirely when no verifier is configured)
	if deps.Verify != nil {
		r.Use(middleware.Auth(deps.Verify, middleware.AuthOptions{
			Required:   cfg.AuthRequired,
			OwnerParam: "userId",
			Skip: func(c *gin.Context) bool {
				return c.Request.Method == http.MethodOptions || isPublic(c.Request.URL.Path)
			},
		}))
	}

	// 9) Idempotency ledger (before rate limiting)
	var ledger middleware.IdempotencyStore
	if db != nil {
		ledger = idempotencyLedger{db: db, ttl: cfg.IdempotencyTTL}
	}
	r.Use(middleware.Idempotency(middleware.IdempotencyOptions{MaxLen: 200}, ledger))

	// 10) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).
		Skip(func(c *gin.Context) bool {
			p := c.Request.URL.Path
			return isPublic(p) || eventsPath.MatchString(p)
		}).
		Cost(func(c *gin.Context) int {
			if c.Request.Method == http.MethodPost && imagePath.MatchString(c.Request.URL.Path) {
				return imageRequestCost
			}
			return 1
		})
	r.Use(rl.Handler())

	// 11) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey, "If-None-Match", "Last-Event-ID"}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed}
	methods := []string{"GET", "POST", "DELETE", "OPTIONS"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
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
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStore:       true,
		EnablePolicy:  true,
		AssetPrefixes: []string{storage.LocalFilesPath + "/"},
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Locally stored images
	if deps.FilesDir != "" {
		r.Static(storage.LocalFilesPath, deps.FilesDir)
	}

	h := handlers.New(deps.Generations, deps.Records, deps.Chat, deps.Watch)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Model flows
		api.POST("/generate/generate-image", h.GenerateImage)
		api.POST("/edit", h.EditImage)
		api.POST("/brainstorm/chat", h.BrainstormChat)

		// Records
		api.GET("/generations/:userId", h.ListGenerations)
		api.GET("/generations/:userId/:generationId", h.GetGeneration)
		api.GET("/generations/:userId/:generationId/events", h.GenerationEvents)

		// Versions
		api.GET("/generations/:userId/:generationId/versions/:versionId/adjacent", h.AdjacentVersion)
		api.POST("/generations/:userId/:generationId/versions/:versionId/select", h.SelectVersion)
		api.DELETE("/generations/:userId/:generationId/versions/:versionId", h.RetractVersion)
	}
}

// limitBody caps the request body size to maxBytes using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body
// reads to error. maxBytes <= 0 disables the cap.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
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
