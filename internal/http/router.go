// Package httpapi wires the relay's HTTP edge: the Telegram webhook, health
// and metrics endpoints, Swagger UI, and the operator admin API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: access logs with the webhook secret and bot token scrubbed
//  4. Recovery: capture panics after the logger
//  5. Body size limit
//  6. Metrics
//  7. CORS
//
// The admin group adds security headers, rate limiting, the admin key check
// and gzip, in that order. The webhook is never rate limited.
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

	"github.com/tbourn/go-deeplink-relay/docs"
	"github.com/tbourn/go-deeplink-relay/internal/config"
	"github.com/tbourn/go-deeplink-relay/internal/http/handlers"
	"github.com/tbourn/go-deeplink-relay/internal/http/middleware"
	"github.com/tbourn/go-deeplink-relay/internal/services"
)

// maxBodyBytes caps request bodies. Telegram updates are a few KiB.
const maxBodyBytes = 1 << 20

// HealthProbe reports the state of the deletion lifecycle; an error marks the
// service unhealthy (typically the database is unreachable).
type HealthProbe interface {
	Stats(ctx context.Context) (services.LifecycleStats, error)
}

// Deps are the handlers RegisterRoutes mounts. Nil members are skipped:
// Webhook is nil in polling mode, Admin when no admin key is configured.
type Deps struct {
	Webhook *handlers.WebhookHandler
	Admin   *handlers.AdminHandler
	Health  HealthProbe
}

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		Secrets: []string{cfg.Bot.WebhookSecret, cfg.Bot.Token},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Bot running") })
	r.GET("/health", health(deps.Health))

	if deps.Webhook != nil {
		r.POST("/telegram/webhook/:secret", deps.Webhook.Receive)
	}

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if deps.Admin == nil || cfg.AdminAPIKey == "" {
		return
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}),
		rl.Handler(),
		middleware.AdminKey(cfg.AdminAPIKey),
		gzip.Gzip(gzip.DefaultCompression),
	)
	{
		api.GET("/links/:token", deps.Admin.GetLink)
		api.DELETE("/links/:token", deps.Admin.RevokeLink)
		api.GET("/stats", deps.Admin.GetStats)
	}
}

// useCORS installs the CORS posture: any origin when none is configured,
// otherwise an allowlist whose matching Origin is echoed back.
func useCORS(r *gin.Engine, origins []string) {
	base := cors.Config{
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.AdminKeyHeader},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		// ACAO is set even without an Origin header so plain health checks see it.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		base.AllowAllOrigins = true
		r.Use(cors.New(base))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
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
	base.AllowOrigins = origins
	r.Use(cors.New(base))
}

// health answers 200 with deletion counters, or 503 when they cannot be read.
func health(p HealthProbe) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		st, err := p.Stats(c.Request.Context())
		if err != nil {
			middleware.LoggerFrom(c).Error().Err(err).Msg("health probe failed")
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeUnavailable, "storage unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "deletions": st})
	}
}

// limitBody caps request bodies at maxBytes; reads past the cap fail.
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
