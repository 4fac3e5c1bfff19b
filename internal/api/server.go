// Package api assembles the gateway's inbound HTTP surface: the six routes
// named by spec.md §6 on top of gin, reusing the teacher's middleware
// chain (request logging, security headers, sliding-window rate limiting)
// with session-cookie auth swapped for constant-time API key comparison.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/api/middleware"
	"github.com/user/llm-gateway-go/internal/metrics"
	"github.com/user/llm-gateway-go/internal/router"
)

// ServerDeps collects everything NewServer needs to wire routes.
type ServerDeps struct {
	Router      *router.Router
	Metrics     *metrics.Prometheus
	Logger      *zap.Logger
	AuthHeader  string
	APIKeys     []string
	RateLimit   *middleware.RateLimitConfig
	RequestTTL  time.Duration
}

// NewServer builds the gin engine with the full middleware chain and route
// table wired, mirroring the teacher's gin.New()+Recovery()+route-group
// composition style.
func NewServer(deps ServerDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(deps.RateLimit))

	var sink metrics.Sink = metrics.Noop{}
	if deps.Metrics != nil {
		sink = deps.Metrics
	}

	h := &Handlers{
		Router:     deps.Router,
		Metrics:    sink,
		RequestTTL: deps.RequestTTL,
		Logger:     deps.Logger,
	}

	r.GET("/health", h.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	auth := middleware.RequireAPIKey(deps.AuthHeader, deps.APIKeys)

	v1 := r.Group("/v1", auth)
	v1.GET("/models", h.Models)
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.POST("/completions", h.Completions)
	v1.POST("/embeddings", h.Embeddings)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "not found"}})
	})

	return r
}
