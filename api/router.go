package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/proofshot/api/handler"
	"github.com/use-agent/proofshot/api/middleware"
	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/evidence"
)

// Deps are the collaborators the routes serve.
type Deps struct {
	Service   *evidence.Service
	Engines   []string
	DB        handler.Pinger
	StartTime time.Time
	Stop      <-chan struct{} // ends background cleanup in middleware
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes always work.
func NewRouter(cfg *config.Config, d Deps) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(d.Service, d.Engines, d.DB, d.StartTime))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit, d.Stop))

	// Capture
	protected.POST("/capture", handler.Capture(d.Service))

	// Batch
	protected.POST("/batch", handler.PostBatch(d.Service))
	protected.GET("/batch/:id", handler.GetBatch(d.Service))

	// Evidence
	protected.GET("/evidence/:id", handler.GetEvidence(d.Service))
	protected.GET("/evidence/:id/image", handler.GetImage(d.Service))

	return r
}
