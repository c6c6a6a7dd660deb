package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Pinger checks a dependency. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health returns a handler for GET /api/v1/health.
//
// Reports degraded when no engine is enabled or the store is unreachable.
func Health(svc *evidence.Service, engines []string, db Pinger, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		if len(engines) == 0 {
			status = "degraded"
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
			}
			cancel()
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:   status,
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			Engines:  engines,
			InFlight: svc.InFlight(),
			Version:  Version,
		})
	}
}
