package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/models"
)

// PostBatch returns a handler for POST /api/v1/batch.
// It validates every item, registers the batch and captures in the
// background; progress is read back with GetBatch.
func PostBatch(svc *evidence.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewCaptureError(models.KindInvalidInput, err.Error(), err), start)
			return
		}

		id, err := svc.StartBatch(c.Request.Context(), req.Items, req.WebhookURL)
		if err != nil {
			respondError(c, err, start)
			return
		}

		c.JSON(http.StatusAccepted, models.BatchResponse{
			ID:     id,
			Status: "processing",
			Total:  len(req.Items),
		})
	}
}

// GetBatch returns a handler for GET /api/v1/batch/:id.
func GetBatch(svc *evidence.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		status, err := svc.BatchStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err, start)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
