package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/store"
)

// Capture returns a handler for POST /api/v1/capture.
//
// Orchestration flow:
//  1. Parse & validate request.
//  2. Service.CaptureOne → cache lookup, preflight, cascade, store.
//  3. Respond with the stored record; failed records are still 200.
func Capture(svc *evidence.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.CaptureAPIRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewCaptureError(models.KindInvalidInput, err.Error(), err), totalStart)
			return
		}

		// ── 2. Capture ──────────────────────────────────────────────
		maxAge := time.Duration(req.MaxAge) * time.Millisecond
		out, err := svc.CaptureOne(c.Request.Context(), req.CaptureRequest, maxAge)
		if err != nil {
			respondError(c, err, totalStart)
			return
		}

		// ── 3. Respond ──────────────────────────────────────────────
		resp := recordResponse(out.Record)
		if maxAge > 0 {
			resp.CacheStatus = "miss"
			if out.CacheHit {
				resp.CacheStatus = "hit"
			}
		}
		resp.TotalMs = time.Since(totalStart).Milliseconds()
		c.JSON(http.StatusOK, resp)
	}
}

// GetEvidence returns a handler for GET /api/v1/evidence/:id.
func GetEvidence(svc *evidence.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rec, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err, start)
			return
		}
		resp := recordResponse(rec)
		resp.TotalMs = time.Since(start).Milliseconds()
		c.JSON(http.StatusOK, resp)
	}
}

// GetImage returns a handler for GET /api/v1/evidence/:id/image.
func GetImage(svc *evidence.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		img, err := svc.Image(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err, start)
			return
		}
		c.Header("Cache-Control", "private, max-age=86400")
		c.Data(http.StatusOK, "image/png", img)
	}
}

func recordResponse(rec *models.EvidenceRecord) models.CaptureResponse {
	resp := models.CaptureResponse{
		Success:  rec.Status == models.StatusCaptured,
		Evidence: rec,
	}
	if resp.Success {
		resp.ImageURL = "/api/v1/evidence/" + rec.RequestID + "/image"
	}
	return resp
}

// respondError maps an error to the correct HTTP status code and writes a
// structured JSON error response.
func respondError(c *gin.Context, err error, start time.Time) {
	var ce *models.CaptureError
	switch {
	case errors.Is(err, store.ErrNotFound):
		ce = models.NewCaptureError(models.KindNotFoundRecord, "evidence not found", err)
	case errors.As(err, &ce):
	default:
		ce = models.NewCaptureError(models.KindInternal, err.Error(), err)
	}

	c.JSON(mapErrorToStatus(ce), models.CaptureResponse{
		Success: false,
		Error:   ce.ToDetail(),
		TotalMs: time.Since(start).Milliseconds(),
	})
}

// mapErrorToStatus translates error kinds to HTTP status codes.
func mapErrorToStatus(e *models.CaptureError) int {
	switch e.Kind {
	case models.KindInvalidInput:
		return http.StatusBadRequest // 400
	case models.KindNotFoundRecord:
		return http.StatusNotFound // 404
	case models.KindRateLimited:
		return http.StatusTooManyRequests // 429
	case models.KindUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
