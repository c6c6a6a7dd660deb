package models

// CaptureResponse is the response for POST /api/v1/capture and
// GET /api/v1/evidence/:id.
type CaptureResponse struct {
	// Success is true when an image was captured.
	Success bool `json:"success"`

	// Evidence is the stored record (present for both captured and failed).
	Evidence *EvidenceRecord `json:"evidence,omitempty"`

	// ImageURL points at the PNG for captured evidence.
	ImageURL string `json:"image_url,omitempty"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`

	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// Error is populated only when the request itself was rejected or failed.
	Error *ErrorDetail `json:"error,omitempty"`
}

// CaptureAPIRequest is the payload for POST /api/v1/capture.
type CaptureAPIRequest struct {
	CaptureRequest

	// MaxAge allows serving a cached capture younger than this many milliseconds.
	MaxAge int `json:"max_age,omitempty" binding:"omitempty,min=0"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status   string   `json:"status"` // "healthy" or "degraded"
	Uptime   string   `json:"uptime"`
	Engines  []string `json:"engines"`
	InFlight int      `json:"in_flight"`
	Version  string   `json:"version"`
}
