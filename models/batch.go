package models

// BatchRequest is the payload for POST /api/v1/batch.
type BatchRequest struct {
	// Items is the list of captures to run. Required.
	Items []CaptureRequest `json:"items" binding:"required,min=1,max=100,dive"`

	// WebhookURL receives one event per finished item when set.
	WebhookURL string `json:"webhook_url,omitempty" binding:"omitempty,url"`
}

// BatchResponse is the immediate response for POST /api/v1/batch.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id.
type BatchStatusResponse struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Completed int               `json:"completed"`
	Total     int               `json:"total"`
	Results   []*EvidenceRecord `json:"results,omitempty"`
}
