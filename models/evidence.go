package models

import "time"

// Evidence statuses persisted for every request.
const (
	StatusCaptured = "captured"
	StatusFailed   = "failed"
)

// EvidenceRecord is what the persistence collaborator stores per request.
// Failed records keep Image nil so callers can render a placeholder.
type EvidenceRecord struct {
	RequestID  string           `json:"request_id"`
	URL        string           `json:"url"`
	TargetText string           `json:"target_text"`
	Status     string           `json:"status"`
	Engine     string           `json:"engine,omitempty"`
	Selector   string           `json:"selector,omitempty"`
	Region     *Region          `json:"region,omitempty"`
	Stats      *ConsentStats    `json:"stats,omitempty"`
	Attempts   []Attempt        `json:"attempts"`
	Preflight  *PreflightReport `json:"preflight,omitempty"`
	Image      []byte           `json:"-"`
	HTML       string           `json:"-"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RecordFromResult converts a successful capture into a stored record.
func RecordFromResult(res *CaptureResult) *EvidenceRecord {
	region := res.Region
	stats := res.Stats
	return &EvidenceRecord{
		RequestID:  res.RequestID,
		URL:        res.URL,
		TargetText: res.TargetText,
		Status:     StatusCaptured,
		Engine:     res.Engine,
		Selector:   res.Selector,
		Region:     &region,
		Stats:      &stats,
		Attempts:   res.Attempts,
		Preflight:  res.Preflight,
		Image:      res.Image,
		HTML:       res.HTML,
		CreatedAt:  res.CapturedAt,
	}
}

// RecordFromFailure converts an exhausted cascade into a failed record.
func RecordFromFailure(req CaptureRequest, f *CaptureFailure, at time.Time) *EvidenceRecord {
	rec := &EvidenceRecord{
		RequestID:  req.RequestID,
		URL:        req.URL,
		TargetText: req.TargetText,
		Status:     StatusFailed,
		CreatedAt:  at,
	}
	if f != nil {
		rec.Attempts = f.Attempts
		rec.Preflight = f.Preflight
	}
	return rec
}
