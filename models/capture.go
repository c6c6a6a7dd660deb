package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CaptureRequest asks for evidence that TargetText appears on URL.
// It is treated as immutable once validated.
type CaptureRequest struct {
	URL        string `json:"url" binding:"required,url"`
	TargetText string `json:"target_text" binding:"required"`
	RequestID  string `json:"request_id,omitempty"`
}

// Validate checks the request shape. It does not touch the network.
func (r CaptureRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewCaptureError(KindInvalidInput, fmt.Sprintf("invalid url %q", r.URL), err)
	}
	if strings.TrimSpace(r.TargetText) == "" {
		return NewCaptureError(KindInvalidInput, "target_text is empty", nil)
	}
	return nil
}

// Region is a pixel rectangle in CSS pixels, page coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ConsentStats counts what the consent defense layer did during one attempt.
type ConsentStats struct {
	ScriptsAllowed    int  `json:"scripts_allowed"`
	TrackersBlocked   int  `json:"trackers_blocked"`
	OverlaysRemoved   int  `json:"overlays_removed"`
	ReadinessAchieved bool `json:"readiness_achieved"`
}

// Attempt is one engine run inside the cascade.
type Attempt struct {
	Engine   string        `json:"engine"`
	Retry    bool          `json:"retry,omitempty"`
	Kind     Kind          `json:"kind,omitempty"` // empty on success
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Label returns the engine name, suffixed with "-retry" for crash retries.
func (a Attempt) Label() string {
	if a.Retry {
		return a.Engine + "-retry"
	}
	return a.Engine
}

// Succeeded reports whether the attempt produced the result.
func (a Attempt) Succeeded() bool { return a.Kind == "" }

// PreflightReport is the outcome of the optional static probe that runs
// before the engine cascade. It is diagnostic only.
type PreflightReport struct {
	StatusCode    int    `json:"status_code"`
	Title         string `json:"title,omitempty"`
	Challenge     string `json:"challenge,omitempty"` // provider name, empty when none
	TextInStatic  bool   `json:"text_in_static"`
	Error         string `json:"error,omitempty"`
	DurationMilli int64  `json:"duration_ms"`
}

// CaptureResult is the evidence produced by a successful capture.
type CaptureResult struct {
	RequestID  string           `json:"request_id"`
	URL        string           `json:"url"`
	TargetText string           `json:"target_text"`
	Image      []byte           `json:"-"`
	Engine     string           `json:"engine"`
	Selector   string           `json:"selector"`
	Strategy   string           `json:"strategy,omitempty"`
	Region     Region           `json:"region"`
	Stats      ConsentStats     `json:"stats"`
	CapturedAt time.Time        `json:"captured_at"`
	Attempts   []Attempt        `json:"attempts"`
	HTML       string           `json:"-"` // raw HTML exported by the cooperating extension, if any
	Preflight  *PreflightReport `json:"preflight,omitempty"`
}

// CaptureFailure is returned when every engine in the cascade failed.
// It carries the full per-engine history for diagnostics.
type CaptureFailure struct {
	RequestID string           `json:"request_id"`
	URL       string           `json:"url"`
	Attempts  []Attempt        `json:"attempts"`
	Preflight *PreflightReport `json:"preflight,omitempty"`
}

func (f *CaptureFailure) Error() string {
	parts := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Label(), a.Kind))
	}
	return fmt.Sprintf("%s: all engines failed for %s [%s]", KindExhausted, f.URL, strings.Join(parts, ", "))
}

// LastKind returns the kind of the final attempt, or KindExhausted when the
// cascade had no engines to try.
func (f *CaptureFailure) LastKind() Kind {
	if len(f.Attempts) == 0 {
		return KindExhausted
	}
	return f.Attempts[len(f.Attempts)-1].Kind
}
