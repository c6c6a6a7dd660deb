package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
)

// ScreenshotAPIConfig configures the paid terminal fallback.
type ScreenshotAPIConfig struct {
	Endpoint  string        // POST endpoint of the screenshot service
	APIKey    string        // sent as a bearer token
	RPS       float64       // request budget; <= 0 means unlimited
	Timeout   time.Duration // per request; 0 means 90s
	MaxWidth  int           // crop bounds forwarded to the service
	MaxHeight int
}

// ScreenshotAPIEngine delegates the whole capture to an external screenshot
// service. It is the last engine in the cascade: it costs money per call,
// so calls are budgeted with a token bucket shared by all requests.
type ScreenshotAPIEngine struct {
	cfg     ScreenshotAPIConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewScreenshotAPIEngine creates a ScreenshotAPIEngine.
func NewScreenshotAPIEngine(cfg ScreenshotAPIConfig) *ScreenshotAPIEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}
	return &ScreenshotAPIEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (e *ScreenshotAPIEngine) Name() string { return "screenshotapi" }

// screenshotAPIRequest is the service's request body.
type screenshotAPIRequest struct {
	URL                string            `json:"url"`
	Text               string            `json:"text"`
	Format             string            `json:"format"`
	ViewportWidth      int               `json:"viewport_width"`
	ViewportHeight     int               `json:"viewport_height"`
	MaxWidth           int               `json:"max_width,omitempty"`
	MaxHeight          int               `json:"max_height,omitempty"`
	UserAgent          string            `json:"user_agent"`
	Headers            map[string]string `json:"headers,omitempty"`
	Timezone           string            `json:"timezone,omitempty"`
	Proxy              string            `json:"proxy,omitempty"`
	BlockCookieBanners bool              `json:"block_cookie_banners"`
	BlockTrackers      bool              `json:"block_trackers"`
}

// screenshotAPIError is the service's JSON error body.
type screenshotAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Capture sends one request and maps the service's answer to a result or a
// CaptureError.
func (e *ScreenshotAPIEngine) Capture(ctx context.Context, target Target, fp fingerprint.Profile) (*models.CaptureResult, error) {
	if e.cfg.Endpoint == "" {
		return nil, models.NewCaptureError(models.KindCaptureFailed, "screenshot api endpoint not configured", nil)
	}

	// ── 1. Budget ────────────────────────────────────────────────────
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, models.NewCaptureError(models.KindNavigation, "screenshot api budget wait", err)
	}

	// ── 2. Request ───────────────────────────────────────────────────
	body, err := json.Marshal(screenshotAPIRequest{
		URL:                target.URL,
		Text:               target.Text,
		Format:             "png",
		ViewportWidth:      fp.Viewport.Width,
		ViewportHeight:     fp.Viewport.Height,
		MaxWidth:           e.cfg.MaxWidth,
		MaxHeight:          e.cfg.MaxHeight,
		UserAgent:          fp.UserAgent,
		Headers:            requestHeaders(fp, target.URL),
		Timezone:           fp.Timezone,
		Proxy:              target.Proxy,
		BlockCookieBanners: true,
		BlockTrackers:      true,
	})
	if err != nil {
		return nil, models.NewCaptureError(models.KindCaptureFailed, "encode screenshot api request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewCaptureError(models.KindCaptureFailed, "build screenshot api request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, models.NewCaptureError(models.KindNavigation, "screenshot api request failed", err)
	}
	defer resp.Body.Close()

	// Read body with a 20 MB limit to prevent unbounded memory use.
	const maxBody = 20 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, models.NewCaptureError(models.KindCaptureFailed, "read screenshot api response", err)
	}

	// ── 3. Map response ──────────────────────────────────────────────
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") || len(data) == 0 {
		return nil, models.NewCaptureError(models.KindCaptureFailed,
			fmt.Sprintf("screenshot api returned %q (%d bytes)", ct, len(data)), nil)
	}

	return &models.CaptureResult{
		URL:        target.URL,
		TargetText: target.Text,
		Image:      data,
		Engine:     e.Name(),
		Selector:   resp.Header.Get("X-Selector"),
		Strategy:   "remote",
		Region:     parseClip(resp.Header.Get("X-Clip"), fp.Viewport),
		CapturedAt: time.Now().UTC(),
	}, nil
}

// apiError maps a non-200 answer to a CaptureError kind.
func apiError(status int, body []byte) error {
	var e screenshotAPIError
	_ = json.Unmarshal(body, &e)
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("screenshot api: HTTP %d: %s", status, msg)

	switch {
	case strings.EqualFold(e.Code, "element_not_found") || status == http.StatusUnprocessableEntity:
		return models.NewCaptureError(models.KindNotFound, msg, nil)
	case strings.EqualFold(e.Code, "challenge") || status == http.StatusForbidden:
		return models.NewCaptureError(models.KindChallenge, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status == http.StatusBadGateway:
		return models.NewCaptureError(models.KindNavigation, msg, nil)
	default:
		return models.NewCaptureError(models.KindCaptureFailed, msg, nil)
	}
}

// parseClip reads "x,y,width,height"; a missing or malformed header means
// the service returned the viewport.
func parseClip(h string, vp fingerprint.Viewport) models.Region {
	full := models.Region{Width: float64(vp.Width), Height: float64(vp.Height)}
	parts := strings.Split(h, ",")
	if len(parts) != 4 {
		return full
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return full
		}
		v[i] = f
	}
	if v[2] <= 0 || v[3] <= 0 {
		return full
	}
	return models.Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
}
