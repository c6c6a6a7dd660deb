package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/store"
)

type capturerFunc func(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error)

func (f capturerFunc) Capture(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
	return f(ctx, req)
}

// fakeCascade captures everything except fragments containing "absent".
func fakeCascade(_ context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
	if strings.Contains(req.TargetText, "absent") {
		return nil, &models.CaptureFailure{
			RequestID: req.RequestID,
			URL:       req.URL,
			Attempts:  []models.Attempt{{Engine: "rod", Kind: models.KindNotFound}},
		}
	}
	return &models.CaptureResult{
		RequestID:  req.RequestID,
		URL:        req.URL,
		TargetText: req.TargetText,
		Image:      []byte("\x89PNG-" + req.RequestID),
		Engine:     "rod",
		Selector:   "main > p",
		CapturedAt: time.Now().UTC(),
		Attempts:   []models.Attempt{{Engine: "rod"}},
	}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	cfg := config.Load()
	cfg.Server.Mode = gin.TestMode
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"test-key"}
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100}

	svc := evidence.NewService(evidence.Options{
		NewCapturer: func() evidence.Capturer { return capturerFunc(fakeCascade) },
		Store:       st,
	})
	return NewRouter(cfg, Deps{
		Service:   svc,
		Engines:   []string{"rod", "chromedp"},
		DB:        st,
		StartTime: time.Now(),
		Stop:      stop,
	})
}

func call(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthNeedsNoAuth(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	h := decode[models.HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, []string{"rod", "chromedp"}, h.Engines)
}

func TestCaptureRequiresAuth(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/capture", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCaptureEvidenceAndImage(t *testing.T) {
	r := newTestRouter(t)
	w := call(t, r, http.MethodPost, "/api/v1/capture", map[string]any{
		"url": "https://acme.example/", "target_text": "Trusted partner", "request_id": "r1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.CaptureResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "/api/v1/evidence/r1/image", resp.ImageURL)
	assert.Empty(t, resp.CacheStatus)

	w = call(t, r, http.MethodGet, "/api/v1/evidence/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.CaptureResponse](t, w)
	assert.Equal(t, "main > p", got.Evidence.Selector)

	w = call(t, r, http.MethodGet, "/api/v1/evidence/r1/image", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG-r1", w.Body.String())
}

func TestCaptureFailureIsStored(t *testing.T) {
	r := newTestRouter(t)
	w := call(t, r, http.MethodPost, "/api/v1/capture", map[string]any{
		"url": "https://acme.example/", "target_text": "absent words", "request_id": "r2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.CaptureResponse](t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Evidence)
	assert.Equal(t, models.StatusFailed, resp.Evidence.Status)
	assert.Empty(t, resp.ImageURL)

	w = call(t, r, http.MethodGet, "/api/v1/evidence/r2/image", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCaptureInvalidInput(t *testing.T) {
	r := newTestRouter(t)
	w := call(t, r, http.MethodPost, "/api/v1/capture", map[string]any{"url": "https://acme.example/"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[models.CaptureResponse](t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindInvalidInput, resp.Error.Code)
}

func TestEvidenceNotFound(t *testing.T) {
	r := newTestRouter(t)
	w := call(t, r, http.MethodGet, "/api/v1/evidence/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = call(t, r, http.MethodGet, "/api/v1/batch/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchLifecycle(t *testing.T) {
	r := newTestRouter(t)
	w := call(t, r, http.MethodPost, "/api/v1/batch", map[string]any{
		"items": []map[string]string{
			{"url": "https://a.example/", "target_text": "alpha"},
			{"url": "https://b.example/", "target_text": "absent beta"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	br := decode[models.BatchResponse](t, w)
	assert.Equal(t, 2, br.Total)

	var st models.BatchStatusResponse
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/"+br.ID, nil)
		req.Header.Set("X-API-Key", "test-key")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return json.Unmarshal(w.Body.Bytes(), &st) == nil && st.Status != "processing"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "partial", st.Status)
	assert.Equal(t, 2, st.Completed)
}
