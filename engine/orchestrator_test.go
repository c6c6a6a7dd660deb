package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/throttle"
)

// scriptedEngine returns one scripted outcome per call.
type scriptedEngine struct {
	name     string
	outcomes []func() (*models.CaptureResult, error)

	mu      sync.Mutex
	calls   int
	targets []Target
	uas     []string
}

func (e *scriptedEngine) Name() string { return e.name }

func (e *scriptedEngine) Capture(_ context.Context, t Target, fp fingerprint.Profile) (*models.CaptureResult, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.targets = append(e.targets, t)
	e.uas = append(e.uas, fp.UserAgent)
	e.mu.Unlock()
	if i >= len(e.outcomes) {
		return nil, models.NewCaptureError(models.KindCaptureFailed, "unscripted call", nil)
	}
	return e.outcomes[i]()
}

func ok() (*models.CaptureResult, error) {
	return &models.CaptureResult{Image: []byte("png"), Selector: "main > p"}, nil
}

func fails(kind models.Kind) func() (*models.CaptureResult, error) {
	return func() (*models.CaptureResult, error) {
		return nil, models.NewCaptureError(kind, "scripted", nil)
	}
}

type countingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *countingWaiter) Wait(_ context.Context, u string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, u)
	return time.Now(), w.err
}

var req = models.CaptureRequest{URL: "https://acme.example/about", TargetText: "trusted partner", RequestID: "r1"}

func TestCaptureCrashRetryThenNextEngine(t *testing.T) {
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){
		fails(models.KindEngineCrash),
		fails(models.KindNotFound),
	}}
	e2 := &scriptedEngine{name: "chromedp", outcomes: []func() (*models.CaptureResult, error){ok}}
	e3 := &scriptedEngine{name: "playwright", outcomes: []func() (*models.CaptureResult, error){ok}}
	waiter := &countingWaiter{}

	o := NewOrchestrator([]Engine{e1, e2, e3}, Options{Limiter: waiter, Fingerprints: fingerprint.NewSeededProvider(7, 9)})
	res, err := o.Capture(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)

	labels := make([]string, len(res.Attempts))
	kinds := make([]models.Kind, len(res.Attempts))
	for i, a := range res.Attempts {
		labels[i] = a.Label()
		kinds[i] = a.Kind
	}
	assert.Equal(t, []string{"rod", "rod-retry", "chromedp"}, labels)
	assert.Equal(t, []models.Kind{models.KindEngineCrash, models.KindNotFound, ""}, kinds)
	assert.True(t, res.Attempts[2].Succeeded())

	assert.Equal(t, "chromedp", res.Engine)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, req.URL, res.URL)
	assert.Equal(t, 0, e3.calls, "cascade stops at the first success")
	assert.Len(t, waiter.urls, 3, "one limiter wait per launch, retry included")
}

func TestCaptureExactlyOneOutcome(t *testing.T) {
	cases := []struct {
		name    string
		engines []Engine
		success bool
	}{
		{"first wins", []Engine{
			&scriptedEngine{name: "a", outcomes: []func() (*models.CaptureResult, error){ok}},
			&scriptedEngine{name: "b", outcomes: []func() (*models.CaptureResult, error){ok}},
		}, true},
		{"all fail", []Engine{
			&scriptedEngine{name: "a", outcomes: []func() (*models.CaptureResult, error){fails(models.KindNavigation)}},
			&scriptedEngine{name: "b", outcomes: []func() (*models.CaptureResult, error){fails(models.KindChallenge)}},
		}, false},
		{"no engines", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := NewOrchestrator(tc.engines, Options{}).Capture(context.Background(), req)
			if tc.success {
				assert.NotNil(t, res)
				assert.NoError(t, err)
				return
			}
			assert.Nil(t, res)
			var failure *models.CaptureFailure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, models.KindExhausted, models.KindOf(err))
			assert.Len(t, failure.Attempts, len(tc.engines))
		})
	}
}

func TestCaptureNoRetryForOrdinaryFailures(t *testing.T) {
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){
		fails(models.KindChallenge), ok,
	}}
	e2 := &scriptedEngine{name: "chromedp", outcomes: []func() (*models.CaptureResult, error){ok}}
	res, err := NewOrchestrator([]Engine{e1, e2}, Options{}).Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, e1.calls)
	assert.Equal(t, "chromedp", res.Engine)
	assert.Len(t, res.Attempts, 2)
}

func TestCaptureCrashRetryOnlyOnce(t *testing.T) {
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){
		fails(models.KindEngineCrash), fails(models.KindEngineCrash), ok,
	}}
	_, err := NewOrchestrator([]Engine{e1}, Options{}).Capture(context.Background(), req)
	var failure *models.CaptureFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 2, e1.calls)
	assert.Equal(t, models.KindEngineCrash, failure.LastKind())
	assert.Contains(t, err.Error(), "rod=ENGINE_CRASH, rod-retry=ENGINE_CRASH")
}

func TestCapturePanicIsCrash(t *testing.T) {
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){
		func() (*models.CaptureResult, error) { panic("nil page") },
		ok,
	}}
	res, err := NewOrchestrator([]Engine{e1}, Options{}).Capture(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, models.KindEngineCrash, res.Attempts[0].Kind)
	assert.Contains(t, res.Attempts[0].Message, "nil page")
	assert.True(t, res.Attempts[1].Retry)
}

func TestCaptureFreshFingerprintPerAttempt(t *testing.T) {
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){
		fails(models.KindEngineCrash), ok,
	}}
	_, err := NewOrchestrator([]Engine{e1}, Options{Fingerprints: fingerprint.NewSeededProvider(1, 1)}).Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, e1.uas, 2)
	for _, ua := range e1.uas {
		assert.NotEmpty(t, ua)
	}
}

func TestCaptureMarksProxyOnNavigationFailure(t *testing.T) {
	proxies := throttle.NewProxyRotator([]string{"http://p1:8080", "http://p2:8080"})
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){fails(models.KindNavigation)}}
	e2 := &scriptedEngine{name: "chromedp", outcomes: []func() (*models.CaptureResult, error){ok}}

	_, err := NewOrchestrator([]Engine{e1, e2}, Options{Proxies: proxies}).Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "http://p1:8080", e1.targets[0].Proxy)
	assert.Equal(t, "http://p2:8080", e2.targets[0].Proxy)
	// p1 is excluded, so rotation keeps returning p2.
	assert.Equal(t, "http://p2:8080", proxies.Next())
}

func TestCaptureLimiterCancellation(t *testing.T) {
	waiter := &countingWaiter{err: context.Canceled}
	e1 := &scriptedEngine{name: "rod", outcomes: []func() (*models.CaptureResult, error){ok}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewOrchestrator([]Engine{e1}, Options{Limiter: waiter}).Capture(ctx, req)
	assert.Nil(t, res)
	var failure *models.CaptureFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, e1.calls)
	require.Len(t, failure.Attempts, 1)
	assert.Equal(t, models.KindNavigation, failure.Attempts[0].Kind)
}

func TestCaptureAttemptTimeout(t *testing.T) {
	slow := &blockingEngine{name: "rod"}
	e2 := &scriptedEngine{name: "chromedp", outcomes: []func() (*models.CaptureResult, error){ok}}
	res, err := NewOrchestrator([]Engine{slow, e2}, Options{AttemptTimeout: 20 * time.Millisecond}).Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.KindNavigation, res.Attempts[0].Kind)
	assert.Equal(t, "chromedp", res.Engine)
}

type blockingEngine struct{ name string }

func (e *blockingEngine) Name() string { return e.name }

func (e *blockingEngine) Capture(ctx context.Context, _ Target, _ fingerprint.Profile) (*models.CaptureResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
