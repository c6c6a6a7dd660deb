package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/cache"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/store"
)

// fakeCapturer succeeds unless the target text contains "missing".
type fakeCapturer struct {
	calls *atomic.Int32
}

func (f fakeCapturer) Capture(_ context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
	f.calls.Add(1)
	if strings.Contains(req.TargetText, "missing") {
		return nil, &models.CaptureFailure{
			RequestID: req.RequestID,
			URL:       req.URL,
			Attempts: []models.Attempt{
				{Engine: "rod", Kind: models.KindNotFound},
				{Engine: "chromedp", Kind: models.KindNotFound},
			},
		}
	}
	return &models.CaptureResult{
		RequestID:  req.RequestID,
		URL:        req.URL,
		TargetText: req.TargetText,
		Image:      []byte("png:" + req.RequestID),
		Engine:     "rod",
		Selector:   "main > p",
		Region:     models.Region{Width: 800, Height: 600},
		CapturedAt: time.Now().UTC(),
		Attempts:   []models.Attempt{{Engine: "rod"}},
	}, nil
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string, string, fingerprint.Profile) *models.PreflightReport {
	return &models.PreflightReport{StatusCode: 200, TextInStatic: true}
}

func newTestService(t *testing.T, withCache bool) (*Service, *store.Store, *atomic.Int32) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	calls := new(atomic.Int32)
	opts := Options{
		NewCapturer: func() Capturer { return fakeCapturer{calls: calls} },
		Store:       st,
		Prober:      fakeProber{},
		Concurrency: 2,
	}
	if withCache {
		stop := make(chan struct{})
		t.Cleanup(func() { close(stop) })
		opts.Cache = cache.New(10, time.Hour, stop)
	}
	return NewService(opts), st, calls
}

func TestCaptureOneStoresCapturedRecord(t *testing.T) {
	svc, st, _ := newTestService(t, false)
	ctx := context.Background()

	out, err := svc.CaptureOne(ctx, models.CaptureRequest{URL: "https://acme.example/", TargetText: "Trusted partner"}, 0)
	require.NoError(t, err)
	rec := out.Record
	assert.NotEmpty(t, rec.RequestID, "request id is assigned")
	assert.Equal(t, models.StatusCaptured, rec.Status)
	require.NotNil(t, rec.Preflight)
	assert.True(t, rec.Preflight.TextInStatic)

	stored, err := st.Get(ctx, rec.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "main > p", stored.Selector)
	img, err := st.Image(ctx, rec.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "png:"+rec.RequestID, string(img))
}

func TestCaptureOneStoresFailedRecord(t *testing.T) {
	svc, st, _ := newTestService(t, false)
	ctx := context.Background()

	out, err := svc.CaptureOne(ctx, models.CaptureRequest{URL: "https://acme.example/", TargetText: "missing words", RequestID: "r-fail"}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Record.Status)
	assert.Len(t, out.Record.Attempts, 2)
	assert.NotNil(t, out.Record.Preflight)

	stored, err := st.Get(ctx, "r-fail")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	_, err = st.Image(ctx, "r-fail")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCaptureOneInvalidInput(t *testing.T) {
	svc, _, calls := newTestService(t, false)
	_, err := svc.CaptureOne(context.Background(), models.CaptureRequest{URL: "ftp://x", TargetText: "a"}, 0)
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestCaptureOneCache(t *testing.T) {
	svc, _, calls := newTestService(t, true)
	ctx := context.Background()
	req := models.CaptureRequest{URL: "https://acme.example/", TargetText: "Trusted partner"}

	first, err := svc.CaptureOne(ctx, req, time.Minute)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := svc.CaptureOne(ctx, models.CaptureRequest{URL: req.URL, TargetText: "trusted  PARTNER!"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.NotEqual(t, first.Record.RequestID, second.Record.RequestID)
	assert.Equal(t, first.Record.Selector, second.Record.Selector)
	assert.Equal(t, int32(1), calls.Load())

	_, err = svc.CaptureOne(ctx, req, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "zero max age bypasses the cache")
}

func TestCaptureOneCacheHitStoredUnderCallerID(t *testing.T) {
	svc, st, calls := newTestService(t, true)
	ctx := context.Background()

	_, err := svc.CaptureOne(ctx, models.CaptureRequest{URL: "https://acme.example/", TargetText: "Trusted partner", RequestID: "first"}, time.Minute)
	require.NoError(t, err)

	out, err := svc.CaptureOne(ctx, models.CaptureRequest{URL: "https://acme.example/", TargetText: "Trusted partner", RequestID: "mine"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, out.CacheHit)
	assert.Equal(t, "mine", out.Record.RequestID)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := st.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCaptured, stored.Status)
	img, err := st.Image(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "png:first", string(img))

	orig, err := st.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", orig.RequestID, "the cached record is not mutated")
}

func TestCaptureBatchOrderAndIsolation(t *testing.T) {
	svc, _, calls := newTestService(t, false)
	items := []models.CaptureRequest{
		{URL: "https://a.example/", TargetText: "alpha", RequestID: "a"},
		{URL: "https://b.example/", TargetText: "missing beta", RequestID: "b"},
		{URL: "not a url", TargetText: "gamma", RequestID: "c"},
		{URL: "https://d.example/", TargetText: "delta", RequestID: "d"},
	}
	recs, err := svc.CaptureBatch(context.Background(), "job", items, "")
	require.NoError(t, err)
	require.Len(t, recs, 4)

	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.RequestID + "=" + r.Status
	}
	assert.Equal(t, []string{"a=captured", "b=failed", "c=failed", "d=captured"}, got)
	assert.Equal(t, models.KindInvalidInput, recs[2].Attempts[0].Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartBatchCompletes(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	id, err := svc.StartBatch(ctx, []models.CaptureRequest{
		{URL: "https://a.example/", TargetText: "alpha"},
		{URL: "https://b.example/", TargetText: "missing beta"},
	}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "batch-"))

	require.Eventually(t, func() bool {
		st, err := svc.BatchStatus(ctx, id)
		return err == nil && st.Status != "processing"
	}, 5*time.Second, 10*time.Millisecond)

	st, err := svc.BatchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "partial", st.Status)
	assert.Equal(t, 2, st.Completed)
}

func TestStartBatchRejectsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	_, err := svc.StartBatch(context.Background(), []models.CaptureRequest{{URL: "https://a.example/", TargetText: " "}}, "")
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
	_, err = svc.StartBatch(context.Background(), nil, "")
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
}

func TestBatchStatusOf(t *testing.T) {
	ok := &models.EvidenceRecord{Status: models.StatusCaptured}
	bad := &models.EvidenceRecord{Status: models.StatusFailed}
	assert.Equal(t, "processing", BatchStatusOf("b", 2, []*models.EvidenceRecord{ok}).Status)
	assert.Equal(t, "completed", BatchStatusOf("b", 2, []*models.EvidenceRecord{ok, ok}).Status)
	assert.Equal(t, "partial", BatchStatusOf("b", 2, []*models.EvidenceRecord{ok, bad}).Status)
	assert.Equal(t, "failed", BatchStatusOf("b", 2, []*models.EvidenceRecord{bad, bad}).Status)
}

// failingStore rejects every write.
type failingStore struct{ *store.Store }

func (failingStore) Save(context.Context, *models.EvidenceRecord) error {
	return errors.New("disk full")
}

func TestStoreFailureIsReported(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	var calls atomic.Int32
	svc := NewService(Options{
		NewCapturer: func() Capturer { return fakeCapturer{calls: &calls} },
		Store:       failingStore{st},
	})
	_, err = svc.CaptureOne(context.Background(), models.CaptureRequest{URL: "https://a.example/", TargetText: "alpha"}, 0)
	assert.Equal(t, models.KindInternal, models.KindOf(err))
}

func TestInFlight(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	svc := NewService(Options{
		NewCapturer: func() Capturer {
			return capturerFunc(func(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
				close(started)
				<-release
				return nil, &models.CaptureFailure{URL: req.URL}
			})
		},
		Store: st,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = svc.CaptureOne(context.Background(), models.CaptureRequest{URL: "https://a.example/", TargetText: "alpha"}, 0)
	}()
	<-started
	assert.Equal(t, 1, svc.InFlight())
	close(release)
	wg.Wait()
	assert.Equal(t, 0, svc.InFlight())
}

type capturerFunc func(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error)

func (f capturerFunc) Capture(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
	return f(ctx, req)
}
