package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/models"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func capturedRecord(id string) *models.EvidenceRecord {
	return &models.EvidenceRecord{
		RequestID:  id,
		URL:        "https://acme.example/",
		TargetText: "Trusted partner",
		Status:     models.StatusCaptured,
		Engine:     "rod",
		Selector:   "main > section.hero",
		Region:     &models.Region{X: 0, Y: 120, Width: 1280, Height: 400},
		Stats:      &models.ConsentStats{ScriptsAllowed: 1, TrackersBlocked: 3, OverlaysRemoved: 2, ReadinessAchieved: true},
		Attempts: []models.Attempt{
			{Engine: "rod", Kind: models.KindEngineCrash, Message: "crashed", Duration: time.Second},
			{Engine: "rod", Retry: true, Duration: 2 * time.Second},
		},
		Preflight: &models.PreflightReport{StatusCode: 200, Title: "Acme", TextInStatic: true},
		Image:     []byte("\x89PNG"),
		HTML:      "<html></html>",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	want := capturedRecord("r1")
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Selector, got.Selector)
	assert.Equal(t, want.Region, got.Region)
	assert.Equal(t, want.Stats, got.Stats)
	assert.Equal(t, want.Attempts, got.Attempts)
	assert.Equal(t, want.Preflight, got.Preflight)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.Image, "Get does not load the image")

	img, err := s.Image(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want.Image, img)

	html, err := s.HTML(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", html)
}

func TestFailedRecordHasNoImage(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	rec := models.RecordFromFailure(
		models.CaptureRequest{URL: "https://acme.example/", TargetText: "x", RequestID: "r2"},
		&models.CaptureFailure{Attempts: []models.Attempt{{Engine: "rod", Kind: models.KindNotFound}}},
		time.Now(),
	)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.Region)
	assert.Nil(t, got.Stats)
	require.Len(t, got.Attempts, 1)

	_, err = s.Image(ctx, "r2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotFound(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Image(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Batch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveReplaces(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	rec := capturedRecord("r1")
	require.NoError(t, s.Save(ctx, rec))
	rec.Selector = "p"
	require.NoError(t, s.Save(ctx, rec))
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p", got.Selector)
}

func TestSaveRequiresID(t *testing.T) {
	s := openMemory(t)
	assert.Error(t, s.Save(context.Background(), &models.EvidenceRecord{}))
}

func TestBatchOrderAndProgress(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, "b1", "", []string{"a", "b", "c"}))
	require.NoError(t, s.Save(ctx, capturedRecord("c")))
	require.NoError(t, s.Save(ctx, capturedRecord("a")))

	total, recs, err := s.Batch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].RequestID)
	assert.Equal(t, "c", recs[1].RequestID)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "evidence.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), capturedRecord("r1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(context.Background(), "r1")
	assert.NoError(t, err)
}
