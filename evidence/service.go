// Package evidence turns capture requests into persisted evidence records.
// Every request produces exactly one stored record, captured or failed.
package evidence

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/proofshot/cache"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/webhook"
)

// Capturer runs the engine cascade for one request. *engine.Orchestrator
// implements it.
type Capturer interface {
	Capture(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error)
}

// Prober runs the static preflight. *preflight.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, rawURL, text string, fp fingerprint.Profile) *models.PreflightReport
}

// Store persists records. *store.Store implements it.
type Store interface {
	Save(ctx context.Context, rec *models.EvidenceRecord) error
	Get(ctx context.Context, id string) (*models.EvidenceRecord, error)
	Image(ctx context.Context, id string) ([]byte, error)
	CreateBatch(ctx context.Context, id, webhookURL string, requestIDs []string) error
	Batch(ctx context.Context, id string) (int, []*models.EvidenceRecord, error)
}

// Options wires the optional collaborators.
type Options struct {
	// NewCapturer returns the cascade used for one request. Required.
	NewCapturer func() Capturer

	Store        Store
	Cache        *cache.Cache      // nil disables caching
	Notifier     *webhook.Notifier // nil disables webhooks
	WebhookURL   string            // default target for single-capture events
	Prober       Prober            // nil disables preflight
	Fingerprints *fingerprint.Provider
	Concurrency  int // batch parallelism; <= 0 means 4
	Logger       *slog.Logger
}

// Service captures and stores evidence.
type Service struct {
	opts     Options
	logger   *slog.Logger
	inFlight atomic.Int64
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Fingerprints == nil {
		opts.Fingerprints = fingerprint.NewProvider()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{opts: opts, logger: logger}
}

// InFlight returns the number of captures currently running.
func (s *Service) InFlight() int { return int(s.inFlight.Load()) }

// Outcome is the result of CaptureOne.
type Outcome struct {
	Record   *models.EvidenceRecord
	CacheHit bool
}

// CaptureOne validates req, runs the cascade and stores the resulting
// record. A record younger than maxAge is served from cache when caching is
// enabled. The returned error is non-nil only when the request is invalid
// or the record could not be stored: an exhausted cascade is reported
// through a failed record.
func (s *Service) CaptureOne(ctx context.Context, req models.CaptureRequest, maxAge time.Duration) (*Outcome, error) {
	return s.capture(ctx, req, maxAge, "", s.opts.WebhookURL)
}

func (s *Service) capture(ctx context.Context, req models.CaptureRequest, maxAge time.Duration, jobID, hookURL string) (*Outcome, error) {
	// ── 1. Validate ──
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := s.logger.With("request_id", req.RequestID, "url", req.URL)

	// ── 2. Cache lookup ──
	key := cache.Key(req.URL, req.TargetText)
	if s.opts.Cache != nil {
		if cached, hit := s.opts.Cache.Get(key, maxAge); hit {
			logger.Debug("evidence served from cache", "cached_request_id", cached.RequestID)
			return s.reuse(ctx, req, cached, jobID, hookURL)
		}
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	start := time.Now()

	// ── 3. Preflight ──
	var pre *models.PreflightReport
	if s.opts.Prober != nil {
		pre = s.opts.Prober.Probe(ctx, req.URL, req.TargetText, s.opts.Fingerprints.Draw())
		logger.Debug("preflight finished", "status", pre.StatusCode, "challenge", pre.Challenge, "text_in_static", pre.TextInStatic)
	}

	// ── 4. Cascade ──
	var rec *models.EvidenceRecord
	res, err := s.opts.NewCapturer().Capture(ctx, req)
	switch {
	case err == nil && res != nil:
		res.Preflight = pre
		rec = models.RecordFromResult(res)
	default:
		var failure *models.CaptureFailure
		if !errors.As(err, &failure) {
			failure = &models.CaptureFailure{RequestID: req.RequestID, URL: req.URL}
			if err != nil {
				failure.Attempts = []models.Attempt{{Kind: models.KindOf(err), Message: err.Error()}}
			}
		}
		failure.Preflight = pre
		rec = models.RecordFromFailure(req, failure, time.Now().UTC())
	}

	// ── 5. Persist ──
	// The store write must survive the caller giving up on the request.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(saveCtx, rec); err != nil {
		logger.Error("failed to store evidence", "error", err)
		return nil, models.NewCaptureError(models.KindInternal, "failed to store evidence", err)
	}

	logger.Info("evidence stored",
		"status", rec.Status,
		"engine", rec.Engine,
		"attempts", len(rec.Attempts),
		"duration", time.Since(start),
	)

	// ── 6. Cache + notify ──
	if s.opts.Cache != nil {
		s.opts.Cache.Set(key, rec)
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.DeliverAsync(hookURL, webhook.EvidenceEvent(jobID, rec))
	}
	return &Outcome{Record: rec}, nil
}

// reuse stores a copy of a cached capture under req's request ID, so every
// request has its own record even when the capture itself is shared.
func (s *Service) reuse(ctx context.Context, req models.CaptureRequest, cached *models.EvidenceRecord, jobID, hookURL string) (*Outcome, error) {
	rec := *cached
	rec.RequestID = req.RequestID
	rec.URL = req.URL
	rec.TargetText = req.TargetText

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(saveCtx, &rec); err != nil {
		s.logger.Error("failed to store cached evidence", "request_id", rec.RequestID, "error", err)
		return nil, models.NewCaptureError(models.KindInternal, "failed to store evidence", err)
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.DeliverAsync(hookURL, webhook.EvidenceEvent(jobID, &rec))
	}
	return &Outcome{Record: &rec, CacheHit: true}, nil
}

// StartBatch registers a batch and runs it in the background. It returns
// the batch ID immediately. Items without a request ID are assigned one.
func (s *Service) StartBatch(ctx context.Context, items []models.CaptureRequest, hookURL string) (string, error) {
	if len(items) == 0 {
		return "", models.NewCaptureError(models.KindInvalidInput, "batch is empty", nil)
	}
	items = append([]models.CaptureRequest(nil), items...)
	ids := make([]string, len(items))
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return "", err
		}
		if items[i].RequestID == "" {
			items[i].RequestID = uuid.NewString()
		}
		ids[i] = items[i].RequestID
	}

	batchID := "batch-" + uuid.NewString()
	if err := s.opts.Store.CreateBatch(ctx, batchID, hookURL, ids); err != nil {
		return "", models.NewCaptureError(models.KindInternal, "failed to create batch", err)
	}

	go func() {
		bctx := context.WithoutCancel(ctx)
		recs, err := s.CaptureBatch(bctx, batchID, items, hookURL)
		if err != nil {
			s.logger.Error("batch aborted", "id", batchID, "error", err)
			return
		}
		if s.opts.Notifier != nil {
			s.opts.Notifier.DeliverAsync(hookURL, &webhook.Event{
				Type:      webhook.EventBatchCompleted,
				JobID:     batchID,
				Timestamp: time.Now().Unix(),
				Data:      BatchStatusOf(batchID, len(items), recs),
			})
		}
	}()
	return batchID, nil
}

// CaptureBatch captures items with bounded parallelism and returns their
// records in submission order. Items are independent: one failure never
// stops the rest. The error is non-nil only when a record cannot be stored.
func (s *Service) CaptureBatch(ctx context.Context, jobID string, items []models.CaptureRequest, hookURL string) ([]*models.EvidenceRecord, error) {
	recs := make([]*models.EvidenceRecord, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i, item := range items {
		g.Go(func() error {
			out, err := s.capture(gctx, item, 0, jobID, hookURL)
			if err != nil {
				if models.KindOf(err) != models.KindInvalidInput {
					return err
				}
				// Invalid items still get a record.
				rec := models.RecordFromFailure(item, &models.CaptureFailure{
					Attempts: []models.Attempt{{Kind: models.KindInvalidInput, Message: err.Error()}},
				}, time.Now().UTC())
				if rec.RequestID == "" {
					rec.RequestID = uuid.NewString()
				}
				if err := s.opts.Store.Save(context.WithoutCancel(gctx), rec); err != nil {
					return err
				}
				recs[i] = rec
				return nil
			}
			recs[i] = out.Record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range recs {
		if r.Status != models.StatusCaptured {
			failed++
		}
	}
	s.logger.Info("batch finished", "id", jobID, "total", len(items), "failed", failed)
	return recs, nil
}

// BatchStatus loads a batch's progress from the store.
func (s *Service) BatchStatus(ctx context.Context, id string) (*models.BatchStatusResponse, error) {
	total, recs, err := s.opts.Store.Batch(ctx, id)
	if err != nil {
		return nil, err
	}
	return BatchStatusOf(id, total, recs), nil
}

// BatchStatusOf summarizes stored records: "processing" until every item
// has a record, then "completed", "partial" or "failed".
func BatchStatusOf(id string, total int, recs []*models.EvidenceRecord) *models.BatchStatusResponse {
	failed := 0
	for _, r := range recs {
		if r.Status != models.StatusCaptured {
			failed++
		}
	}
	status := "processing"
	switch {
	case len(recs) < total:
	case failed == total:
		status = "failed"
	case failed > 0:
		status = "partial"
	default:
		status = "completed"
	}
	return &models.BatchStatusResponse{
		ID:        id,
		Status:    status,
		Completed: len(recs),
		Total:     total,
		Results:   recs,
	}
}

// Get returns a stored record.
func (s *Service) Get(ctx context.Context, id string) (*models.EvidenceRecord, error) {
	return s.opts.Store.Get(ctx, id)
}

// Image returns a stored PNG.
func (s *Service) Image(ctx context.Context, id string) ([]byte, error) {
	return s.opts.Store.Image(ctx, id)
}
