package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/throttle"
)

// Waiter spaces requests to the same site. *throttle.Limiter implements it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) (time.Time, error)
}

// Options are the resources an Orchestrator shares with other requests.
type Options struct {
	Limiter        Waiter                 // nil disables spacing
	Proxies        *throttle.ProxyRotator // nil means direct connections
	Fingerprints   *fingerprint.Provider  // nil uses a fresh provider
	AttemptTimeout time.Duration          // per engine attempt; 0 means no extra bound
	Logger         *slog.Logger
}

// Orchestrator walks a fixed, ordered engine list for one capture at a time.
// Engines are tried strictly in sequence; an engine that crashes gets exactly
// one retry with fresh resources before the cascade moves on.
type Orchestrator struct {
	engines []Engine
	opts    Options
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator over engines, in cascade order.
func NewOrchestrator(engines []Engine, opts Options) *Orchestrator {
	if opts.Fingerprints == nil {
		opts.Fingerprints = fingerprint.NewProvider()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{engines: engines, opts: opts, logger: logger}
}

// Engines returns the engine names in cascade order.
func (o *Orchestrator) Engines() []string {
	names := make([]string, len(o.engines))
	for i, e := range o.engines {
		names[i] = e.Name()
	}
	return names
}

// Capture runs the cascade for req. Exactly one of the results is non-nil:
// the first successful capture, carrying the attempt history that led to it,
// or a *models.CaptureFailure listing every failed attempt.
func (o *Orchestrator) Capture(ctx context.Context, req models.CaptureRequest) (*models.CaptureResult, error) {
	failure := &models.CaptureFailure{RequestID: req.RequestID, URL: req.URL}
	target := Target{URL: req.URL, Text: req.TargetText}

	for _, eng := range o.engines {
		res, kind := o.attempt(ctx, eng, target, false, failure)
		if res == nil && kind == models.KindEngineCrash && ctx.Err() == nil {
			res, _ = o.attempt(ctx, eng, target, true, failure)
		}
		if res != nil {
			res.RequestID = req.RequestID
			res.URL = req.URL
			res.TargetText = req.TargetText
			res.Engine = eng.Name()
			res.Attempts = failure.Attempts
			return res, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	o.logger.Warn("all engines failed", "url", req.URL, "request_id", req.RequestID, "attempts", len(failure.Attempts))
	return nil, failure
}

// attempt runs one engine once and appends the outcome to the history.
// It returns the result on success, or nil and the failure kind.
func (o *Orchestrator) attempt(ctx context.Context, eng Engine, target Target, retry bool, failure *models.CaptureFailure) (*models.CaptureResult, models.Kind) {
	start := time.Now()
	rec := models.Attempt{Engine: eng.Name(), Retry: retry}
	logger := o.logger.With("engine", eng.Name(), "url", target.URL, "retry", retry)

	finish := func(res *models.CaptureResult, err error) (*models.CaptureResult, models.Kind) {
		rec.Duration = time.Since(start)
		if err == nil && res == nil {
			err = models.NewCaptureError(models.KindCaptureFailed, "engine returned no result", nil)
		}
		if err != nil {
			rec.Kind = models.KindOf(err)
			rec.Message = err.Error()
			failure.Attempts = append(failure.Attempts, rec)
			logger.Info("capture attempt failed", "kind", rec.Kind, "error", err, "duration", rec.Duration)
			return nil, rec.Kind
		}
		failure.Attempts = append(failure.Attempts, rec)
		logger.Info("capture attempt succeeded",
			"selector", res.Selector,
			"strategy", res.Strategy,
			"overlays_removed", res.Stats.OverlaysRemoved,
			"trackers_blocked", res.Stats.TrackersBlocked,
			"duration", rec.Duration,
		)
		return res, ""
	}

	// ── 1. Per-site spacing, once per browser launch ──
	if o.opts.Limiter != nil {
		if _, err := o.opts.Limiter.Wait(ctx, target.URL); err != nil {
			return finish(nil, models.NewCaptureError(models.KindNavigation, "waiting for rate limit slot", err))
		}
	}

	// ── 2. Fresh identity and route ──
	fp := o.opts.Fingerprints.Draw()
	target.Proxy = o.opts.Proxies.Next()
	logger.Debug("capture attempt starting", "os", fp.OS, "chrome", fp.ChromeMajor, "proxy", target.Proxy != "")

	// ── 3. Bounded run ──
	actx := ctx
	if o.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.opts.AttemptTimeout)
		defer cancel()
	}
	res, err := safeCapture(actx, eng, target, fp)

	if err != nil && target.Proxy != "" && models.KindOf(err) == models.KindNavigation {
		o.opts.Proxies.MarkFailed(target.Proxy)
	}
	return finish(res, err)
}

// safeCapture converts an engine panic into a crash so the cascade continues.
func safeCapture(ctx context.Context, eng Engine, target Target, fp fingerprint.Profile) (res *models.CaptureResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = models.NewCaptureError(models.KindEngineCrash, fmt.Sprintf("engine panic: %v", r), nil)
		}
	}()
	return eng.Capture(ctx, target, fp)
}
