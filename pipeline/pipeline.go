// Package pipeline is the capture sequence shared by every local browser
// engine. Engines only differ in how they launch a browser and adapt it to
// browser.Driver; everything that happens on the page happens here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/stealth"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/challenge"
	"github.com/use-agent/proofshot/consent"
	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/locate"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/region"
)

// Options configures one run. Zero durations fall back to defaults.
type Options struct {
	Engine            string
	NavTimeout        time.Duration
	ChallengeInterval time.Duration
	ChallengeTimeout  time.Duration
	ChallengeMinChars int
	Consent           consent.Config
	Region            region.Config
	Locate            locate.Options

	// InjectStealth adds go-rod/stealth's evasions as an init script, for
	// drivers that do not apply them natively.
	InjectStealth bool

	// Assist polls the cooperating extension's result object during the
	// challenge wait and uses its raw HTML as evidence.
	Assist bool

	// ExportHTML stores the serialized DOM when the extension did not
	// provide one.
	ExportHTML bool

	Logger *slog.Logger
}

// Target is what to capture.
type Target struct {
	URL  string
	Text string
}

// Run drives drv through one capture.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Fingerprint        – navigator overrides (+ stealth) before any page script
//  2. Consent prepare    – API stubs, consent state, request filter
//  3. Navigate           – bounded by NavTimeout
//  4. Challenge wait     – bounded poll; TimedOut fails the attempt
//  5. Consent settle     – suppress, readiness, settle delay, first prune
//  6. Snapshot + locate  – visible DOM, strategy cascade
//  7. Region             – scroll into view, pick context, clamp
//  8. Final prune        – re-applied right before the screenshot
//  9. Screenshot         – clip in page coordinates
//
// Steps 1-2 must precede step 3: init scripts and the request filter only
// apply to documents loaded after they are installed.
func Run(ctx context.Context, drv browser.Driver, target Target, fp fingerprint.Profile, opts Options) (*models.CaptureResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("engine", opts.Engine, "url", target.URL)
	fail := func(kind models.Kind, msg string, err error) error {
		return classify(drv, kind, msg, err)
	}

	// ── 1. Fingerprint ───────────────────────────────────────────────
	if err := drv.AddInitScript(ctx, fp.InitScript()); err != nil {
		return nil, fail(models.KindNavigation, "fingerprint init script", err)
	}
	if opts.InjectStealth {
		if err := drv.AddInitScript(ctx, stealth.JS); err != nil {
			logger.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	// ── 2. Consent prepare ───────────────────────────────────────────
	layer := consent.NewLayer(opts.Consent, logger)
	if err := layer.Prepare(ctx, drv, target.URL); err != nil {
		return nil, fail(models.KindNavigation, "consent prepare", err)
	}

	// ── 3. Navigate ──────────────────────────────────────────────────
	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(ctx, navTimeout)
	err := drv.Navigate(navCtx, target.URL)
	navCancel()
	if err != nil {
		return nil, fail(models.KindNavigation, "navigation failed", err)
	}

	// ── 4. Challenge wait ────────────────────────────────────────────
	mon := challenge.NewMonitor(opts.ChallengeInterval, opts.ChallengeTimeout, opts.ChallengeMinChars)
	mon.Logger = logger
	var assist challenge.AssistFunc
	if opts.Assist {
		assist = assistReader(drv)
	}
	outcome, err := mon.Watch(ctx, drv, assist)
	if err != nil {
		return nil, fail(models.KindChallenge, "challenge wait", err)
	}
	if outcome.State == challenge.TimedOut {
		return nil, models.NewCaptureError(models.KindChallenge,
			fmt.Sprintf("%s challenge not resolved after %s", outcome.Provider, outcome.Elapsed), nil)
	}

	// ── 5. Consent settle ────────────────────────────────────────────
	if err := layer.Settle(ctx, drv, target.Text); err != nil {
		return nil, fail(models.KindNotFound, "consent settle", err)
	}

	// ── 6. Snapshot + locate ─────────────────────────────────────────
	var snap dom.Snapshot
	if err := drv.Eval(ctx, dom.CollectScript, dom.CollectArg{MaxNodes: dom.MaxNodes, MaxText: dom.MaxText}, &snap); err != nil {
		return nil, fail(models.KindNotFound, "dom snapshot", err)
	}
	snap.Link()
	if snap.Truncated {
		logger.Debug("dom snapshot truncated", "nodes", len(snap.Nodes))
	}

	match, err := locate.New(drv, opts.Locate).Locate(ctx, &snap, target.Text)
	if err != nil {
		return nil, fail(models.KindNotFound, "locate", err)
	}

	// ── 7. Region ────────────────────────────────────────────────────
	vp := snap.Viewport
	var scrolled dom.Viewport
	if err := drv.Eval(ctx, dom.ScrollScript, dom.ScrollArg{Index: match.Index}, &scrolled); err != nil {
		if browser.IsCrash(err) || ctx.Err() != nil {
			return nil, fail(models.KindNotFound, "scroll into view", err)
		}
		logger.Debug("scroll into view failed", "error", err)
	} else if scrolled.Width > 0 && scrolled.Height > 0 {
		vp = scrolled
	}
	reg := region.New(opts.Region).Compute(&snap, match.Index, vp)

	// ── 8. Final prune ───────────────────────────────────────────────
	if _, err := layer.Prune(ctx, drv, target.Text); err != nil {
		return nil, fail(models.KindCaptureFailed, "final prune", err)
	}

	// ── 9. Screenshot ────────────────────────────────────────────────
	img, err := drv.Screenshot(ctx, reg.Rect)
	if err != nil {
		return nil, fail(models.KindCaptureFailed, "screenshot", err)
	}

	res := &models.CaptureResult{
		URL:        target.URL,
		TargetText: target.Text,
		Image:      img,
		Engine:     opts.Engine,
		Selector:   match.Description,
		Strategy:   string(match.Strategy),
		Region:     models.Region(reg.Rect),
		Stats:      layer.Stats(),
		CapturedAt: time.Now().UTC(),
	}
	if outcome.Assist != nil && outcome.Assist.HTML != "" {
		res.HTML = outcome.Assist.HTML
	} else if opts.ExportHTML {
		if html, err := drv.HTML(ctx); err == nil {
			res.HTML = html
		}
	}

	logger.Info("capture complete",
		"strategy", match.Strategy,
		"selector", match.Description,
		"context", snap.Path(reg.Context),
		"scripts_allowed", res.Stats.ScriptsAllowed,
		"trackers_blocked", res.Stats.TrackersBlocked,
		"overlays_removed", res.Stats.OverlaysRemoved,
		"ready", res.Stats.ReadinessAchieved,
	)
	return res, nil
}

// classify wraps err for the attempt history. Crashes win over the stage's
// own kind; an error that already carries a kind keeps it.
func classify(drv browser.Driver, kind models.Kind, msg string, err error) error {
	if drv.Crashed() || browser.IsCrash(err) {
		return models.NewCaptureError(models.KindEngineCrash, msg, err)
	}
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return err
	}
	return models.NewCaptureError(kind, msg, err)
}

const assistScript = `function () {
  const a = window.__proofshotAssist;
  if (!a || typeof a !== 'object') return { ok: false };
  return {
    ok: true,
    done: !!a.done,
    challengeSolved: !!a.challengeSolved,
    html: typeof a.html === 'string' ? a.html : '',
  };
}`

// assistReader polls the extension-assist channel on the page.
func assistReader(drv browser.Driver) challenge.AssistFunc {
	return func(ctx context.Context) (challenge.Assist, bool, error) {
		var r struct {
			OK bool `json:"ok"`
			challenge.Assist
		}
		if err := drv.Eval(ctx, assistScript, nil, &r); err != nil {
			return challenge.Assist{}, false, err
		}
		return r.Assist, r.OK, nil
	}
}
