// Package consent keeps cookie-consent machinery from getting in front of
// the evidence. It works in ordered stages: neutralize the consent APIs
// before page scripts run, pre-seed "already answered" state, let CMP
// traffic through while dropping only known trackers, hide banners with
// CSS, prune whatever banner still rendered, and wait for real content.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/models"
)

// Page is the part of a browser driver the layer needs.
type Page interface {
	AddInitScript(ctx context.Context, script string) error
	SetCookies(ctx context.Context, cookies []browser.Cookie) error
	Intercept(ctx context.Context, allow func(browser.Request) bool) error
	Eval(ctx context.Context, fn string, arg any, out any) error
}

// Config tunes the stages that wait or guess.
type Config struct {
	ReadyInterval time.Duration // readiness poll interval
	ReadyTimeout  time.Duration // readiness poll budget
	ReadyMinChars int           // visible text that counts as rendered
	SettleDelay   time.Duration // pause after readiness before pruning
	MinZIndex     int           // stacking order that marks an overlay
	Coverage      float64       // viewport share that marks a blocking overlay
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		ReadyInterval: 250 * time.Millisecond,
		ReadyTimeout:  8 * time.Second,
		ReadyMinChars: 200,
		SettleDelay:   time.Second,
		MinZIndex:     900,
		Coverage:      0.35,
	}
}

// consentWords mark an overlay as a consent prompt.
var consentWords = []string{
	"cookie", "consent", "gdpr", "privacy", "onetrust", "cookiebot", "didomi",
	"usercentrics", "truste", "sp_message", "cmp", "we value your privacy",
	"accept all", "reject all", "datenschutz", "einwilligung", "akzeptieren",
}

// consentTopics and consentActions must both appear in the text of a
// non-dialog layer for it to count as a consent prompt.
var consentTopics = []string{
	"cookie", "consent", "gdpr", "privacy", "tracking", "datenschutz", "einwilligung",
}

var consentActions = []string{
	"accept", "agree", "allow", "reject", "decline", "refuse", "got it",
	"akzeptieren", "zustimmen", "ablehnen", "accepter", "refuser",
}

// Layer runs the consent stages for one capture attempt. Create a new Layer
// per attempt; Stats are not reset.
type Layer struct {
	cfg       Config
	vendors   []Vendor
	selectors []string
	logger    *slog.Logger
	now       func() time.Time

	scriptsAllowed  atomic.Int64
	trackersBlocked atomic.Int64
	overlaysRemoved atomic.Int64
	ready           atomic.Bool
	pruned          atomic.Bool
}

// NewLayer returns a Layer over the full vendor set.
func NewLayer(cfg Config, logger *slog.Logger) *Layer {
	d := DefaultConfig()
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = d.ReadyInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = d.ReadyTimeout
	}
	if cfg.ReadyMinChars <= 0 {
		cfg.ReadyMinChars = d.ReadyMinChars
	}
	if cfg.MinZIndex <= 0 {
		cfg.MinZIndex = d.MinZIndex
	}
	if cfg.Coverage <= 0 {
		cfg.Coverage = d.Coverage
	}
	if logger == nil {
		logger = slog.Default()
	}
	vendors := Vendors()
	return &Layer{
		cfg:       cfg,
		vendors:   vendors,
		selectors: allSelectors(vendors),
		logger:    logger,
		now:       time.Now,
	}
}

// InitScript returns the combined document-start script: the prelude, every
// vendor routine and the localStorage seed, in that order.
func (l *Layer) InitScript() string {
	var b strings.Builder
	b.WriteString(prelude)
	storage := map[string]string{}
	for _, v := range l.vendors {
		b.WriteString("\n")
		b.WriteString(v.Script)
		for k, val := range v.Storage {
			storage[k] = val
		}
	}
	if s := storageScript(storage); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

// Cookies returns the pre-seeded consent cookies for targetURL's site.
func (l *Layer) Cookies(targetURL string) []browser.Cookie {
	u, err := url.Parse(targetURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	domain := host
	if net.ParseIP(host) == nil {
		if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			domain = "." + d
		}
	}
	now := l.now()
	var out []browser.Cookie
	seen := map[string]bool{}
	for _, v := range l.vendors {
		if v.Cookies == nil {
			continue
		}
		for name, val := range v.Cookies(now) {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, browser.Cookie{Name: name, Value: val, Domain: domain, Path: "/", Secure: u.Scheme == "https"})
		}
	}
	return out
}

// Allow is the request filter: CMP hosts are always allowed and counted,
// denylisted trackers are blocked and counted, everything else passes.
func (l *Layer) Allow(req browser.Request) bool {
	switch classify(l.vendors, req.URL) {
	case AllowCMP:
		l.scriptsAllowed.Add(1)
		return true
	case BlockTrack:
		l.trackersBlocked.Add(1)
		return false
	default:
		return true
	}
}

// Prepare runs the pre-navigation stages: API neutralization, state
// pre-injection and network filtering.
func (l *Layer) Prepare(ctx context.Context, page Page, targetURL string) error {
	// ── 1. API neutralization + localStorage seed ──
	if err := page.AddInitScript(ctx, l.InitScript()); err != nil {
		return fmt.Errorf("consent: init script: %w", err)
	}

	// ── 2. Consent cookies ──
	if cookies := l.Cookies(targetURL); len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			// A rejected cookie only costs us the shortcut; the API stubs still apply.
			l.logger.Debug("consent cookies rejected", "url", targetURL, "error", err)
			if browser.IsCrash(err) {
				return err
			}
		}
	}

	// ── 3. Permissive network filtering ──
	if err := page.Intercept(ctx, l.Allow); err != nil {
		return fmt.Errorf("consent: intercept: %w", err)
	}
	return nil
}

// Settle runs the post-navigation stages: visual suppression, readiness
// polling, a settle pause and the first pruning pass. Page-side script
// failures are logged and tolerated; crashes and context ends are returned.
func (l *Layer) Settle(ctx context.Context, page Page, targetText string) error {
	// ── Visual suppression ──
	if err := l.Suppress(ctx, page); err != nil {
		return err
	}

	// ── Readiness, then settle ──
	if _, err := l.WaitReady(ctx, page); err != nil {
		return err
	}

	if l.cfg.SettleDelay > 0 {
		t := time.NewTimer(l.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	// ── First pruning pass ──
	_, err := l.Prune(ctx, page, targetText)
	return err
}

// Suppress injects the banner-hiding stylesheet. Safe to call repeatedly.
func (l *Layer) Suppress(ctx context.Context, page Page) error {
	err := page.Eval(ctx, suppressScript, map[string]any{"selectors": l.selectors}, nil)
	return l.tolerate(ctx, "suppress", err)
}

// Prune removes banner elements and returns how many were removed in this
// pass. Safe to call repeatedly.
func (l *Layer) Prune(ctx context.Context, page Page, targetText string) (int, error) {
	arg := map[string]any{
		"selectors": l.selectors,
		"target":    targetText,
		"words":     consentWords,
		"topics":    consentTopics,
		"actions":   consentActions,
		"minZ":      l.cfg.MinZIndex,
		"coverage":  l.cfg.Coverage,
	}
	var removed int
	if err := page.Eval(ctx, pruneScript, arg, &removed); err != nil {
		return 0, l.tolerate(ctx, "prune", err)
	}
	l.overlaysRemoved.Add(int64(removed))
	l.pruned.Store(true)
	return removed, nil
}

type readiness struct {
	TextLength int  `json:"textLength"`
	HasMain    bool `json:"hasMain"`
}

// WaitReady polls until the page shows more than ReadyMinChars of text or
// a visible main container, or until ReadyTimeout. It reports whether
// readiness was reached; a timeout is not an error.
func (l *Layer) WaitReady(ctx context.Context, page Page) (bool, error) {
	deadline := time.NewTimer(l.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		var r readiness
		err := page.Eval(ctx, readinessScript, nil, &r)
		if err != nil {
			if terr := l.tolerate(ctx, "readiness", err); terr != nil {
				return false, terr
			}
		} else if r.TextLength > l.cfg.ReadyMinChars || r.HasMain {
			l.ready.Store(true)
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			l.logger.Debug("readiness not reached", "text_length", r.TextLength)
			return false, nil
		case <-ticker.C:
		}
	}
}

// tolerate swallows page-side script errors but passes through crashes and
// context ends.
func (l *Layer) tolerate(ctx context.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if browser.IsCrash(err) {
		return err
	}
	l.logger.Debug("consent stage failed", "stage", stage, "error", err)
	return nil
}

// Pruned reports whether at least one pruning pass completed.
func (l *Layer) Pruned() bool { return l.pruned.Load() }

// Stats returns the counters accumulated so far.
func (l *Layer) Stats() models.ConsentStats {
	return models.ConsentStats{
		ScriptsAllowed:    int(l.scriptsAllowed.Load()),
		TrackersBlocked:   int(l.trackersBlocked.Load()),
		OverlaysRemoved:   int(l.overlaysRemoved.Load()),
		ReadinessAchieved: l.ready.Load(),
	}
}
