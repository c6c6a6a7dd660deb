package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/pipeline"
)

// ChromedpConfig configures the chromedp engine.
type ChromedpConfig struct {
	Headless   bool
	NoSandbox  bool
	BrowserBin string
	Pipeline   pipeline.Options
}

// ChromedpEngine is the second engine: a one-shot chromedp session with the
// stealth evasions injected as an init script.
type ChromedpEngine struct {
	cfg ChromedpConfig
}

// NewChromedpEngine creates a ChromedpEngine.
func NewChromedpEngine(cfg ChromedpConfig) *ChromedpEngine {
	return &ChromedpEngine{cfg: cfg}
}

func (e *ChromedpEngine) Name() string { return "chromedp" }

// Capture allocates a fresh browser, runs the pipeline and tears it down.
func (e *ChromedpEngine) Capture(ctx context.Context, target Target, fp fingerprint.Profile) (*models.CaptureResult, error) {
	logger := slog.Default()
	if e.cfg.Pipeline.Logger != nil {
		logger = e.cfg.Pipeline.Logger
	}
	logger = logger.With("engine", e.Name(), "url", target.URL)

	// ── 1. Profile dir ───────────────────────────────────────────────
	dir, err := os.MkdirTemp("", "proofshot-cdp-*")
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to create profile dir", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	// ── 2. Allocate ──────────────────────────────────────────────────
	server, user, pass := proxyParts(target.Proxy)
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("no-sandbox", e.cfg.NoSandbox),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("lang", fp.Locale),
		chromedp.UserDataDir(dir),
		chromedp.WindowSize(fp.Viewport.Width, fp.Viewport.Height),
		chromedp.UserAgent(fp.UserAgent),
	)
	if e.cfg.BrowserBin != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.BrowserBin))
	}
	if server != "" {
		opts = append(opts, chromedp.ProxyServer(server))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	// ── 3. Start + crash watcher ─────────────────────────────────────
	drv := &cdpDriver{tab: tabCtx, proxyUser: user, proxyPass: pass, logger: logger}
	chromedp.ListenTarget(tabCtx, drv.listen)
	if err := chromedp.Run(tabCtx); err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to start browser", err)
	}
	if err := chromedp.Run(tabCtx, inspector.Enable()); err != nil {
		logger.Debug("inspector domain unavailable", "error", err)
	}

	// ── 4. Fingerprint emulation ─────────────────────────────────────
	headers := network.Headers{}
	for k, v := range requestHeaders(fp, target.URL) {
		headers[k] = v
	}
	err = chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		emulation.SetUserAgentOverride(fp.UserAgent).
			WithAcceptLanguage(fp.AcceptLanguage()).
			WithPlatform(fp.Platform).
			WithUserAgentMetadata(cdpUAMetadata(fp)),
		emulation.SetDeviceMetricsOverride(int64(fp.Viewport.Width), int64(fp.Viewport.Height), 1, false),
	)
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to apply fingerprint", err)
	}
	if err := chromedp.Run(tabCtx, emulation.SetTimezoneOverride(fp.Timezone)); err != nil {
		logger.Debug("timezone override rejected", "timezone", fp.Timezone, "error", err)
	}
	if err := chromedp.Run(tabCtx, emulation.SetLocaleOverride().WithLocale(fp.Locale)); err != nil {
		logger.Debug("locale override rejected", "locale", fp.Locale, "error", err)
	}

	// ── 5. Pipeline ──────────────────────────────────────────────────
	popts := e.cfg.Pipeline
	popts.Engine = e.Name()
	popts.InjectStealth = true
	popts.Assist = false
	popts.Logger = logger
	return pipeline.Run(ctx, drv, pipeline.Target{URL: target.URL, Text: target.Text}, fp, popts)
}

// cdpDriver adapts a chromedp tab to browser.Driver. Calls run on the tab
// context but honor the caller's cancellation and deadline.
type cdpDriver struct {
	tab       context.Context
	proxyUser string
	proxyPass string
	logger    *slog.Logger

	allow   atomic.Pointer[func(browser.Request) bool]
	crashed atomic.Bool
}

func (d *cdpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(d.tab, dl)
	} else {
		runCtx, cancel = context.WithCancel(d.tab)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// listen handles target events: crashes, paused requests and proxy auth.
func (d *cdpDriver) listen(ev any) {
	switch ev := ev.(type) {
	case *inspector.EventTargetCrashed:
		d.crashed.Store(true)
	case *fetch.EventRequestPaused:
		go d.decide(ev)
	case *fetch.EventAuthRequired:
		go func() {
			resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
			if d.proxyUser != "" && ev.AuthChallenge != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
				resp = &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: d.proxyUser,
					Password: d.proxyPass,
				}
			}
			d.exec(func(ctx context.Context) error {
				return fetch.ContinueWithAuth(ev.RequestID, resp).Do(ctx)
			})
		}()
	}
}

func (d *cdpDriver) decide(ev *fetch.EventRequestPaused) {
	allow := true
	if fn := d.allow.Load(); fn != nil {
		allow = (*fn)(browser.Request{URL: ev.Request.URL, ResourceType: string(ev.ResourceType)})
	}
	d.exec(func(ctx context.Context) error {
		if !allow {
			return fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
		}
		return fetch.ContinueRequest(ev.RequestID).Do(ctx)
	})
}

// exec runs a raw CDP command from an event handler against the tab target.
func (d *cdpDriver) exec(fn func(ctx context.Context) error) {
	cmdCtx, cancel := context.WithTimeout(d.tab, 5*time.Second)
	defer cancel()
	c := chromedp.FromContext(cmdCtx)
	if c == nil || c.Target == nil {
		return
	}
	if err := fn(cdp.WithExecutor(cmdCtx, c.Target)); err != nil {
		d.logger.Debug("fetch command failed", "error", err)
	}
}

func (d *cdpDriver) AddInitScript(ctx context.Context, script string) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (d *cdpDriver) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (d *cdpDriver) Intercept(ctx context.Context, allow func(browser.Request) bool) error {
	d.allow.Store(&allow)
	return d.run(ctx, fetch.Enable().
		WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
		WithHandleAuthRequests(d.proxyUser != ""))
}

func (d *cdpDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *cdpDriver) Eval(ctx context.Context, fn string, arg any, out any) error {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("(%s)(%s)", fn, argJSON)
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if out == nil {
		return d.run(ctx, chromedp.Evaluate(expr, nil, awaitPromise))
	}
	var raw []byte
	if err := d.run(ctx, chromedp.Evaluate(expr, &raw, awaitPromise)); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (d *cdpDriver) HTML(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *cdpDriver) FindText(ctx context.Context, text string) (dom.Rect, bool, error) {
	return findTextByScript(ctx, d, text)
}

func (d *cdpDriver) Screenshot(ctx context.Context, clip dom.Rect) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (d *cdpDriver) Crashed() bool { return d.crashed.Load() }

// cdpUAMetadata converts the profile's client hints for
// Emulation.setUserAgentOverride.
func cdpUAMetadata(fp fingerprint.Profile) *emulation.UserAgentMetadata {
	md := fp.UserAgentMetadata()
	brands := func(list []fingerprint.Brand) []*emulation.UserAgentBrandVersion {
		out := make([]*emulation.UserAgentBrandVersion, len(list))
		for i, b := range list {
			out[i] = &emulation.UserAgentBrandVersion{Brand: b.Brand, Version: b.Version}
		}
		return out
	}
	return &emulation.UserAgentMetadata{
		Brands:          brands(md.Brands),
		FullVersionList: brands(md.FullVersionList),
		Platform:        md.Platform,
		PlatformVersion: md.PlatformVersion,
		Architecture:    md.Architecture,
		Model:           md.Model,
		Mobile:          md.Mobile,
		Bitness:         md.Bitness,
	}
}
