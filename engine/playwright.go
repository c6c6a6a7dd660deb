package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/pipeline"
)

// PlaywrightConfig configures the playwright engine.
type PlaywrightConfig struct {
	Headless   bool
	NoSandbox  bool
	BrowserBin string
	Pipeline   pipeline.Options
}

// PlaywrightEngine is the third engine: a one-shot playwright-go session.
type PlaywrightEngine struct {
	cfg PlaywrightConfig
}

// NewPlaywrightEngine creates a PlaywrightEngine.
func NewPlaywrightEngine(cfg PlaywrightConfig) *PlaywrightEngine {
	return &PlaywrightEngine{cfg: cfg}
}

func (e *PlaywrightEngine) Name() string { return "playwright" }

// Capture starts the driver, launches Chromium with a context shaped by fp
// and runs the pipeline on a fresh page.
func (e *PlaywrightEngine) Capture(ctx context.Context, target Target, fp fingerprint.Profile) (*models.CaptureResult, error) {
	logger := slog.Default()
	if e.cfg.Pipeline.Logger != nil {
		logger = e.cfg.Pipeline.Logger
	}
	logger = logger.With("engine", e.Name(), "url", target.URL)

	// ── 1. Driver ────────────────────────────────────────────────────
	pw, err := playwright.Run()
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to start playwright driver", err)
	}
	defer func() { _ = pw.Stop() }()

	// ── 2. Launch ────────────────────────────────────────────────────
	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--no-first-run",
		"--disable-default-apps",
		"--lang=" + fp.Locale,
	}
	if e.cfg.NoSandbox {
		args = append(args, "--no-sandbox")
	}
	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.cfg.Headless),
		Args:     args,
	}
	if e.cfg.BrowserBin != "" {
		launch.ExecutablePath = playwright.String(e.cfg.BrowserBin)
	}
	if server, user, pass := proxyParts(target.Proxy); server != "" {
		launch.Proxy = &playwright.Proxy{Server: server}
		if user != "" {
			launch.Proxy.Username = playwright.String(user)
			launch.Proxy.Password = playwright.String(pass)
		}
	}
	b, err := pw.Chromium.Launch(launch)
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to launch browser", err)
	}
	defer func() { _ = b.Close() }()

	// playwright-go is not context-aware: closing the browser unblocks
	// whatever call is in flight when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	// ── 3. Context + page ────────────────────────────────────────────
	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(fp.UserAgent),
		Viewport:         &playwright.Size{Width: fp.Viewport.Width, Height: fp.Viewport.Height},
		Locale:           playwright.String(fp.Locale),
		TimezoneId:       playwright.String(fp.Timezone),
		ExtraHttpHeaders: requestHeaders(fp, target.URL),
	})
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to create browser context", err)
	}
	defer func() { _ = bctx.Close() }()

	pg, err := bctx.NewPage()
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to create page", err)
	}
	// Context options cannot carry client hints; set them over CDP so
	// navigator.userAgentData agrees with the user agent.
	if cdp, err := bctx.NewCDPSession(pg); err == nil {
		if _, err := cdp.Send("Emulation.setUserAgentOverride", pwUAOverride(fp)); err != nil {
			logger.Debug("user agent metadata rejected", "error", err)
		}
	} else {
		logger.Debug("cdp session unavailable", "error", err)
	}

	drv := &pwDriver{ctx: bctx, page: pg}
	pg.OnCrash(func(playwright.Page) { drv.crashed.Store(true) })
	b.OnDisconnected(func(playwright.Browser) { drv.crashed.Store(true) })

	// ── 4. Pipeline ──────────────────────────────────────────────────
	opts := e.cfg.Pipeline
	opts.Engine = e.Name()
	opts.InjectStealth = true
	opts.Assist = false
	opts.Logger = logger
	res, err := pipeline.Run(ctx, drv, pipeline.Target{URL: target.URL, Text: target.Text}, fp, opts)
	if err != nil && ctx.Err() != nil && models.KindOf(err) == models.KindEngineCrash {
		// The browser was closed by the context watcher, not by a crash.
		return nil, models.NewCaptureError(models.KindNavigation, "attempt deadline exceeded", ctx.Err())
	}
	return res, err
}

// pwDriver adapts a playwright page to browser.Driver.
type pwDriver struct {
	ctx     playwright.BrowserContext
	page    playwright.Page
	crashed atomic.Bool
}

// timeoutMs converts ctx's remaining time to a playwright timeout.
// Zero means playwright's own default.
func timeoutMs(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(dl).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func (d *pwDriver) AddInitScript(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.ctx.AddInitScript(playwright.Script{Content: playwright.String(script)})
}

func (d *pwDriver) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, playwright.OptionalCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: playwright.String(c.Domain),
			Path:   playwright.String(c.Path),
			Secure: playwright.Bool(c.Secure),
		})
	}
	return d.ctx.AddCookies(out)
}

func (d *pwDriver) Intercept(ctx context.Context, allow func(browser.Request) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.ctx.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		if !allow(browser.Request{URL: req.URL(), ResourceType: req.ResourceType()}) {
			_ = route.Abort("blockedbyclient")
			return
		}
		_ = route.Continue()
	})
}

func (d *pwDriver) Navigate(ctx context.Context, url string) error {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMs(ctx),
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *pwDriver) Eval(ctx context.Context, fn string, arg any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Round-trip through JSON so playwright only sees plain maps, slices
	// and scalars.
	var plain any
	if arg != nil {
		raw, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &plain); err != nil {
			return err
		}
	}
	v, err := d.page.Evaluate(fn, plain)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (d *pwDriver) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.Content()
}

func (d *pwDriver) FindText(ctx context.Context, text string) (dom.Rect, bool, error) {
	return findTextByScript(ctx, d, text)
}

func (d *pwDriver) Screenshot(ctx context.Context, clip dom.Rect) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Type:     playwright.ScreenshotTypePng,
		FullPage: playwright.Bool(true),
		Clip: &playwright.Rect{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
		},
		Timeout: timeoutMs(ctx),
	})
	if err == nil && len(buf) == 0 {
		err = errors.New("playwright: empty screenshot")
	}
	return buf, err
}

func (d *pwDriver) Crashed() bool { return d.crashed.Load() }

// pwUAOverride builds Emulation.setUserAgentOverride params for a raw CDP call.
func pwUAOverride(fp fingerprint.Profile) map[string]interface{} {
	var md map[string]interface{}
	b, _ := json.Marshal(fp.UserAgentMetadata())
	_ = json.Unmarshal(b, &md)
	return map[string]interface{}{
		"userAgent":         fp.UserAgent,
		"acceptLanguage":    fp.AcceptLanguage(),
		"platform":          fp.Platform,
		"userAgentMetadata": md,
	}
}
