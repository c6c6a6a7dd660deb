package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
	"github.com/use-agent/proofshot/pipeline"
)

// RodConfig configures the rod engine.
type RodConfig struct {
	Headless     bool
	NoSandbox    bool
	BrowserBin   string
	ExtensionDir string // unpacked cooperating extension; empty disables extensions
	Pipeline     pipeline.Options
}

// RodEngine is the primary engine: go-rod with stealth evasions, a
// throwaway persistent profile per attempt and, when configured, the
// cooperating extension loaded unpacked.
type RodEngine struct {
	cfg RodConfig
}

// NewRodEngine creates a RodEngine.
func NewRodEngine(cfg RodConfig) *RodEngine {
	return &RodEngine{cfg: cfg}
}

func (e *RodEngine) Name() string { return "rod" }

// Capture launches a fresh browser for one attempt.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Profile dir     – temp user-data-dir, removed on return
//  2. Launch          – stealth flags, proxy, extension
//  3. Connect         – bound to ctx; proxy auth if credentials are present
//  4. Page            – stealth page, fingerprint emulation, crash watcher
//  5. Pipeline        – shared capture sequence
func (e *RodEngine) Capture(ctx context.Context, target Target, fp fingerprint.Profile) (*models.CaptureResult, error) {
	logger := e.logger().With("engine", e.Name(), "url", target.URL)

	// ── 1. Profile dir ───────────────────────────────────────────────
	dir, err := os.MkdirTemp("", "proofshot-rod-*")
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to create profile dir", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	// ── 2. Launch ────────────────────────────────────────────────────
	l := launcher.New().
		Context(ctx).
		Headless(e.cfg.Headless).
		NoSandbox(e.cfg.NoSandbox).
		UserDataDir(dir)
	if e.cfg.BrowserBin != "" {
		l = l.Bin(e.cfg.BrowserBin)
	}
	server, user, pass := proxyParts(target.Proxy)
	if server != "" {
		l = l.Proxy(server)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("lang"), fp.Locale)
	l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", fp.Viewport.Width, fp.Viewport.Height))
	if e.cfg.ExtensionDir != "" {
		l.Set(flags.Flag("load-extension"), e.cfg.ExtensionDir)
		l.Set(flags.Flag("disable-extensions-except"), e.cfg.ExtensionDir)
	} else {
		l.Set(flags.Flag("disable-extensions"))
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to launch browser", err)
	}
	defer l.Cleanup()
	defer l.Kill()
	logger.Debug("browser launched", "controlURL", controlURL)

	// ── 3. Connect ───────────────────────────────────────────────────
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to connect to browser", err)
	}
	defer func() { _ = b.Close() }()
	if user != "" {
		go func() { _ = b.HandleAuth(user, pass)() }()
	}

	// ── 4. Page ──────────────────────────────────────────────────────
	page, err := stealth.Page(b)
	if err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to create page", err)
	}
	drv := &rodDriver{page: page}
	defer drv.close()
	go page.EachEvent(func(*proto.InspectorTargetCrashed) {
		drv.crashed.Store(true)
	})()

	if err := emulateRod(page, fp, target.URL, logger); err != nil {
		return nil, models.NewCaptureError(models.KindEngineCrash, "failed to apply fingerprint", err)
	}

	// ── 5. Pipeline ──────────────────────────────────────────────────
	opts := e.cfg.Pipeline
	opts.Engine = e.Name()
	opts.InjectStealth = false
	opts.Assist = e.cfg.ExtensionDir != ""
	opts.ExportHTML = opts.ExportHTML || e.cfg.ExtensionDir != ""
	opts.Logger = logger
	return pipeline.Run(ctx, drv, pipeline.Target{URL: target.URL, Text: target.Text}, fp, opts)
}

func (e *RodEngine) logger() *slog.Logger {
	if e.cfg.Pipeline.Logger != nil {
		return e.cfg.Pipeline.Logger
	}
	return slog.Default()
}

// emulateRod applies the fingerprint's network and device identity.
func emulateRod(page *rod.Page, fp fingerprint.Profile, targetURL string, logger *slog.Logger) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:         fp.UserAgent,
		AcceptLanguage:    fp.AcceptLanguage(),
		Platform:          fp.Platform,
		UserAgentMetadata: rodUAMetadata(fp),
	}); err != nil {
		return err
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Viewport.Width,
		Height:            fp.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return err
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
		logger.Debug("timezone override rejected", "timezone", fp.Timezone, "error", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
		logger.Debug("locale override rejected", "locale", fp.Locale, "error", err)
	}
	return proto.NetworkSetExtraHTTPHeaders{
		Headers: toHeadersMap(requestHeaders(fp, targetURL)),
	}.Call(page)
}

// rodUAMetadata converts the profile's client hints for Network.setUserAgentOverride.
func rodUAMetadata(fp fingerprint.Profile) *proto.EmulationUserAgentMetadata {
	md := fp.UserAgentMetadata()
	brands := func(list []fingerprint.Brand) []*proto.EmulationUserAgentBrandVersion {
		out := make([]*proto.EmulationUserAgentBrandVersion, len(list))
		for i, b := range list {
			out[i] = &proto.EmulationUserAgentBrandVersion{Brand: b.Brand, Version: b.Version}
		}
		return out
	}
	return &proto.EmulationUserAgentMetadata{
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

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// rodDriver adapts a rod page to browser.Driver.
type rodDriver struct {
	page    *rod.Page
	router  *rod.HijackRouter
	crashed atomic.Bool
}

func (d *rodDriver) AddInitScript(ctx context.Context, script string) error {
	_, err := d.page.Context(ctx).EvalOnNewDocument(script)
	return err
}

func (d *rodDriver) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return d.page.Context(ctx).SetCookies(params)
}

func (d *rodDriver) Intercept(_ context.Context, allow func(browser.Request) bool) error {
	router := d.page.HijackRequests()
	// Pattern "*" + empty resourceType = intercept ALL requests.
	err := router.Add("*", "", func(h *rod.Hijack) {
		req := browser.Request{URL: h.Request.URL().String(), ResourceType: string(h.Request.Type())}
		if !allow(req) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return err
	}
	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()
	d.router = router
	return nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (d *rodDriver) Eval(ctx context.Context, fn string, arg any, out any) error {
	res, err := d.page.Context(ctx).Evaluate(rod.Eval(fn, arg).ByPromise())
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (d *rodDriver) HTML(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *rodDriver) FindText(ctx context.Context, text string) (dom.Rect, bool, error) {
	p := d.page.Context(ctx).Sleeper(rod.NotFoundSleeper)
	res, err := p.Search(text)
	if err != nil {
		if browser.IsCrash(err) {
			return dom.Rect{}, false, err
		}
		return dom.Rect{}, false, nil
	}
	defer res.Release()

	shape, err := res.First.Shape()
	if err != nil {
		return dom.Rect{}, false, nil
	}
	box := shape.Box()
	if box == nil {
		return dom.Rect{}, false, nil
	}
	var scroll struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	_ = d.Eval(ctx, `function () { return { x: window.scrollX, y: window.scrollY }; }`, nil, &scroll)
	return dom.Rect{X: box.X + scroll.X, Y: box.Y + scroll.Y, Width: box.Width, Height: box.Height}, true, nil
}

func (d *rodDriver) Screenshot(ctx context.Context, clip dom.Rect) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		},
		CaptureBeyondViewport: true,
	})
}

func (d *rodDriver) Crashed() bool { return d.crashed.Load() }

func (d *rodDriver) close() {
	if d.router != nil {
		_ = d.router.Stop()
	}
	_ = d.page.Close()
}
