package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/browser"
)

// fakePage runs init scripts and page scripts in goja and keeps the DOM in
// goquery. Page-side DOM scripts are emulated in Go over the goquery tree.
type fakePage struct {
	vm          *goja.Runtime
	doc         *goquery.Document
	initScripts []string
	cookies     []browser.Cookie
	allow       func(browser.Request) bool
	pruneArgs   []map[string]any
	suppressed  int
	evalErr     error
}

func newFakePage(t *testing.T, html string) *fakePage {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return &fakePage{doc: doc}
}

func (p *fakePage) AddInitScript(_ context.Context, script string) error {
	p.initScripts = append(p.initScripts, script)
	return nil
}

func (p *fakePage) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *fakePage) Intercept(_ context.Context, allow func(browser.Request) bool) error {
	p.allow = allow
	return nil
}

// load starts a fresh JS realm: init scripts first, then the page's own
// scripts, like a real document load.
func (p *fakePage) load(t *testing.T, pageScript string) {
	p.vm = goja.New()
	require.NoError(t, p.vm.Set("window", p.vm.GlobalObject()))
	for _, s := range p.initScripts {
		_, err := p.vm.RunString(s)
		require.NoError(t, err)
	}
	_, err := p.vm.RunString(pageScript)
	require.NoError(t, err)
}

func (p *fakePage) Eval(_ context.Context, fn string, arg any, out any) error {
	if p.evalErr != nil {
		return p.evalErr
	}
	var result any
	switch fn {
	case suppressScript:
		p.suppressed++
		result = true
	case readinessScript:
		main := p.doc.Find("main, article, [role=main]").Length() > 0
		result = map[string]any{"textLength": len(strings.TrimSpace(p.doc.Find("body").Text())), "hasMain": main}
	case pruneScript:
		result = p.prune(arg.(map[string]any))
	case probeScript:
		v, err := p.vm.RunString("(" + fn + ")()")
		if err != nil {
			return err
		}
		prom, ok := v.Export().(*goja.Promise)
		if !ok || prom.State() != goja.PromiseStateFulfilled {
			return errors.New("probe did not resolve")
		}
		result = prom.Result().Export()
	default:
		return fmt.Errorf("unexpected script")
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// prune mirrors the selector and dialog passes of pruneScript.
func (p *fakePage) prune(arg map[string]any) int {
	p.pruneArgs = append(p.pruneArgs, arg)
	target := strings.ToLower(arg["target"].(string))
	keeps := func(s *goquery.Selection) bool {
		return target != "" && strings.Contains(strings.ToLower(s.Text()), target)
	}
	removed := 0
	for _, sel := range arg["selectors"].([]string) {
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if !keeps(s) {
				s.Remove()
				removed++
			}
		})
	}
	p.doc.Find(`[role=dialog], [aria-modal=true]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.ToLower(s.Text())
		for _, w := range arg["words"].([]string) {
			if strings.Contains(text, w) && !keeps(s) {
				s.Remove()
				removed++
				return
			}
		}
	})
	return removed
}

type probeResult struct {
	API     bool   `json:"api"`
	Granted bool   `json:"granted"`
	Status  string `json:"status"`
}

const scenarioHTML = `<html><body>
<div id="onetrust-consent-sdk"><div id="onetrust-banner-sdk">We value your privacy. <button>Accept all</button></div></div>
<main><section><p>Trusted partner for digital transformation</p></section></main>
</body></html>`

// pageCMP is what the site ships: a TCF stub that has not collected consent
// and a OneTrust object that wants to show its banner.
const pageCMP = `
window.__tcfapi = function (cmd, version, cb) {
  cb({ cmpStatus: 'loading', purpose: { consents: {} }, vendor: { consents: {} } }, true);
};
window.OneTrust = { IsAlertBoxClosed: function () { return false; } };
`

func TestConsentScenario(t *testing.T) {
	ctx := context.Background()

	// Without the layer the page reports no consent and keeps its banner.
	bare := newFakePage(t, scenarioHTML)
	bare.load(t, pageCMP)
	var before probeResult
	require.NoError(t, bare.Eval(ctx, probeScript, nil, &before))
	assert.True(t, before.API)
	assert.False(t, before.Granted)
	assert.Equal(t, 1, bare.doc.Find("#onetrust-banner-sdk").Length())

	// With the layer.
	page := newFakePage(t, scenarioHTML)
	layer := NewLayer(Config{ReadyInterval: time.Millisecond, ReadyTimeout: 50 * time.Millisecond, ReadyMinChars: 10}, nil)
	require.NoError(t, layer.Prepare(ctx, page, "https://www.example.com/about"))
	page.load(t, pageCMP)

	var after probeResult
	require.NoError(t, page.Eval(ctx, probeScript, nil, &after))
	assert.True(t, after.Granted)
	assert.Equal(t, "loaded", after.Status)

	closed, err := page.vm.RunString(`window.OneTrust.IsAlertBoxClosed()`)
	require.NoError(t, err)
	assert.True(t, closed.ToBoolean(), "late-assigned vendor object is patched")

	require.NoError(t, layer.Settle(ctx, page, "Trusted partner for digital transformation"))
	assert.Equal(t, 0, page.doc.Find("#onetrust-banner-sdk").Length())
	assert.Equal(t, 0, page.doc.Find("#onetrust-consent-sdk").Length())
	assert.Equal(t, 1, page.doc.Find("main p").Length())

	stats := layer.Stats()
	assert.Positive(t, stats.OverlaysRemoved)
	assert.True(t, stats.ReadinessAchieved)
	assert.True(t, layer.Pruned())
	assert.Equal(t, 1, page.suppressed)
}

func TestPruneKeepsTargetText(t *testing.T) {
	page := newFakePage(t, `<html><body>
<div class="cookie-banner">Cookies! Trusted partner for digital transformation</div>
<div class="cc-window">Accept cookies</div>
</body></html>`)
	layer := NewLayer(Config{}, nil)

	n, err := layer.Prune(context.Background(), page, "Trusted partner for digital transformation")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, page.doc.Find(".cookie-banner").Length())
	assert.Equal(t, 0, page.doc.Find(".cc-window").Length())

	// Second pass is a no-op.
	n, err = layer.Prune(context.Background(), page, "Trusted partner for digital transformation")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, layer.Stats().OverlaysRemoved)
}

func TestPruneToleratesScriptErrorsButNotCrashes(t *testing.T) {
	page := newFakePage(t, `<html><body></body></html>`)
	layer := NewLayer(Config{}, nil)

	page.evalErr = errors.New("ReferenceError: x is not defined")
	_, err := layer.Prune(context.Background(), page, "x")
	assert.NoError(t, err)
	assert.False(t, layer.Pruned())

	page.evalErr = browser.ErrCrashed
	_, err = layer.Prune(context.Background(), page, "x")
	assert.ErrorIs(t, err, browser.ErrCrashed)
}

func TestReadinessTimesOutWithoutError(t *testing.T) {
	page := newFakePage(t, `<html><body><div>tiny</div></body></html>`)
	layer := NewLayer(Config{ReadyInterval: time.Millisecond, ReadyTimeout: 20 * time.Millisecond, ReadyMinChars: 500}, nil)

	start := time.Now()
	ok, err := layer.WaitReady(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, layer.Stats().ReadinessAchieved)
}

func TestAllowCountsAndBlocks(t *testing.T) {
	layer := NewLayer(Config{}, nil)

	assert.True(t, layer.Allow(browser.Request{URL: "https://cdn.cookielaw.org/scripttemplates/otSDKStub.js"}))
	assert.True(t, layer.Allow(browser.Request{URL: "https://consent.cookiebot.com/uc.js"}))
	assert.True(t, layer.Allow(browser.Request{URL: "https://www.googletagmanager.com/gtm.js?id=GTM-X"}))
	assert.True(t, layer.Allow(browser.Request{URL: "https://www.example.com/app.js"}))
	assert.False(t, layer.Allow(browser.Request{URL: "https://static.hotjar.com/c/hotjar-1.js"}))
	assert.False(t, layer.Allow(browser.Request{URL: "https://securepubads.g.doubleclick.net/tag/js/gpt.js"}))
	assert.False(t, layer.Allow(browser.Request{URL: "https://connect.facebook.net/en_US/fbevents.js"}))

	stats := layer.Stats()
	assert.Equal(t, 2, stats.ScriptsAllowed)
	assert.Equal(t, 3, stats.TrackersBlocked)
}

func TestCookiesScopedToRegistrableDomain(t *testing.T) {
	layer := NewLayer(Config{}, nil)
	layer.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	cookies := layer.Cookies("https://shop.example.co.uk/p/1")
	require.NotEmpty(t, cookies)
	names := map[string]string{}
	for _, c := range cookies {
		assert.Equal(t, ".example.co.uk", c.Domain)
		assert.True(t, c.Secure)
		names[c.Name] = c.Value
	}
	assert.Equal(t, "2026-03-01T12:00:00.000Z", names["OptanonAlertBoxClosed"])
	assert.Contains(t, names["OptanonConsent"], "groups=C0001%3A1")
	assert.Contains(t, names["CookieConsent"], "marketing:true")
	assert.Equal(t, tcString, names["euconsent-v2"])
	assert.Contains(t, names, "didomi_token")
	assert.Contains(t, names, "notice_gdpr_prefs")

	local := layer.Cookies("http://127.0.0.1:8080/")
	require.NotEmpty(t, local)
	assert.Equal(t, "127.0.0.1", local[0].Domain)
	assert.False(t, local[0].Secure)
}

func TestInitScriptIsIdempotentAndSeedsStorage(t *testing.T) {
	layer := NewLayer(Config{}, nil)
	vm := goja.New()
	require.NoError(t, vm.Set("window", vm.GlobalObject()))
	_, err := vm.RunString(`
		var store = {};
		window.localStorage = {
			getItem: function (k) { return Object.prototype.hasOwnProperty.call(store, k) ? store[k] : null; },
			setItem: function (k, v) { store[k] = String(v); },
		};
		store['uc_user_interaction'] = 'false';
	`)
	require.NoError(t, err)

	script := layer.InitScript()
	_, err = vm.RunString(script)
	require.NoError(t, err)
	_, err = vm.RunString(script)
	require.NoError(t, err, "running twice must not throw")

	v, err := vm.RunString(`[store['uc_user_interaction'], typeof store['didomi_token'], typeof window.__gpp, window.UC_UI_SUPPRESS_CMP_DISPLAY].join('|')`)
	require.NoError(t, err)
	assert.Equal(t, "false|string|function|true", v.String())

	// The pinned API survives a page overwrite.
	_, err = vm.RunString(`window.__gpp = null;`)
	require.NoError(t, err)
	v, err = vm.RunString(`(function(){ var r; __gpp('ping', function (d) { r = d.signalStatus; }); return r; })()`)
	require.NoError(t, err)
	assert.Equal(t, "ready", v.String())
}

func TestVendorSetIsComplete(t *testing.T) {
	names := []string{}
	for _, v := range Vendors() {
		names = append(names, v.Name)
		assert.NotEmpty(t, v.Script, v.Name)
	}
	assert.Equal(t, []string{"tcf", "gpp", "onetrust", "cookiebot", "didomi", "usercentrics", "trustarc", "sourcepoint"}, names)
}
