package engine

import (
	"context"
	"net/url"

	"github.com/use-agent/proofshot/browser"
	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/models"
)

// Engine is the interface that all capture engines must implement.
type Engine interface {
	// Name returns the engine identifier (e.g. "rod", "chromedp", "screenshotapi").
	Name() string

	// Capture loads the target and screenshots the region around its text.
	// Every browser resource is created and released inside the call.
	// Failures are *models.CaptureError values carrying a Kind.
	Capture(ctx context.Context, target Target, fp fingerprint.Profile) (*models.CaptureResult, error)
}

// Target contains everything an engine needs for one attempt.
type Target struct {
	URL   string
	Text  string
	Proxy string // proxy URL for this attempt; empty for a direct connection
}

// proxyParts splits a proxy URL into the server the browser dials and the
// credentials it must answer auth challenges with.
func proxyParts(proxy string) (server, user, pass string) {
	if proxy == "" {
		return "", "", ""
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return proxy, "", ""
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + u.Host, user, pass
}

// requestHeaders returns the extra request headers for an attempt: the
// fingerprint's client hints plus a search-engine Referer. User-Agent is
// left to the engine's own override.
func requestHeaders(fp fingerprint.Profile, targetURL string) map[string]string {
	h := fp.Headers()
	delete(h, "User-Agent")
	if u, err := url.Parse(targetURL); err == nil && u.Hostname() != "" {
		h["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
	}
	return h
}

// findTextScript uses the browser's own find-in-page and reports the first
// hit in page coordinates.
const findTextScript = `function (text) {
  const sel = window.getSelection();
  if (!sel || typeof window.find !== 'function') return { found: false };
  sel.removeAllRanges();
  let found = false;
  try { found = window.find(text, false, false, true, false, true, false); } catch (e) {}
  if (!found || sel.rangeCount === 0) return { found: false };
  const r = sel.getRangeAt(0).getBoundingClientRect();
  sel.removeAllRanges();
  return {
    found: r.width > 0 && r.height > 0,
    x: r.left + window.scrollX, y: r.top + window.scrollY,
    width: r.width, height: r.height,
  };
}`

type findTextHit struct {
	Found bool `json:"found"`
	dom.Rect
}

// findTextByScript implements browser.Driver.FindText for engines without a
// native DOM search.
func findTextByScript(ctx context.Context, drv browser.Driver, text string) (dom.Rect, bool, error) {
	var hit findTextHit
	if err := drv.Eval(ctx, findTextScript, text, &hit); err != nil {
		if browser.IsCrash(err) {
			return dom.Rect{}, false, err
		}
		return dom.Rect{}, false, nil
	}
	return hit.Rect, hit.Found, nil
}
