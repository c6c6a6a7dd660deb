package consent

import (
	"net/url"
	"strings"
)

// trackerDomains is the fixed denylist of non-essential third parties:
// ad networks, session replay and social pixels. Tag managers, CMPs and
// A/B testing snippets are never listed.
var trackerDomains = map[string]struct{}{
	// ad networks
	"doubleclick.net":       {},
	"googlesyndication.com": {},
	"googleadservices.com":  {},
	"googletagservices.com": {},
	"adnxs.com":             {},
	"adsrvr.org":            {},
	"amazon-adsystem.com":   {},
	"criteo.com":            {},
	"criteo.net":            {},
	"outbrain.com":          {},
	"taboola.com":           {},
	"moatads.com":           {},
	"pubmatic.com":          {},
	"rubiconproject.com":    {},
	"scorecardresearch.com": {},
	"quantserve.com":        {},
	"zedo.com":              {},
	"media.net":             {},
	"contextweb.com":        {},
	"bidswitch.net":         {},
	"openx.net":             {},
	"casalemedia.com":       {},
	"demdex.net":            {},
	"krxd.net":              {},
	"bluekai.com":           {},
	"exelator.com":          {},
	"mathtag.com":           {},
	"serving-sys.com":       {},
	"eyeota.net":            {},
	"agkn.com":              {},
	"rlcdn.com":             {},
	"adform.net":            {},
	"smartadserver.com":     {},
	"yieldmo.com":           {},
	"teads.tv":              {},

	// session replay and behavioral analytics
	"hotjar.com":        {},
	"hotjar.io":         {},
	"fullstory.com":     {},
	"clarity.ms":        {},
	"mouseflow.com":     {},
	"smartlook.com":     {},
	"logrocket.io":      {},
	"lr-ingest.io":      {},
	"crazyegg.com":      {},
	"luckyorange.com":   {},
	"inspectlet.com":    {},
	"quantummetric.com": {},

	// social pixels and share widgets
	"connect.facebook.net":   {},
	"analytics.twitter.com":  {},
	"ads-twitter.com":        {},
	"static.ads-twitter.com": {},
	"px.ads.linkedin.com":    {},
	"snap.licdn.com":         {},
	"analytics.tiktok.com":   {},
	"ct.pinterest.com":       {},
	"sc-static.net":          {},
	"bat.bing.com":           {},
	"sharethis.com":          {},
	"addthis.com":            {},
}

// isTrackerHost checks if host (or any parent domain) is on the denylist.
func isTrackerHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if _, ok := trackerDomains[host]; ok {
		return true
	}
	// Parent domains, e.g. "pagead2.googlesyndication.com" → "googlesyndication.com".
	for {
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			return false
		}
		host = host[idx+1:]
		if _, ok := trackerDomains[host]; ok {
			return true
		}
	}
}

// Verdict is the filter's decision for one request.
type Verdict int

const (
	Allow      Verdict = iota // ordinary request
	AllowCMP                  // CMP script or API call, always allowed
	BlockTrack                // denylisted tracker
)

// classify decides a request URL. CMP hosts win over the denylist.
func classify(vendors []Vendor, rawURL string) Verdict {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return Allow
	}
	host := u.Hostname()
	if cmpHost(vendors, host) {
		return AllowCMP
	}
	if isTrackerHost(host) {
		return BlockTrack
	}
	return Allow
}
