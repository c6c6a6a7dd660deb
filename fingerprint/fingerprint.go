// Package fingerprint draws browser fingerprints that look like one ordinary
// desktop Chrome user: every value is random, but the values agree with each
// other (OS token, platform, client hints, locale and timezone).
package fingerprint

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Viewport is the browser window's layout size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Profile is one drawn fingerprint. It is immutable once drawn and is used
// for exactly one engine attempt.
type Profile struct {
	UserAgent           string   `json:"userAgent"`
	ChromeMajor         int      `json:"chromeMajor"`
	OS                  string   `json:"os"`       // Sec-CH-UA-Platform value
	Platform            string   `json:"platform"` // navigator.platform
	Viewport            Viewport `json:"viewport"`
	Locale              string   `json:"locale"`
	Languages           []string `json:"languages"`
	Timezone            string   `json:"timezone"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	PlatformVersion     string   `json:"platformVersion"`
}

type persona struct {
	os              string
	platform        string
	uaToken         string
	platformVersion string // Sec-CH-UA-Platform-Version
}

var personas = []persona{
	{os: "Windows", platform: "Win32", uaToken: "Windows NT 10.0; Win64; x64", platformVersion: "10.0.0"},
	{os: "macOS", platform: "MacIntel", uaToken: "Macintosh; Intel Mac OS X 10_15_7", platformVersion: "14.6.1"},
	{os: "Linux", platform: "Linux x86_64", uaToken: "X11; Linux x86_64", platformVersion: "6.8.0"},
}

var chromeMajors = []int{128, 129, 130, 131}

// chromeBuilds are stable full versions for each major in chromeMajors.
var chromeBuilds = map[int]string{
	128: "128.0.6613.137",
	129: "129.0.6668.100",
	130: "130.0.6723.116",
	131: "131.0.6778.85",
}

var viewports = []Viewport{
	{1920, 1080}, {1536, 864}, {1440, 900}, {1366, 768}, {1600, 900}, {1280, 800},
}

type localeZone struct {
	locale   string
	timezone string
}

// Locale and timezone are drawn together so Accept-Language and
// Intl.DateTimeFormat never disagree about the region.
var localeZones = []localeZone{
	{"en-US", "America/New_York"},
	{"en-US", "America/Chicago"},
	{"en-US", "America/Los_Angeles"},
	{"en-GB", "Europe/London"},
	{"en-CA", "America/Toronto"},
	{"en-AU", "Australia/Sydney"},
	{"de-DE", "Europe/Berlin"},
	{"fr-FR", "Europe/Paris"},
	{"nl-NL", "Europe/Amsterdam"},
}

// Chrome rounds navigator.deviceMemory down and caps it at 8.
var deviceMemory = []int{4, 8}

var cpuCounts = []int{4, 8, 12, 16}

// Provider draws profiles. It is safe for concurrent use.
type Provider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider returns a Provider seeded from the clock.
func NewProvider() *Provider {
	now := uint64(time.Now().UnixNano())
	return NewSeededProvider(now, now>>17)
}

// NewSeededProvider returns a deterministic Provider, for tests.
func NewSeededProvider(seed1, seed2 uint64) *Provider {
	return &Provider{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Draw returns a new, internally consistent profile.
func (p *Provider) Draw() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := personas[p.rng.IntN(len(personas))]
	major := chromeMajors[p.rng.IntN(len(chromeMajors))]
	lz := localeZones[p.rng.IntN(len(localeZones))]
	vp := viewports[p.rng.IntN(len(viewports))]
	if per.os == "macOS" && vp.Width == 1366 {
		vp = Viewport{1440, 900}
	}

	langs := []string{lz.locale}
	if base, _, ok := strings.Cut(lz.locale, "-"); ok {
		langs = append(langs, base)
	}
	if !strings.HasPrefix(lz.locale, "en") {
		langs = append(langs, "en-US", "en")
	}

	return Profile{
		UserAgent: fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
			per.uaToken, major),
		ChromeMajor:         major,
		OS:                  per.os,
		Platform:            per.platform,
		Viewport:            vp,
		Locale:              lz.locale,
		Languages:           langs,
		Timezone:            lz.timezone,
		HardwareConcurrency: cpuCounts[p.rng.IntN(len(cpuCounts))],
		DeviceMemory:        deviceMemory[p.rng.IntN(len(deviceMemory))],
		PlatformVersion:     per.platformVersion,
	}
}

// AcceptLanguage renders Languages as an Accept-Language header value with
// descending q-weights.
func (pr Profile) AcceptLanguage() string {
	parts := make([]string, 0, len(pr.Languages))
	for i, l := range pr.Languages {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.5 {
			q = 0.5
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// Brand is one entry of a client-hints brand list.
type Brand struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// UAMetadata is the client-hints identity behind navigator.userAgentData
// and the Sec-CH-UA-* headers. Field names follow the DevTools protocol.
type UAMetadata struct {
	Brands          []Brand `json:"brands"`
	FullVersionList []Brand `json:"fullVersionList"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platformVersion"`
	Architecture    string  `json:"architecture"`
	Model           string  `json:"model"`
	Mobile          bool    `json:"mobile"`
	Bitness         string  `json:"bitness"`
}

// FullVersion returns the full Chrome version for the profile's major.
func (pr Profile) FullVersion() string {
	if v, ok := chromeBuilds[pr.ChromeMajor]; ok {
		return v
	}
	return fmt.Sprintf("%d.0.0.0", pr.ChromeMajor)
}

// Brands returns the low-entropy brand list, in Sec-CH-UA order.
func (pr Profile) Brands() []Brand {
	major := fmt.Sprint(pr.ChromeMajor)
	return []Brand{
		{Brand: "Google Chrome", Version: major},
		{Brand: "Chromium", Version: major},
		{Brand: "Not_A Brand", Version: "24"},
	}
}

// UserAgentMetadata returns the client hints matching the profile's
// user agent and platform.
func (pr Profile) UserAgentMetadata() UAMetadata {
	full := pr.FullVersion()
	return UAMetadata{
		Brands: pr.Brands(),
		FullVersionList: []Brand{
			{Brand: "Google Chrome", Version: full},
			{Brand: "Chromium", Version: full},
			{Brand: "Not_A Brand", Version: "24.0.0.0"},
		},
		Platform:        pr.OS,
		PlatformVersion: pr.PlatformVersion,
		Architecture:    "x86",
		Mobile:          false,
		Bitness:         "64",
	}
}

// SecCHUA returns the Sec-CH-UA brand list for the profile's Chrome version.
func (pr Profile) SecCHUA() string {
	parts := make([]string, 0, 3)
	for _, b := range pr.Brands() {
		parts = append(parts, fmt.Sprintf("%q;v=%q", b.Brand, b.Version))
	}
	return strings.Join(parts, ", ")
}

// Headers returns the HTTP headers that must accompany every request made
// with this profile. User-Agent is included for clients that cannot set it
// through an emulation API.
func (pr Profile) Headers() map[string]string {
	return map[string]string{
		"User-Agent":         pr.UserAgent,
		"Accept-Language":    pr.AcceptLanguage(),
		"Sec-CH-UA":          pr.SecCHUA(),
		"Sec-CH-UA-Mobile":   "?0",
		"Sec-CH-UA-Platform": fmt.Sprintf("%q", pr.OS),
	}
}

// InitScript returns a script that aligns navigator properties with the
// profile. It must run before any page script.
func (pr Profile) InitScript() string {
	langs, _ := json.Marshal(pr.Languages)
	return fmt.Sprintf(`(() => {
  const def = (obj, key, val) => {
    try { Object.defineProperty(obj, key, { get: () => val, configurable: true }); } catch (e) {}
  };
  const nav = Object.getPrototypeOf(navigator);
  def(nav, 'platform', %q);
  def(nav, 'hardwareConcurrency', %d);
  def(nav, 'deviceMemory', %d);
  def(nav, 'language', %q);
  def(nav, 'languages', Object.freeze(%s));
})();`, pr.Platform, pr.HardwareConcurrency, pr.DeviceMemory, pr.Locale, langs)
}
