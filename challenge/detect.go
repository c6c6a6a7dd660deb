// Package challenge recognizes bot-protection interstitials and waits,
// within a fixed budget, for them to clear.
package challenge

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Detection is the result of inspecting one HTML document.
type Detection struct {
	Present  bool
	Provider string // e.g. "cloudflare"; empty when not present
	Marker   string // the marker that matched
}

type marker struct {
	provider string
	selector string // DOM marker; empty for text markers
	text     string // lowercased title/body substring
	title    bool   // match text against <title> only
	sel      cascadia.Sel
}

// markers are checked in order; the first hit wins.
var markers = []marker{
	// Cloudflare
	{provider: "cloudflare", selector: "#challenge-running"},
	{provider: "cloudflare", selector: "#challenge-stage"},
	{provider: "cloudflare", selector: "#challenge-form"},
	{provider: "cloudflare", selector: "#cf-challenge-running"},
	{provider: "cloudflare", selector: ".cf-browser-verification"},
	{provider: "cloudflare", selector: "#cf-please-wait"},
	{provider: "cloudflare", selector: "#turnstile-wrapper"},
	{provider: "cloudflare", selector: "script[src*='/cdn-cgi/challenge-platform/']"},
	{provider: "cloudflare", text: "just a moment", title: true},
	{provider: "cloudflare", text: "attention required! | cloudflare", title: true},
	{provider: "cloudflare", text: "checking if the site connection is secure"},

	// DDoS-Guard
	{provider: "ddos-guard", text: "ddos-guard", title: true},
	{provider: "ddos-guard", selector: "#ddg-captcha"},

	// Akamai
	{provider: "akamai", selector: "#sec-if-cpt-container"},
	{provider: "akamai", selector: "#sec-cpt-if"},

	// PerimeterX / HUMAN
	{provider: "perimeterx", selector: "#px-captcha"},
	{provider: "perimeterx", text: "press & hold to confirm you are"},

	// DataDome
	{provider: "datadome", selector: "iframe[src*='captcha-delivery.com']"},
	{provider: "datadome", selector: "script[src*='ct.captcha-delivery.com']"},

	// Imperva / Incapsula
	{provider: "imperva", selector: "iframe[src*='_Incapsula_Resource']"},
	{provider: "imperva", text: "incapsula incident id"},

	// Sucuri
	{provider: "sucuri", text: "sucuri website firewall", title: true},
	{provider: "sucuri", selector: "#sucuri-cloudproxy"},

	// Generic
	{provider: "generic", text: "checking your browser", title: true},
	{provider: "generic", text: "checking your browser before accessing"},
	{provider: "generic", text: "verify you are human"},
	{provider: "generic", text: "please enable javascript and cookies to continue"},
	{provider: "generic", selector: "iframe[src*='hcaptcha.com/captcha']"},
	{provider: "generic", selector: "iframe[title='reCAPTCHA'][src*='bframe']"},
}

func init() {
	for i := range markers {
		if markers[i].selector == "" {
			continue
		}
		sel, err := cascadia.Parse(markers[i].selector)
		if err != nil {
			panic(fmt.Sprintf("challenge: bad marker selector %q: %v", markers[i].selector, err))
		}
		markers[i].sel = sel
	}
}

// Detect inspects html for challenge markers.
func Detect(html string) Detection {
	if strings.TrimSpace(html) == "" {
		return Detection{}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Detection{}
	}
	return DetectDocument(doc)
}

// DetectDocument is Detect over an already parsed document.
func DetectDocument(doc *goquery.Document) Detection {
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	var body string // parsed lazily; most pages never need it
	root := doc.Nodes[0]

	for _, m := range markers {
		switch {
		case m.selector != "":
			if len(cascadia.QueryAll(root, m.sel)) > 0 {
				return Detection{Present: true, Provider: m.provider, Marker: m.selector}
			}
		case m.title:
			if strings.Contains(title, m.text) {
				return Detection{Present: true, Provider: m.provider, Marker: m.text}
			}
		default:
			if body == "" {
				body = strings.ToLower(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
			}
			if strings.Contains(body, m.text) {
				return Detection{Present: true, Provider: m.provider, Marker: m.text}
			}
		}
	}
	return Detection{}
}

// ContentLength returns the length of the document's visible body text,
// whitespace collapsed, ignoring script and style contents.
func ContentLength(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	return contentLength(doc)
}

func contentLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}
