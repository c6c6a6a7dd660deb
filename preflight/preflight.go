// Package preflight runs a cheap static probe of the target URL before the
// browser cascade. The probe speaks TLS with a Chrome ClientHello so that
// edge filters which fingerprint the handshake answer as they would for a
// browser. Its report is diagnostic only and never decides the outcome of a
// capture.
package preflight

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"

	"github.com/use-agent/proofshot/challenge"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/locate"
	"github.com/use-agent/proofshot/models"
)

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// net/http cannot speak h2 over a utls connection.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// Prober fetches the static HTML of a page.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a Prober with a Chrome-like TLS fingerprint.
// timeout bounds each probe; 0 means 10s.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("preflight: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}
	return &Prober{
		timeout: timeout,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// Probe fetches rawURL once with fp's headers and reports what the static
// HTML shows. Errors are recorded in the report, not returned.
func (p *Prober) Probe(ctx context.Context, rawURL, text string, fp fingerprint.Profile) *models.PreflightReport {
	start := time.Now()
	report := &models.PreflightReport{}
	defer func() { report.DurationMilli = time.Since(start).Milliseconds() }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range fp.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()
	report.StatusCode = resp.StatusCode

	// Read body with a 10 MB limit to prevent unbounded memory use.
	const maxBody = 10 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		report.Error = fmt.Sprintf("non-html content-type %q", resp.Header.Get("Content-Type"))
		return report
	}

	page := string(body)
	report.Title = extractTitle(page)
	report.Challenge = challenge.Detect(page).Provider
	report.TextInStatic = containsText(page, text)
	return report
}

// containsText reports whether the body text contains the fragment.
// Both sides are compacted since goquery joins block elements without
// whitespace.
func containsText(page, text string) bool {
	want := locate.Normalize(text)
	if want == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return false
	}
	doc.Find("script, style, noscript, template").Remove()
	body := locate.Compact(locate.Normalize(doc.Find("body").Text()))
	return strings.Contains(body, locate.Compact(want))
}

// isHTMLContentType returns true if the content-type header looks like HTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}
