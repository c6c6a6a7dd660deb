// Package browser defines the contract every local automation library is
// adapted to, so the capture pipeline is written once.
package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/use-agent/proofshot/dom"
)

// Cookie is a cookie to set before navigation.
type Cookie struct {
	Name   string
	Value  string
	Domain string // leading dot for domain cookies
	Path   string
	Secure bool
}

// Request is an intercepted outgoing request.
type Request struct {
	URL          string
	ResourceType string // Document, Script, Image, XHR, ... as reported by the engine
}

// Driver is one live page owned by one capture attempt. Implementations
// release everything in their own Close, which the adapter defers.
type Driver interface {
	// AddInitScript registers script to run in every document before any
	// page script.
	AddInitScript(ctx context.Context, script string) error

	// SetCookies stores cookies in the page's browser context.
	SetCookies(ctx context.Context, cookies []Cookie) error

	// Intercept routes every request through allow; false aborts it.
	Intercept(ctx context.Context, allow func(Request) bool) error

	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// Eval calls the JS function expression fn with the JSON-encoded arg
	// and decodes its (possibly promised) return value into out. out may
	// be nil.
	Eval(ctx context.Context, fn string, arg any, out any) error

	// HTML returns the current serialized document.
	HTML(ctx context.Context) (string, error)

	// FindText uses the engine's own text search to find text and returns
	// its box in page coordinates.
	FindText(ctx context.Context, text string) (dom.Rect, bool, error)

	// Screenshot captures clip (page coordinates) as PNG.
	Screenshot(ctx context.Context, clip dom.Rect) ([]byte, error)

	// Crashed reports whether the browser or its renderer died.
	Crashed() bool
}

// ErrCrashed is returned by drivers whose browser process went away.
var ErrCrashed = errors.New("browser: target crashed")

var crashMarkers = []string{
	"target crashed",
	"target closed",
	"session closed",
	"browser has been closed",
	"browser closed",
	"websocket: close",
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"page has been closed",
	"target page, context or browser has been closed",
}

// IsCrash reports whether err looks like the browser process or renderer
// died rather than an ordinary page error.
func IsCrash(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCrashed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range crashMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
