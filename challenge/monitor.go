package challenge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/proofshot/browser"
)

// State is the monitor's view of the page.
type State int

const (
	Unknown  State = iota // nothing observed yet
	Present               // challenge markers seen
	Resolved              // no challenge, or it cleared
	TimedOut              // markers still present at the deadline
)

func (s State) String() string {
	switch s {
	case Present:
		return "present"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Source yields the page's current HTML.
type Source interface {
	HTML(ctx context.Context) (string, error)
}

// Assist is the result object a cooperating browser extension publishes
// on the page once it has finished.
type Assist struct {
	Done            bool   `json:"done"`
	ChallengeSolved bool   `json:"challengeSolved"`
	HTML            string `json:"html,omitempty"`
}

// AssistFunc reads the extension's result; ok is false while it has not
// published anything.
type AssistFunc func(ctx context.Context) (a Assist, ok bool, err error)

// Outcome is what Watch observed.
type Outcome struct {
	State    State
	Provider string
	Polls    int
	Elapsed  time.Duration
	Assist   *Assist // set when the extension signalled completion
}

// Monitor polls a page at a fixed interval until a challenge resolves or
// the timeout passes.
type Monitor struct {
	Interval        time.Duration
	Timeout         time.Duration
	MinContentChars int // content required to accept a cleared challenge
	Logger          *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor returns a Monitor with the given budget.
func NewMonitor(interval, timeout time.Duration, minContent int) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Monitor{
		Interval:        interval,
		Timeout:         timeout,
		MinContentChars: minContent,
		Logger:          slog.Default(),
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// Watch runs the state machine Unknown → {Present, Resolved} and
// Present → {Resolved, TimedOut}. A page that never shows markers resolves
// on the first poll. A page that showed markers resolves once they are gone
// and the body has at least MinContentChars of text, or once assist reports
// a solved challenge. TimedOut is returned as an Outcome, not an error;
// errors are reserved for context ends and browser crashes.
func (m *Monitor) Watch(ctx context.Context, src Source, assist AssistFunc) (Outcome, error) {
	start := m.now()
	deadline := start.Add(m.Timeout)
	out := Outcome{State: Unknown}

	for {
		out.Polls++
		resolved, err := m.poll(ctx, src, assist, &out)
		if err != nil {
			out.Elapsed = m.now().Sub(start)
			return out, err
		}
		if resolved {
			out.State = Resolved
			out.Elapsed = m.now().Sub(start)
			if out.Polls > 1 {
				m.Logger.Debug("challenge resolved", "provider", out.Provider, "polls", out.Polls, "elapsed", out.Elapsed)
			}
			return out, nil
		}

		now := m.now()
		if !now.Before(deadline) {
			out.State = TimedOut
			out.Elapsed = m.Timeout
			m.Logger.Info("challenge timed out", "provider", out.Provider, "polls", out.Polls)
			return out, nil
		}
		wait := m.Interval
		if rest := deadline.Sub(now); rest < wait {
			wait = rest
		}
		if err := m.sleep(ctx, wait); err != nil {
			out.Elapsed = m.now().Sub(start)
			return out, err
		}
	}
}

// poll performs one observation and updates out. It reports whether the
// page counts as resolved.
func (m *Monitor) poll(ctx context.Context, src Source, assist AssistFunc, out *Outcome) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if assist != nil {
		a, ok, err := assist(ctx)
		if err != nil && (browser.IsCrash(err) || ctx.Err() != nil) {
			return false, err
		}
		if ok && a.Done && a.ChallengeSolved {
			out.Assist = &a
			return true, nil
		}
	}

	html, err := src.HTML(ctx)
	if err != nil {
		if browser.IsCrash(err) || ctx.Err() != nil {
			return false, err
		}
		// Mid-navigation reads fail transiently while a challenge redirects.
		return false, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, nil
	}

	if det := DetectDocument(doc); det.Present {
		out.State = Present
		out.Provider = det.Provider
		return false, nil
	}
	if out.State == Unknown {
		return true, nil
	}
	return contentLength(doc) >= m.MinContentChars, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
