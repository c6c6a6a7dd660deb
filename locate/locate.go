// Package locate finds the element of a page snapshot that carries a target
// text fragment. Strategies run in a fixed order and the first hit wins; the
// last strategy falls back to the page's main content so a usable element is
// returned whenever the page rendered at all.
package locate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/use-agent/proofshot/dom"
	"github.com/use-agent/proofshot/models"
)

// Strategy names the locator pass that produced a match.
type Strategy string

const (
	StrategyContainment Strategy = "containment"
	StrategyCompact     Strategy = "compact"
	StrategyTextSearch  Strategy = "text-search"
	StrategyPrefix      Strategy = "prefix"
	StrategyKeyword     Strategy = "keyword"
	StrategyMainContent Strategy = "main-content"
)

// TextFinder is the engine's own text search. It returns the page-coordinate
// box of the first rendered occurrence of text.
type TextFinder interface {
	FindText(ctx context.Context, text string) (dom.Rect, bool, error)
}

// Match is the located element.
type Match struct {
	Index       int      // node index in the snapshot
	Strategy    Strategy // pass that found it
	Query       string   // normalized text that matched (empty for main-content)
	Description string   // short selector path, for diagnostics
}

// Options tunes the fallback passes.
type Options struct {
	MinPrefixWords int // default 3
	MinPrefixChars int // default 15
	MinKeywordLen  int // default 6
	MaxKeywords    int // default 8
}

func (o Options) withDefaults() Options {
	if o.MinPrefixWords <= 0 {
		o.MinPrefixWords = 3
	}
	if o.MinPrefixChars <= 0 {
		o.MinPrefixChars = 15
	}
	if o.MinKeywordLen <= 0 {
		o.MinKeywordLen = 6
	}
	if o.MaxKeywords <= 0 {
		o.MaxKeywords = 8
	}
	return o
}

// Locator runs the strategy cascade. Finder may be nil.
type Locator struct {
	Finder TextFinder
	Opts   Options
	Logger *slog.Logger
}

// New returns a Locator using finder for the engine text-search pass.
func New(finder TextFinder, opts Options) *Locator {
	return &Locator{Finder: finder, Opts: opts.withDefaults(), Logger: slog.Default()}
}

// index caches per-node normalized text for one Locate call.
type index struct {
	snap    *dom.Snapshot
	norm    []string
	compact []string
}

func newIndex(snap *dom.Snapshot) *index {
	ix := &index{snap: snap, norm: make([]string, len(snap.Nodes)), compact: make([]string, len(snap.Nodes))}
	for i := range snap.Nodes {
		ix.norm[i] = Normalize(snap.Nodes[i].Text)
		ix.compact[i] = Compact(ix.norm[i])
	}
	return ix
}

// Locate returns the element for target. It fails with ELEMENT_NOT_FOUND
// only when the snapshot has no usable body.
func (l *Locator) Locate(ctx context.Context, snap *dom.Snapshot, target string) (Match, error) {
	opts := l.Opts.withDefaults()
	q := Normalize(target)
	ix := newIndex(snap)

	match := func(i int, s Strategy, query string) (Match, error) {
		m := Match{Index: i, Strategy: s, Query: query, Description: snap.Path(i)}
		if l.Logger != nil {
			l.Logger.Debug("locator matched", "strategy", s, "selector", m.Description)
		}
		return m, nil
	}

	if q != "" {
		// ── 1. Smallest element containing the normalized target ──
		if i := ix.smallest(q, false); i >= 0 {
			return match(i, StrategyContainment, q)
		}

		// ── 2. Text split across inline nodes ──
		if i := ix.smallest(Compact(q), true); i >= 0 {
			return match(i, StrategyCompact, q)
		}

		// ── 3. Engine text search ──
		if l.Finder != nil && ctx.Err() == nil {
			rect, ok, err := l.Finder.FindText(ctx, target)
			if err != nil && l.Logger != nil {
				l.Logger.Debug("engine text search failed", "error", err)
			}
			if ok {
				if i := ix.smallestContaining(rect); i >= 0 {
					return match(i, StrategyTextSearch, q)
				}
			}
		}

		// ── 4. Shorter prefixes ──
		for _, p := range prefixes(q, opts.MinPrefixWords, opts.MinPrefixChars) {
			if i := ix.smallest(p, false); i >= 0 {
				return match(i, StrategyPrefix, p)
			}
			if i := ix.smallest(Compact(p), true); i >= 0 {
				return match(i, StrategyPrefix, p)
			}
		}

		// ── 5. Salient keyword fragments ──
		for _, k := range keywords(q, opts.MinKeywordLen, opts.MaxKeywords) {
			if i := ix.smallest(k, false); i >= 0 {
				return match(i, StrategyKeyword, k)
			}
		}
	}

	// ── 6. Main content container, then body ──
	if i := ix.mainContent(); i >= 0 {
		return match(i, StrategyMainContent, "")
	}
	return Match{}, models.NewCaptureError(models.KindNotFound,
		fmt.Sprintf("target text %q not found and page has no usable body", truncate(target, 80)), nil)
}

// matchRank orders equal-area candidates: exact, then prefix or suffix, then
// plain containment.
func matchRank(text, q string) int {
	switch {
	case text == q:
		return 0
	case strings.HasPrefix(text, q), strings.HasSuffix(text, q):
		return 1
	default:
		return 2
	}
}

// smallest returns the visible node with the smallest area whose text
// contains q, or -1. Equal areas are broken by match rank, then by depth.
func (ix *index) smallest(q string, compact bool) int {
	if q == "" {
		return -1
	}
	texts := ix.norm
	if compact {
		texts = ix.compact
	}
	best, bestArea, bestRank, bestDepth := -1, math.Inf(1), 3, -1
	for i := range ix.snap.Nodes {
		n := &ix.snap.Nodes[i]
		area := n.Rect.Area()
		if area == 0 || !strings.Contains(texts[i], q) {
			continue
		}
		rank := matchRank(texts[i], q)
		switch {
		case area < bestArea-0.5:
		case math.Abs(area-bestArea) <= 0.5 && (rank < bestRank || (rank == bestRank && n.Depth > bestDepth)):
		default:
			continue
		}
		best, bestArea, bestRank, bestDepth = i, area, rank, n.Depth
	}
	return best
}

// smallestContaining returns the smallest visible node with text whose box
// contains r.
func (ix *index) smallestContaining(r dom.Rect) int {
	best, bestArea := -1, math.Inf(1)
	for i := range ix.snap.Nodes {
		n := &ix.snap.Nodes[i]
		area := n.Rect.Area()
		if area == 0 || ix.norm[i] == "" || !n.Rect.Contains(r) {
			continue
		}
		if area < bestArea {
			best, bestArea = i, area
		}
	}
	return best
}

// mainContent returns the largest visible main/article/[role=main] element
// with text, falling back to the body element.
func (ix *index) mainContent() int {
	best, bestArea := -1, 0.0
	for i := range ix.snap.Nodes {
		n := &ix.snap.Nodes[i]
		if n.Tag != "main" && n.Tag != "article" && n.Role != "main" {
			continue
		}
		if a := n.Rect.Area(); a > bestArea && ix.norm[i] != "" {
			best, bestArea = i, a
		}
	}
	if best >= 0 {
		return best
	}
	for i := range ix.snap.Nodes {
		n := &ix.snap.Nodes[i]
		if n.Tag == "body" && !n.Frame && n.Rect.Area() > 0 {
			return i
		}
	}
	return -1
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
