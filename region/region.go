// Package region picks the screenshot rectangle around a located element:
// the best enclosing "context" container, padded and clamped to the
// viewport and the configured crop size limits.
package region

import (
	"math"
	"strings"

	"github.com/use-agent/proofshot/dom"
)

// Config holds the crop limits. Zero values fall back to defaults.
type Config struct {
	Padding   float64
	MinWidth  float64
	MinHeight float64
	MaxWidth  float64 // also the largest acceptable context container
	MaxHeight float64
	MaxDepth  int     // ancestors inspected above the element
	GridTol   float64 // relative size tolerance for grid siblings
	GridMin   int     // similar siblings that make a grid
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Padding:   20,
		MinWidth:  400,
		MinHeight: 200,
		MaxWidth:  1280,
		MaxHeight: 800,
		MaxDepth:  6,
		GridTol:   0.15,
		GridMin:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Padding < 0 {
		c.Padding = 0
	}
	if c.MinWidth <= 0 {
		c.MinWidth = d.MinWidth
	}
	if c.MinHeight <= 0 {
		c.MinHeight = d.MinHeight
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = d.MaxWidth
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = d.MaxHeight
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.GridTol <= 0 {
		c.GridTol = d.GridTol
	}
	if c.GridMin <= 1 {
		c.GridMin = d.GridMin
	}
	return c
}

// Calculator computes capture regions.
type Calculator struct {
	cfg Config
}

// New returns a Calculator for cfg.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg.withDefaults()}
}

// Result is a computed region and the node it was built around.
type Result struct {
	Rect    dom.Rect
	Context int // snapshot index of the chosen context container
}

// Compute returns the capture rectangle for node idx. The rectangle lies
// inside vp and is at least MinWidth x MinHeight, with the minimums capped
// to the viewport size.
func (c *Calculator) Compute(snap *dom.Snapshot, idx int, vp dom.Viewport) Result {
	ctx := c.chooseContext(snap, idx)
	elem := snap.Nodes[idx].Rect
	box := snap.Nodes[ctx].Rect.Pad(c.cfg.Padding)
	return Result{Rect: c.clamp(box, elem, vp), Context: ctx}
}

// chooseContext walks up from idx and returns the best scoring candidate.
// The walk stops at the first oversize ancestor, the first card-grid
// ancestor, or the document body.
func (c *Calculator) chooseContext(snap *dom.Snapshot, idx int) int {
	elem := snap.Nodes[idx].Rect
	elemArea := math.Max(elem.Area(), 1)

	best := idx
	bestScore := hintScore(&snap.Nodes[idx]) + 1

	for _, a := range snap.Ancestors(idx, c.cfg.MaxDepth) {
		n := &snap.Nodes[a]
		if n.Tag == "body" || n.Tag == "html" {
			break
		}
		if n.Rect.Width > c.cfg.MaxWidth || n.Rect.Height > c.cfg.MaxHeight {
			break
		}
		if c.isGrid(snap, a) {
			break
		}
		area := n.Rect.Area()
		if area == 0 {
			continue
		}
		score := hintScore(n) + elemArea/area
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// isGrid reports whether node a has at least GridMin visible children of
// near-identical size, i.e. a card grid or list whose selection would crop
// unrelated siblings.
func (c *Calculator) isGrid(snap *dom.Snapshot, a int) bool {
	var sizes []dom.Rect
	for _, ch := range snap.Children(a) {
		if r := snap.Nodes[ch].Rect; !r.Empty() {
			sizes = append(sizes, r)
		}
	}
	if len(sizes) < c.cfg.GridMin {
		return false
	}
	for i, r := range sizes {
		similar := 1
		for j, o := range sizes {
			if i != j && near(r.Width, o.Width, c.cfg.GridTol) && near(r.Height, o.Height, c.cfg.GridTol) {
				similar++
			}
		}
		if similar >= c.cfg.GridMin {
			return true
		}
	}
	return false
}

func near(a, b, tol float64) bool {
	m := math.Max(a, b)
	if m == 0 {
		return true
	}
	return math.Abs(a-b) <= tol*m
}

var (
	cardHints    = []string{"card", "article", "post", "testimonial", "quote", "feature", "tile"}
	heroHints    = []string{"hero", "banner", "jumbotron", "masthead", "splash"}
	sectionHints = []string{"section", "container", "content", "block", "wrapper", "panel"}
)

// hintScore rates how likely a node is a self-contained context block:
// article or card 3, hero or banner 2, generic section or container 1.
func hintScore(n *dom.Node) float64 {
	names := strings.ToLower(n.ID + " " + strings.Join(n.Classes, " "))
	has := func(hints []string) bool {
		for _, h := range hints {
			if strings.Contains(names, h) {
				return true
			}
		}
		return false
	}
	switch {
	case n.Tag == "article" || has(cardHints):
		return 3
	case has(heroHints):
		return 2
	case n.Tag == "section" || n.Tag == "aside" || n.Tag == "figure" || n.Tag == "blockquote" || has(sectionHints):
		return 1
	}
	return 0
}

// clamp fits box to the size limits and the viewport. When box must shrink
// it stays centered on the element; when it must grow it stays centered on
// itself.
func (c *Calculator) clamp(box, elem dom.Rect, vp dom.Viewport) dom.Rect {
	view := vp.Rect()
	x, w := fit(box.X, box.Width, elem.X, elem.Width, c.cfg.MinWidth, c.cfg.MaxWidth, view.X, view.Width)
	y, h := fit(box.Y, box.Height, elem.Y, elem.Height, c.cfg.MinHeight, c.cfg.MaxHeight, view.Y, view.Height)
	return dom.Rect{X: x, Y: y, Width: w, Height: h}
}

// fit resolves one axis. pos/size describe the padded box, epos/esize the
// element, lo/span the viewport.
func fit(pos, size, epos, esize, minSize, maxSize, lo, span float64) (float64, float64) {
	if span <= 0 {
		return lo, 0
	}
	maxSize = math.Min(maxSize, span)
	minSize = math.Min(minSize, maxSize)

	center := pos + size/2
	switch {
	case size > maxSize:
		// Keep the element's center in view while staying inside the box.
		center = epos + esize/2
		center = math.Max(center, pos+maxSize/2)
		center = math.Min(center, pos+size-maxSize/2)
		size = maxSize
	case size < minSize:
		size = minSize
	}

	start := center - size/2
	start = math.Max(start, lo)
	start = math.Min(start, lo+span-size)
	return start, size
}
