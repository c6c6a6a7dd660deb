package region

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/dom"
)

func rect(x, y, w, h float64) dom.Rect { return dom.Rect{X: x, Y: y, Width: w, Height: h} }

func build(nodes ...dom.Node) *dom.Snapshot {
	for i := range nodes {
		nodes[i].Index = i
	}
	s := &dom.Snapshot{Nodes: nodes}
	s.Link()
	return s
}

var viewport = dom.Viewport{Width: 1280, Height: 800}

// The target paragraph sits in a <section>, inside a <div> that also holds
// three near-identical cards. The grid <div> must not be chosen.
func TestCardGridSelectsSection(t *testing.T) {
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 1280, 2400)},
		dom.Node{Parent: 0, Depth: 1, Tag: "div", Classes: []string{"row"}, Rect: rect(40, 100, 1200, 700)},
		dom.Node{Parent: 1, Depth: 2, Tag: "section", Rect: rect(40, 100, 1200, 260)},
		dom.Node{Parent: 2, Depth: 3, Tag: "p", Text: "Trusted partner for digital transformation", Rect: rect(60, 180, 700, 28)},
		dom.Node{Parent: 1, Depth: 2, Tag: "div", Rect: rect(40, 400, 380, 360)},
		dom.Node{Parent: 1, Depth: 2, Tag: "div", Rect: rect(450, 400, 380, 360)},
		dom.Node{Parent: 1, Depth: 2, Tag: "div", Rect: rect(860, 400, 372, 355)},
	)

	res := New(DefaultConfig()).Compute(snap, 3, viewport)
	assert.Equal(t, "section", snap.Nodes[res.Context].Tag)
	assert.Equal(t, 2, res.Context)

	// The section plus padding, inside the viewport.
	assert.Equal(t, rect(20, 80, 1240, 300), res.Rect)
}

func TestPrefersCardOverGenericContainer(t *testing.T) {
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 1280, 3000)},
		dom.Node{Parent: 0, Depth: 1, Tag: "div", Classes: []string{"container"}, Rect: rect(0, 0, 1280, 780)},
		dom.Node{Parent: 1, Depth: 2, Tag: "div", Classes: []string{"pricing-card"}, Rect: rect(100, 100, 500, 400)},
		dom.Node{Parent: 2, Depth: 3, Tag: "span", Rect: rect(120, 120, 200, 20)},
	)
	res := New(DefaultConfig()).Compute(snap, 3, viewport)
	assert.Equal(t, 2, res.Context)
}

func TestRejectsOversizeAncestors(t *testing.T) {
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 1280, 9000)},
		dom.Node{Parent: 0, Depth: 1, Tag: "article", Rect: rect(0, 0, 1280, 6000)},
		dom.Node{Parent: 1, Depth: 2, Tag: "p", Rect: rect(100, 3000, 600, 60)},
	)
	res := New(DefaultConfig()).Compute(snap, 2, dom.Viewport{Width: 1280, Height: 800, ScrollY: 2700})
	assert.Equal(t, 2, res.Context)
	assert.True(t, dom.Rect{X: 0, Y: 2700, Width: 1280, Height: 800}.Contains(res.Rect))
}

func TestShrinksAroundElement(t *testing.T) {
	cfg := Config{MaxWidth: 600, MaxHeight: 300, MinWidth: 100, MinHeight: 50}
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 1280, 2000)},
		dom.Node{Parent: 0, Depth: 1, Tag: "p", Rect: rect(0, 100, 1200, 500)},
	)
	res := New(cfg).Compute(snap, 1, viewport)
	assert.Equal(t, 600.0, res.Rect.Width)
	assert.Equal(t, 300.0, res.Rect.Height)
	assert.True(t, viewport.Rect().Contains(res.Rect))
}

func TestGrowsToMinimum(t *testing.T) {
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 1280, 2000)},
		dom.Node{Parent: 0, Depth: 1, Tag: "span", Rect: rect(5, 5, 40, 10)},
	)
	res := New(DefaultConfig()).Compute(snap, 1, viewport)
	assert.Equal(t, rect(0, 0, 400, 200), res.Rect)
}

func TestMinimumCappedToViewport(t *testing.T) {
	cfg := Config{MinWidth: 2000, MinHeight: 2000, MaxWidth: 4000, MaxHeight: 4000}
	snap := build(
		dom.Node{Parent: -1, Tag: "body", Rect: rect(0, 0, 400, 400)},
		dom.Node{Parent: 0, Depth: 1, Tag: "span", Rect: rect(10, 10, 40, 10)},
	)
	vp := dom.Viewport{Width: 375, Height: 667}
	res := New(cfg).Compute(snap, 1, vp)
	assert.Equal(t, rect(0, 0, 375, 667), res.Rect)
}

func TestRegionPropertyWithinViewportAndAboveMinimum(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	cfg := DefaultConfig()
	calc := New(cfg)

	for range 2000 {
		vp := dom.Viewport{
			Width:   float64(320 + rng.IntN(1600)),
			Height:  float64(480 + rng.IntN(900)),
			ScrollX: float64(rng.IntN(200)),
			ScrollY: float64(rng.IntN(5000)),
		}
		nodes := []dom.Node{{Parent: -1, Tag: "body", Rect: rect(0, 0, 3000, 9000)}}
		depth := 1 + rng.IntN(8)
		x, y, w, h := 0.0, 0.0, 3000.0, 9000.0
		for d := 1; d <= depth; d++ {
			nw := w * (0.3 + 0.7*rng.Float64())
			nh := h * (0.1 + 0.9*rng.Float64())
			x += (w - nw) * rng.Float64()
			y += (h - nh) * rng.Float64()
			w, h = nw, nh
			tags := []string{"div", "section", "article", "p", "span"}
			nodes = append(nodes, dom.Node{Parent: d - 1, Depth: d, Tag: tags[rng.IntN(len(tags))], Rect: rect(x, y, w, h)})
		}
		snap := build(nodes...)

		res := calc.Compute(snap, len(nodes)-1, vp)
		require.True(t, vp.Rect().Contains(res.Rect), "region %+v outside viewport %+v", res.Rect, vp)
		assert.GreaterOrEqual(t, res.Rect.Width, min(cfg.MinWidth, vp.Width)-1e-9)
		assert.GreaterOrEqual(t, res.Rect.Height, min(cfg.MinHeight, vp.Height)-1e-9)
		assert.LessOrEqual(t, res.Rect.Width, min(cfg.MaxWidth, vp.Width)+1e-9)
		assert.LessOrEqual(t, res.Rect.Height, min(cfg.MaxHeight, vp.Height)+1e-9)
	}
}
