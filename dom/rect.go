// Package dom holds the engine-neutral page model used by the locator and the
// region calculator: rectangles in CSS pixels and a flattened snapshot of the
// visible element tree.
package dom

import "math"

// Rect is an axis-aligned rectangle in CSS pixels, page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Area returns Width*Height, or 0 for degenerate rectangles.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Area() == 0 }

// Contains reports whether o lies entirely inside r, with a 1px tolerance for
// subpixel layout rounding.
func (r Rect) Contains(o Rect) bool {
	const eps = 1.0
	return o.X >= r.X-eps && o.Y >= r.Y-eps &&
		o.Right() <= r.Right()+eps && o.Bottom() <= r.Bottom()+eps
}

// Pad grows the rectangle by p on every side.
func (r Rect) Pad(p float64) Rect {
	return Rect{X: r.X - p, Y: r.Y - p, Width: r.Width + 2*p, Height: r.Height + 2*p}
}

// Union returns the smallest rectangle covering both r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x := math.Min(r.X, o.X)
	y := math.Min(r.Y, o.Y)
	return Rect{X: x, Y: y, Width: math.Max(r.Right(), o.Right()) - x, Height: math.Max(r.Bottom(), o.Bottom()) - y}
}

// Intersect returns the overlap of r and o, or the zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	x := math.Max(r.X, o.X)
	y := math.Max(r.Y, o.Y)
	right := math.Min(r.Right(), o.Right())
	bottom := math.Min(r.Bottom(), o.Bottom())
	if right <= x || bottom <= y {
		return Rect{}
	}
	return Rect{X: x, Y: y, Width: right - x, Height: bottom - y}
}

// Center returns the midpoint.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Round snaps the rectangle outward to whole pixels.
func (r Rect) Round() Rect {
	x := math.Floor(r.X)
	y := math.Floor(r.Y)
	return Rect{X: x, Y: y, Width: math.Ceil(r.Right()) - x, Height: math.Ceil(r.Bottom()) - y}
}

// Viewport is the visible layout area at capture time. ScrollX/ScrollY give
// its top-left corner in page coordinates.
type Viewport struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	ScrollX float64 `json:"scrollX"`
	ScrollY float64 `json:"scrollY"`
}

// Rect returns the viewport as a page-coordinate rectangle.
func (v Viewport) Rect() Rect {
	return Rect{X: v.ScrollX, Y: v.ScrollY, Width: v.Width, Height: v.Height}
}
