package dom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRectGeometry(t *testing.T) {
	r := Rect{X: 10, Y: 10, Width: 100, Height: 50}

	assert.Equal(t, 5000.0, r.Area())
	assert.True(t, r.Contains(Rect{X: 20, Y: 20, Width: 10, Height: 10}))
	assert.False(t, r.Contains(Rect{X: 0, Y: 0, Width: 10, Height: 10}))
	assert.Equal(t, Rect{X: 0, Y: 0, Width: 120, Height: 70}, r.Pad(10))
	assert.Equal(t, Rect{X: 10, Y: 10, Width: 50, Height: 50}, r.Intersect(Rect{X: -10, Y: 0, Width: 70, Height: 100}))
	assert.True(t, r.Intersect(Rect{X: 500, Y: 500, Width: 1, Height: 1}).Empty())
	assert.Equal(t, Rect{X: 10, Y: 10, Width: 190, Height: 190}, r.Union(Rect{X: 150, Y: 150, Width: 50, Height: 50}))
	assert.Equal(t, Rect{X: 1, Y: 2, Width: 3, Height: 3}, Rect{X: 1.5, Y: 2.2, Width: 2.1, Height: 2.5}.Round())
}

func TestSnapshotDecodeAndLink(t *testing.T) {
	raw := `{"nodes":[
		{"i":0,"p":-1,"d":0,"t":"body","b":{"x":0,"y":0,"width":1280,"height":2000},"x":"hello world"},
		{"i":1,"p":0,"d":1,"t":"main","r":"main","b":{"x":0,"y":0,"width":1280,"height":900},"x":"hello world"},
		{"i":2,"p":1,"d":2,"t":"p","id":"lead","c":["intro","big"],"b":{"x":10,"y":10,"width":300,"height":20},"x":"hello world"}
	],"viewport":{"width":1280,"height":800,"scrollX":0,"scrollY":0}}`

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	snap.Link()

	assert.Equal(t, []int{1}, snap.Children(0))
	assert.Equal(t, []int{2}, snap.Children(1))
	assert.Equal(t, []int{1, 0}, snap.Ancestors(2, 10))
	assert.Equal(t, []int{1}, snap.Ancestors(2, 1))
	assert.True(t, snap.IsAncestor(0, 2))
	assert.False(t, snap.IsAncestor(2, 0))
	assert.Equal(t, "p#lead.intro.big", snap.Nodes[2].Selector())
	assert.Equal(t, "main[role=main]", snap.Nodes[1].Selector())
	assert.Equal(t, "body > main[role=main] > p#lead.intro.big", snap.Path(2))
	assert.True(t, snap.Nodes[2].HasClass("INTRO"))
	assert.Equal(t, 1, snap.Find(func(n *Node) bool { return n.Tag == "main" }))
}
